package api

import (
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/tachyon-beep/lighthouse/pkg/lherr"
)

// mapServiceError maps a broker-layer *lherr.Error to an HTTP error
// response by its Kind. Grounded on the teacher's mapServiceError, adapted
// from services.ValidationError/ErrNotFound-style sentinels to lherr's
// closed Kind taxonomy.
func mapServiceError(err error) *echo.HTTPError {
	switch lherr.KindOf(err) {
	case lherr.KindUnauthenticated:
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case lherr.KindUnauthorized:
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case lherr.KindInvalidSession:
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case lherr.KindInvalidPayload:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case lherr.KindRateLimited:
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case lherr.KindNotFound:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case lherr.KindConflictState:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case lherr.KindTimeout:
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	case lherr.KindTransient:
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case lherr.KindIntegrityFault, lherr.KindClockFault:
		slog.Error("broker: fatal error surfaced to API", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	default:
		slog.Error("unexpected broker error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}
