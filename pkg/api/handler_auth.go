package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// authenticateHandler handles POST /api/v1/authenticate.
func (s *Server) authenticateHandler(c *echo.Context) error {
	var req authenticateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := s.broker.Authenticate(req.AgentID, req.Token, req.Role)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, newIdentityResponse(id))
}

// createSessionHandler handles POST /api/v1/sessions.
func (s *Server) createSessionHandler(c *echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	token, err := s.broker.CreateSession(req.AgentID, c.RealIP(), c.Request().UserAgent())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, sessionResponse{SessionToken: token})
}
