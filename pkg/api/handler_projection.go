package api

import (
	"net/http"
	"net/url"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/tachyon-beep/lighthouse/pkg/lherr"
)

// parseISOTime parses the :at path segment, unescaping it first since ISO
// timestamps contain colons that route through URL-encoded path segments.
func parseISOTime(raw string) (time.Time, error) {
	unescaped, err := url.PathUnescape(raw)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, unescaped)
}

// currentHandler handles GET /api/v1/projection/current/*.
func (s *Server) currentHandler(c *echo.Context) error {
	path := c.Param("*")
	content, ok := s.broker.Projection.Current(path)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no such path")
	}
	return c.JSON(http.StatusOK, projectionResponse{Path: path, Content: content, Found: true})
}

// annotationsHandler handles GET /api/v1/projection/annotations/*.
func (s *Server) annotationsHandler(c *echo.Context) error {
	path := c.Param("*")
	anns := s.broker.Projection.Annotations(path)
	resp := annotationsResponse{Path: path, Annotations: make([]annotation, len(anns))}
	for i, a := range anns {
		resp.Annotations[i] = annotation{Line: a.Line, Author: a.Author, Message: a.Message, Timestamp: a.Timestamp}
	}
	return c.JSON(http.StatusOK, resp)
}

// historyHandler handles GET /api/v1/projection/history/:at/*.
func (s *Server) historyHandler(c *echo.Context) error {
	at, err := parseISOTime(c.Param("at"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid time: "+err.Error())
	}
	path := c.Param("*")
	content, ok, err := s.broker.Projection.History(path, at)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, projectionResponse{Path: path, Content: content, Found: ok})
}

// snapshotHandler handles GET /api/v1/projection/snapshots/:name/*.
func (s *Server) snapshotHandler(c *echo.Context) error {
	name := c.Param("name")
	path := c.Param("*")
	content, ok, err := s.broker.Projection.Snapshot(name, path)
	if err != nil {
		if lherr.Is(err, lherr.KindNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, projectionResponse{Path: path, Content: content, Found: ok})
}
