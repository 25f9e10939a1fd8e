package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// elicitHandler handles POST /api/v1/elicitations.
func (s *Server) elicitHandler(c *echo.Context) error {
	var req elicitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := s.broker.Elicit(requestAgentID(c), req.ToAgent, req.Message, req.Schema, req.TimeoutSeconds)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, elicitResponse{ElicitationID: id})
}

// respondElicitationHandler handles POST /api/v1/elicitations/:id/respond.
func (s *Server) respondElicitationHandler(c *echo.Context) error {
	var req respondElicitationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id := c.Param("id")
	if err := s.broker.RespondElicitation(id, requestAgentID(c), req.Payload, req.Signature); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// awaitElicitationHandler handles GET /api/v1/elicitations/:id. The caller's
// HTTP client is expected to set a deadline on the request; this handler
// blocks on the broker's own Await for as long as the request context lives.
func (s *Server) awaitElicitationHandler(c *echo.Context) error {
	id := c.Param("id")
	payload, state, err := s.broker.AwaitElicitation(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, awaitElicitationResponse{Payload: payload, State: string(state)})
}

// checkElicitationsHandler handles GET /api/v1/elicitations: a non-blocking
// drain of whatever is currently pending for the caller.
func (s *Server) checkElicitationsHandler(c *echo.Context) error {
	notifications := s.broker.CheckElicitations(requestAgentID(c))
	resp := checkElicitationsResponse{Pending: make([]notificationResponse, len(notifications))}
	for i, n := range notifications {
		resp.Pending[i] = notificationResponse{
			ElicitationID: n.ElicitationID,
			FromAgent:     n.FromAgent,
			Message:       n.Message,
			Schema:        n.Schema,
		}
	}
	return c.JSON(http.StatusOK, resp)
}
