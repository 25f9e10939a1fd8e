package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// beginChallengeHandler handles POST /api/v1/experts/challenge.
func (s *Server) beginChallengeHandler(c *echo.Context) error {
	var req beginChallengeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	challenge, err := s.broker.BeginChallenge(requestAgentID(c), req.AuthToken)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, beginChallengeResponse{Challenge: challenge})
}

// registerExpertHandler handles POST /api/v1/experts/register.
func (s *Server) registerExpertHandler(c *echo.Context) error {
	var req registerExpertRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	token, err := s.broker.RegisterExpert(requestAgentID(c), req.Challenge, req.ChallengeResponse, req.Capabilities)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, registerExpertResponse{ExpertToken: token})
}

// expertHeartbeatHandler handles POST /api/v1/experts/heartbeat.
func (s *Server) expertHeartbeatHandler(c *echo.Context) error {
	var req expertHeartbeatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.broker.ExpertHeartbeat(requestAgentID(c), req.ExpertToken); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// delegateTaskHandler handles POST /api/v1/experts/delegate.
func (s *Server) delegateTaskHandler(c *echo.Context) error {
	var req delegateTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	deadline := time.Duration(req.DeadlineSeconds) * time.Second
	taskID, err := s.broker.DelegateTask(c.Request().Context(), requestAgentID(c), req.Task, req.RequiredCapabilities, req.Priority, deadline)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, delegateTaskResponse{TaskID: taskID})
}

// completeTaskHandler handles POST /api/v1/experts/complete.
func (s *Server) completeTaskHandler(c *echo.Context) error {
	var req completeTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.broker.CompleteTask(requestAgentID(c), req.TaskID, req.Result); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
