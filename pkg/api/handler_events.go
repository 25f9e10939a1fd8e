package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/tachyon-beep/lighthouse/pkg/eventlog"
)

// storeEventHandler handles POST /api/v1/events.
func (s *Server) storeEventHandler(c *echo.Context) error {
	var req storeEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	eventID, seq, err := s.broker.StoreEvent(requestAgentID(c), req.Kind, req.AggregateID, req.Payload)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, storeEventResponse{EventID: eventID, Sequence: seq})
}

// queryEventsHandler handles GET /api/v1/events, filtered by query params:
// aggregate_id, kinds (comma-separated), from_sequence, to_sequence, limit.
func (s *Server) queryEventsHandler(c *echo.Context) error {
	filter, err := parseFilter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	events, err := s.broker.QueryEvents(requestAgentID(c), filter)
	if err != nil {
		return mapServiceError(err)
	}
	resp := queryEventsResponse{Events: make([]eventResponse, len(events))}
	for i, e := range events {
		resp.Events[i] = newEventResponse(e)
	}
	return c.JSON(http.StatusOK, resp)
}

func parseFilter(c *echo.Context) (eventlog.Filter, error) {
	var f eventlog.Filter
	f.AggregateID = c.QueryParam("aggregate_id")
	if kinds := c.QueryParam("kinds"); kinds != "" {
		for _, k := range strings.Split(kinds, ",") {
			f.Kinds = append(f.Kinds, eventlog.Kind(strings.TrimSpace(k)))
		}
	}
	if v := c.QueryParam("from_sequence"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return f, err
		}
		f.FromSequence = n
	}
	if v := c.QueryParam("to_sequence"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return f, err
		}
		f.ToSequence = eventlog.ToSeq(n)
	}
	if v := c.QueryParam("from_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, err
		}
		f.FromTime = t
	}
	if v := c.QueryParam("to_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, err
		}
		f.ToTime = t
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, err
		}
		f.Limit = n
	}
	return f, nil
}

// validateCommandHandler handles POST /api/v1/commands/validate.
func (s *Server) validateCommandHandler(c *echo.Context) error {
	var req validateCommandRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	result, err := s.broker.ValidateCommand(c.Request().Context(), requestAgentID(c), req.ToolName, req.ToolInput)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, validateCommandResponse{
		Decision:  result.Decision,
		Reason:    result.Reason,
		Tier:      result.Tier,
		LatencyMs: result.LatencyMs,
	})
}
