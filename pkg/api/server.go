// Package api provides the HTTP/WebSocket transport for the Lighthouse
// broker, implemented as a thin layer over pkg/broker: every handler here
// parses a request, calls a Broker method, and marshals the reply. Wire
// format is not normative (spec.md §6 treats it as out of scope) — this is
// one reasonable adapter over the RPC surface, not the contract itself.
package api

import (
	"context"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tachyon-beep/lighthouse/pkg/broker"
)

// Server is the HTTP API server fronting a single Broker instance.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	broker     *broker.Broker
	hub        *hub
}

// NewServer creates a new API server with Echo v5, wired to b.
func NewServer(b *broker.Broker) *Server {
	e := echo.New()

	s := &Server{
		echo:   e,
		broker: b,
		hub:    newHub(b),
	}

	s.setupRoutes()
	return s
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))
	s.echo.Use(securityHeaders())

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/metrics", s.metricsHandler())

	v1 := s.echo.Group("/api/v1")
	v1.POST("/authenticate", s.authenticateHandler)
	v1.POST("/sessions", s.createSessionHandler)

	authed := v1.Group("", s.sessionAuth())
	authed.POST("/events", s.storeEventHandler)
	authed.GET("/events", s.queryEventsHandler)
	authed.POST("/commands/validate", s.validateCommandHandler)

	authed.POST("/experts/challenge", s.beginChallengeHandler)
	authed.POST("/experts/register", s.registerExpertHandler)
	authed.POST("/experts/heartbeat", s.expertHeartbeatHandler)
	authed.POST("/experts/delegate", s.delegateTaskHandler)
	authed.POST("/experts/complete", s.completeTaskHandler)

	authed.POST("/elicitations", s.elicitHandler)
	authed.POST("/elicitations/:id/respond", s.respondElicitationHandler)
	authed.GET("/elicitations/:id", s.awaitElicitationHandler)
	authed.GET("/elicitations", s.checkElicitationsHandler)

	authed.GET("/projection/current/*", s.currentHandler)
	authed.GET("/projection/annotations/*", s.annotationsHandler)
	authed.GET("/projection/history/:at/*", s.historyHandler)
	authed.GET("/projection/snapshots/:name/*", s.snapshotHandler)

	authed.GET("/ws", s.wsHandler)
}

// Start starts the HTTP server on the given address. It blocks until the
// server stops, returning http.ErrServerClosed after Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener.
// Used by test infrastructure to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// metricsHandler serves the broker's Prometheus collectors on a registry
// private to this server instance (never the global default registry, so
// multiple Server instances — as in tests — never collide).
func (s *Server) metricsHandler() echo.HandlerFunc {
	reg := prometheus.NewRegistry()
	reg.MustRegister(s.broker.Collectors()...)
	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return func(c *echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	h := s.broker.Health()
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, healthResponse{
		Status:        h.Status,
		Subsystems:    h.Subsystems,
		IdentityCount: h.IdentityCount,
		ExpertCount:   h.ExpertCount,
		SessionCount:  h.SessionCount,
		LastSequence:  h.LastSequence,
		SegmentSize:   h.SegmentSize,
		BreakerStates: h.BreakerStates,
	})
}
