package api

import (
	"github.com/coder/websocket"

	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades GET /api/v1/ws to a WebSocket connection and hands it
// to the hub. Authentication has already run via sessionAuth, same as every
// other route in this group.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	s.hub.handleConnection(c.Request().Context(), requestAgentID(c), conn)
	return nil
}
