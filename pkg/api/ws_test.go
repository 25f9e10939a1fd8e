package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/lighthouse/pkg/authn"
)

// connectWS dials the test server's /api/v1/ws route authenticated as
// agentID, reads past the connection.established greeting, and returns the
// live connection. Grounded on the teacher's pkg/events connectWS helper.
func connectWS(t *testing.T, server *httptest.Server, agentID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):] + "/api/v1/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header := http.Header{}
	header.Set("X-Agent-ID", agentID)
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	readJSON(t, conn) // connection.established
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestWSSubscribeEventsReceivesStoredEvent(t *testing.T) {
	s := newTestServer(t)
	token := bootstrapSession(t, s, "agent-a", authn.RoleBuilderAgent)

	httpServer := httptest.NewServer(s.echo)
	t.Cleanup(httpServer.Close)

	conn := connectWS(t, httpServer, "agent-a", token)

	writeJSON(t, conn, wsClientMessage{Action: "subscribe_events", Kinds: []string{"FILE_MODIFIED"}})
	confirm := readJSON(t, conn)
	require.Equal(t, "subscription.confirmed", confirm["type"])

	_, _, err := s.broker.StoreEvent("agent-a", "FILE_MODIFIED", "proj/main.go", []byte(`{"path":"proj/main.go","content":""}`))
	require.NoError(t, err)

	msg := readJSON(t, conn)
	require.Equal(t, "event", msg["type"])
	event, ok := msg["event"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "proj/main.go", event["aggregate_id"])
}

func TestWSPingPong(t *testing.T) {
	s := newTestServer(t)
	token := bootstrapSession(t, s, "agent-a", authn.RoleBuilderAgent)

	httpServer := httptest.NewServer(s.echo)
	t.Cleanup(httpServer.Close)

	conn := connectWS(t, httpServer, "agent-a", token)

	writeJSON(t, conn, wsClientMessage{Action: "ping"})
	msg := readJSON(t, conn)
	require.Equal(t, "pong", msg["type"])
}

func TestWSUnsubscribeStopsForwarding(t *testing.T) {
	s := newTestServer(t)
	token := bootstrapSession(t, s, "agent-a", authn.RoleBuilderAgent)

	httpServer := httptest.NewServer(s.echo)
	t.Cleanup(httpServer.Close)

	conn := connectWS(t, httpServer, "agent-a", token)

	writeJSON(t, conn, wsClientMessage{Action: "subscribe_events", Kinds: []string{"FILE_MODIFIED"}})
	confirm := readJSON(t, conn)
	subID, _ := confirm["subscription_id"].(string)
	require.NotEmpty(t, subID)

	writeJSON(t, conn, wsClientMessage{Action: "unsubscribe", SubscriptionID: subID})
	unconfirm := readJSON(t, conn)
	require.Equal(t, "unsubscription.confirmed", unconfirm["type"])

	_, _, err := s.broker.StoreEvent("agent-a", "FILE_MODIFIED", "proj/other.go", []byte(`{"path":"proj/other.go","content":""}`))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err = conn.Read(ctx)
	require.Error(t, err, "expected no forwarded event after unsubscribing")
}
