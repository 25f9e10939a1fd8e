package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tachyon-beep/lighthouse/pkg/broker"
	"github.com/tachyon-beep/lighthouse/pkg/eventlog"
)

// writeTimeout bounds how long a single WebSocket write may block, so one
// slow client can't stall the subscription goroutine feeding it.
const writeTimeout = 10 * time.Second

// hub manages live WebSocket connections and fans out broker subscriptions
// to them. Unlike the NOTIFY/LISTEN fan-out this is adapted from, Lighthouse
// has no cross-process distribution problem: eventlog.Log and
// elicitation.Manager already support arbitrarily many independent
// subscribers in-process, so each client subscription owns its own
// goroutine and channel rather than sharing one broker-wide listener per
// channel name.
type hub struct {
	broker *broker.Broker
}

func newHub(b *broker.Broker) *hub {
	return &hub{broker: b}
}

// wsSubscription is one live subscribe_events or subscribe_elicitations
// request from a client; cancel tears down its forwarding goroutine.
type wsSubscription struct {
	cancel func()
}

// wsConn wraps a single accepted WebSocket connection. writeMu serializes
// writes since conn.Write is not safe for concurrent use and multiple
// subscription goroutines may want to write to the same connection at once.
type wsConn struct {
	id      string
	conn    *websocket.Conn
	agentID string

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]wsSubscription
}

// wsClientMessage is the JSON structure for client → server messages.
type wsClientMessage struct {
	Action         string   `json:"action"` // subscribe_events, subscribe_elicitations, unsubscribe, ping
	SubscriptionID string   `json:"subscription_id,omitempty"`
	AggregateID    string   `json:"aggregate_id,omitempty"`
	Kinds          []string `json:"kinds,omitempty"`
	FromSequence   uint64   `json:"from_sequence,omitempty"`
}

// handleConnection owns a single accepted WebSocket connection until it
// closes. Mirrors the teacher's ConnectionManager.HandleConnection shape:
// register, announce, read loop, deferred cleanup.
func (h *hub) handleConnection(parentCtx context.Context, agentID string, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	c := &wsConn{
		id:      uuid.New().String(),
		conn:    conn,
		agentID: agentID,
		subs:    make(map[string]wsSubscription),
	}
	defer c.closeAllSubscriptions()

	c.sendJSON(ctx, map[string]string{"type": "connection.established", "connection_id": c.id})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendJSON(ctx, map[string]string{"type": "error", "message": "invalid message"})
			continue
		}
		h.handleClientMessage(ctx, c, &msg)
	}
}

func (h *hub) handleClientMessage(ctx context.Context, c *wsConn, msg *wsClientMessage) {
	switch msg.Action {
	case "subscribe_events":
		filter := eventlog.Filter{AggregateID: msg.AggregateID, FromSequence: msg.FromSequence}
		for _, k := range msg.Kinds {
			filter.Kinds = append(filter.Kinds, eventlog.Kind(k))
		}
		h.subscribeEvents(ctx, c, filter)

	case "subscribe_elicitations":
		h.subscribeElicitations(ctx, c)

	case "unsubscribe":
		if msg.SubscriptionID == "" {
			c.sendJSON(ctx, map[string]string{"type": "error", "message": "subscription_id is required"})
			return
		}
		c.removeSubscription(msg.SubscriptionID)
		c.sendJSON(ctx, map[string]string{"type": "unsubscription.confirmed", "subscription_id": msg.SubscriptionID})

	case "ping":
		c.sendJSON(ctx, map[string]string{"type": "pong"})

	default:
		c.sendJSON(ctx, map[string]string{"type": "error", "message": "unknown action"})
	}
}

// subscribeEvents starts a forwarding goroutine over the broker's event
// log subscription and registers it under a fresh subscription id.
func (h *hub) subscribeEvents(ctx context.Context, c *wsConn, filter eventlog.Filter) {
	subCtx, cancel := context.WithCancel(ctx)
	ch, unsubscribe, err := h.broker.SubscribeEvents(subCtx, c.agentID, filter)
	if err != nil {
		cancel()
		c.sendJSON(ctx, map[string]string{"type": "subscription.error", "message": err.Error()})
		return
	}

	subID := uuid.New().String()
	c.addSubscription(subID, func() {
		unsubscribe()
		cancel()
	})
	c.sendJSON(ctx, map[string]string{"type": "subscription.confirmed", "subscription_id": subID})

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				c.sendJSON(subCtx, map[string]any{
					"type":            "event",
					"subscription_id": subID,
					"event":           newEventResponse(e),
				})
			}
		}
	}()
}

// subscribeElicitations starts a forwarding goroutine over the
// elicitation manager's notification channel for c's own agent.
func (h *hub) subscribeElicitations(ctx context.Context, c *wsConn) {
	ch, unsubscribe := h.broker.Elicitation.Subscribe(c.agentID)
	subCtx, cancel := context.WithCancel(ctx)

	subID := uuid.New().String()
	c.addSubscription(subID, func() {
		unsubscribe()
		cancel()
	})
	c.sendJSON(ctx, map[string]string{"type": "subscription.confirmed", "subscription_id": subID})

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case n, ok := <-ch:
				if !ok {
					return
				}
				c.sendJSON(subCtx, map[string]any{
					"type":            "elicitation",
					"subscription_id": subID,
					"notification": notificationResponse{
						ElicitationID: n.ElicitationID,
						FromAgent:     n.FromAgent,
						Message:       n.Message,
						Schema:        n.Schema,
					},
				})
			}
		}
	}()
}

func (c *wsConn) addSubscription(id string, cancel func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subs[id] = wsSubscription{cancel: cancel}
}

func (c *wsConn) removeSubscription(id string) {
	c.subMu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.subMu.Unlock()
	if ok {
		sub.cancel()
	}
}

func (c *wsConn) closeAllSubscriptions() {
	c.subMu.Lock()
	subs := c.subs
	c.subs = make(map[string]wsSubscription)
	c.subMu.Unlock()
	for _, sub := range subs {
		sub.cancel()
	}
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *wsConn) sendJSON(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("hub: failed to marshal message", "connection_id", c.id, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("hub: failed to write message", "connection_id", c.id, "error", err)
	}
}
