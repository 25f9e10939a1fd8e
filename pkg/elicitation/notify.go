package elicitation

import "sync"

// Notification is pushed to ToAgent when an elicitation is created.
type Notification struct {
	ElicitationID string
	FromAgent     string
	Message       string
	Schema        []byte
}

// notifyHub delivers push notifications to whichever channel an agent is
// currently subscribed on, or holds them pending until the agent
// subscribes. Grounded on the teacher's ConnectionManager (pkg/events):
// here "channel" is collapsed from a many-topic pub/sub to one inbox per
// agent, since an elicitation is always addressed to exactly one agent.
type notifyHub struct {
	mu      sync.Mutex
	inboxes map[string]chan Notification
	pending map[string][]Notification
}

func newNotifyHub() *notifyHub {
	return &notifyHub{
		inboxes: make(map[string]chan Notification),
		pending: make(map[string][]Notification),
	}
}

// Subscribe registers agentID's live inbox channel. The returned
// unsubscribe func must be called when the agent disconnects. Any
// notifications held pending for agentID are delivered immediately,
// oldest first.
func (h *notifyHub) Subscribe(agentID string, buffer int) (<-chan Notification, func()) {
	ch := make(chan Notification, buffer)
	h.mu.Lock()
	h.inboxes[agentID] = ch
	backlog := h.pending[agentID]
	delete(h.pending, agentID)
	h.mu.Unlock()

	for _, n := range backlog {
		ch <- n
	}

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.inboxes[agentID] == ch {
			delete(h.inboxes, agentID)
			close(ch)
		}
	}
}

// Deliver pushes n to agentID's active inbox if subscribed, else holds it
// pending until the agent subscribes.
func (h *notifyHub) Deliver(agentID string, n Notification) (delivered bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.inboxes[agentID]; ok {
		select {
		case ch <- n:
			return true
		default:
			// Inbox full: fall through to pending rather than drop, since
			// elicitation delivery (unlike the event log's subscription
			// feed) has no "drop and log" contract — the agent must
			// eventually see the question or its deadline will expire it.
		}
	}
	h.pending[agentID] = append(h.pending[agentID], n)
	return false
}
