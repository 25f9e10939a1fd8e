package session

import "time"

// Session is a bound (agent_id, ip, user_agent) triple with a sliding
// activity window. Sessions are never persisted — they are rebuilt by
// re-authenticating after a broker restart (spec.md §4.3).
type Session struct {
	ID           string
	AgentID      string
	IP           string
	UserAgent    string
	CreatedAt    time.Time
	LastActivity time.Time
}

func (s *Session) idle(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastActivity) > ttl
}
