package eventlog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscription is one live push-stream registration. Fan-out mirrors the
// teacher's ConnectionManager: a per-subscriber buffered channel, dropped
// (not blocked) on back-pressure.
type subscription struct {
	id     string
	filter Filter
	ch     chan *Event
}

// Subscribe registers a push stream matching filter and returns a channel
// of matching events plus an unsubscribe func. The channel is closed when
// ctx is cancelled, Close is called, or the subscriber is dropped for
// exceeding its buffer (in which case a warning is logged and the channel
// is closed without further delivery).
func (l *Log) Subscribe(ctx context.Context, agentID string, filter Filter) (<-chan *Event, func(), error) {
	if l.authz != nil {
		if err := l.authz.Authorize(agentID, permEventsQuery); err != nil {
			return nil, nil, err
		}
	}
	buf := l.limits.SubscriptionBuffer
	if buf <= 0 {
		buf = 1000
	}
	sub := &subscription{
		id:     uuid.NewString(),
		filter: filter,
		ch:     make(chan *Event, buf),
	}

	l.subMu.Lock()
	l.subs[sub.id] = sub
	l.subMu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			l.subMu.Lock()
			if _, ok := l.subs[sub.id]; ok {
				delete(l.subs, sub.id)
				close(sub.ch)
			}
			l.subMu.Unlock()
		})
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return sub.ch, unsubscribe, nil
}

// publish fans newly-appended events out to every matching subscriber. A
// subscriber whose buffer is full is dropped rather than allowed to stall
// the writer (eventlog's append path must never block on a slow reader).
func (l *Log) publish(events []*Event) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for id, sub := range l.subs {
		dropped := false
		for _, ev := range events {
			if dropped || !sub.filter.matches(ev) {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
				slog.Warn("eventlog: subscriber buffer full, dropping subscriber", "subscription_id", id)
				close(sub.ch)
				delete(l.subs, id)
				l.metrics.subscriberDropsTotal.Inc()
				dropped = true
			}
		}
	}
}
