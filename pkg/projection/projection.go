// Package projection implements the Project Projection (spec.md §4.7): a
// read-only, version-aware view of a project's files, snapshots, and
// annotations, derived solely by replaying the event log. Every view it
// serves can be rebuilt from nothing but the log plus the snapshot index.
package projection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tachyon-beep/lighthouse/pkg/eventlog"
	"github.com/tachyon-beep/lighthouse/pkg/lherr"
)

// EventSource is the slice of *eventlog.Log the projector needs. Declared
// locally (rather than importing the concrete type everywhere) purely so
// tests can supply a fake.
type EventSource interface {
	Query(agentID string, filter eventlog.Filter) ([]*eventlog.Event, error)
	Subscribe(ctx context.Context, agentID string, filter eventlog.Filter) (<-chan *eventlog.Event, func(), error)
}

// Annotation is one expert note attached to a line of a file, derived from
// an ANNOTATION_ADDED event.
type Annotation struct {
	Line      int
	Author    string
	Message   string
	Timestamp time.Time
}

type fileModifiedPayload struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

type annotationPayload struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

type snapshotPayload struct {
	Name string `json:"name"`
}

// Config configures a Projector.
type Config struct {
	// AgentID is the identity the projector uses for its own internal
	// Query/Subscribe calls against the log. It must be bootstrapped with
	// EVENTS_QUERY permission (role system-agent) by whatever wires the
	// broker together.
	AgentID string
}

func DefaultConfig() Config {
	return Config{AgentID: "system-projection"}
}

var viewKinds = []eventlog.Kind{
	eventlog.KindFileModified,
	eventlog.KindAnnotationAdded,
	eventlog.KindSnapshotTaken,
}

// Projector maintains the `/current` and `/annotations` views incrementally
// from a live log subscription, and serves `/history` and `/snapshots`
// on demand by replaying the log. A path's content is swapped under a
// single mutex, so readers never observe a partially-written value — the
// atomicity guarantee spec.md §4.7 asks for.
type Projector struct {
	cfg       Config
	log       EventSource
	snapshots *SnapshotStore

	mu          sync.RWMutex
	current     map[string][]byte
	annotations map[string][]Annotation

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Projector. snapshots may be nil if named-snapshot
// lookups are not needed (e.g. in tests).
func New(log EventSource, snapshots *SnapshotStore, cfg Config) *Projector {
	if cfg.AgentID == "" {
		cfg.AgentID = DefaultConfig().AgentID
	}
	return &Projector{
		cfg:         cfg,
		log:         log,
		snapshots:   snapshots,
		current:     make(map[string][]byte),
		annotations: make(map[string][]Annotation),
	}
}

// Run replays the log's existing FILE_MODIFIED/ANNOTATION_ADDED/
// SNAPSHOT_TAKEN history to bootstrap the current view, then subscribes
// for the live tail. It returns once the initial replay has completed; the
// live tail keeps applying in the background until Stop is called.
func (p *Projector) Run(ctx context.Context) error {
	events, err := p.log.Query(p.cfg.AgentID, eventlog.Filter{Kinds: viewKinds})
	if err != nil {
		return lherr.Wrap(lherr.KindTransient, err, "projection: initial replay")
	}
	var lastSeq uint64
	for _, e := range events {
		p.apply(e)
		lastSeq = e.Sequence
	}

	runCtx, cancel := context.WithCancel(ctx)
	ch, unsubscribe, err := p.log.Subscribe(runCtx, p.cfg.AgentID, eventlog.Filter{
		Kinds:        viewKinds,
		FromSequence: lastSeq + 1,
	})
	if err != nil {
		cancel()
		return lherr.Wrap(lherr.KindTransient, err, "projection: subscribe live tail")
	}
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer unsubscribe()
		for {
			select {
			case e, ok := <-ch:
				if !ok {
					return
				}
				p.apply(e)
			case <-runCtx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop halts the live tail subscription and waits for it to drain.
func (p *Projector) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Projector) apply(e *eventlog.Event) {
	switch e.Kind {
	case eventlog.KindFileModified:
		var body fileModifiedPayload
		if err := json.Unmarshal(e.Payload, &body); err != nil {
			return
		}
		p.mu.Lock()
		p.current[body.Path] = body.Content
		p.mu.Unlock()
	case eventlog.KindAnnotationAdded:
		var body annotationPayload
		if err := json.Unmarshal(e.Payload, &body); err != nil {
			return
		}
		ann := Annotation{Line: body.Line, Author: e.AppendedBy, Message: body.Message, Timestamp: e.AppendedAt}
		p.mu.Lock()
		p.annotations[body.Path] = append(p.annotations[body.Path], ann)
		p.mu.Unlock()
	case eventlog.KindSnapshotTaken:
		if p.snapshots == nil {
			return
		}
		var body snapshotPayload
		if err := json.Unmarshal(e.Payload, &body); err != nil {
			return
		}
		_ = p.snapshots.Put(body.Name, e.Sequence, e.AppendedAt)
	}
}

// Current implements `/current/<path>`.
func (p *Projector) Current(path string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.current[path]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, true
}

// Annotations implements `/annotations/<path>`.
func (p *Projector) Annotations(path string) []Annotation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Annotation, len(p.annotations[path]))
	copy(out, p.annotations[path])
	return out
}

// History implements `/history/<iso-time>/<path>`: the content of path as
// of the latest FILE_MODIFIED event at or before at.
func (p *Projector) History(path string, at time.Time) ([]byte, bool, error) {
	events, err := p.log.Query(p.cfg.AgentID, eventlog.Filter{
		AggregateID: path,
		Kinds:       []eventlog.Kind{eventlog.KindFileModified},
		ToTime:      at,
	})
	if err != nil {
		return nil, false, lherr.Wrap(lherr.KindTransient, err, "projection: history replay for %q", path)
	}
	return lastContent(events)
}

// Snapshot implements `/snapshots/<name>/<path>`: the content of path as of
// the named SNAPSHOT_TAKEN event.
func (p *Projector) Snapshot(name, path string) ([]byte, bool, error) {
	if p.snapshots == nil {
		return nil, false, lherr.New(lherr.KindNotFound, "no snapshot store configured")
	}
	seq, _, ok, err := p.snapshots.Get(name)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, lherr.New(lherr.KindNotFound, "snapshot %q not found", name)
	}
	events, err := p.log.Query(p.cfg.AgentID, eventlog.Filter{
		AggregateID: path,
		Kinds:       []eventlog.Kind{eventlog.KindFileModified},
		ToSequence:  eventlog.ToSeq(seq),
	})
	if err != nil {
		return nil, false, lherr.Wrap(lherr.KindTransient, err, "projection: snapshot replay for %q", path)
	}
	return lastContent(events)
}

func lastContent(events []*eventlog.Event) ([]byte, bool, error) {
	if len(events) == 0 {
		return nil, false, nil
	}
	var body fileModifiedPayload
	if err := json.Unmarshal(events[len(events)-1].Payload, &body); err != nil {
		return nil, false, lherr.Wrap(lherr.KindIntegrityFault, err, "decode FILE_MODIFIED payload")
	}
	return body.Content, true, nil
}

// StreamEvents implements `/streams/events`: a lazy, filterable live
// passthrough onto the underlying log's own subscription mechanism — the
// projection adds no buffering or transformation of its own here.
func (p *Projector) StreamEvents(ctx context.Context, agentID string, filter eventlog.Filter) (<-chan *eventlog.Event, func(), error) {
	return p.log.Subscribe(ctx, agentID, filter)
}
