package projection

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/lighthouse/pkg/eventlog"
)

// fakeLog is a minimal in-memory EventSource standing in for *eventlog.Log.
type fakeLog struct {
	mu     sync.Mutex
	events []*eventlog.Event
	subs   []chan *eventlog.Event
}

func (f *fakeLog) Query(agentID string, filter eventlog.Filter) ([]*eventlog.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*eventlog.Event
	for _, e := range f.events {
		if matches(filter, e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLog) Subscribe(ctx context.Context, agentID string, filter eventlog.Filter) (<-chan *eventlog.Event, func(), error) {
	ch := make(chan *eventlog.Event, 64)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}, nil
}

func matches(f eventlog.Filter, e *eventlog.Event) bool {
	if f.AggregateID != "" && e.AggregateID != f.AggregateID {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == e.Kind {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	if f.FromSequence != 0 && e.Sequence < f.FromSequence {
		return false
	}
	if f.ToSequence.Set && e.Sequence > f.ToSequence.Value {
		return false
	}
	if !f.ToTime.IsZero() && e.AppendedAt.After(f.ToTime) {
		return false
	}
	return true
}

func (f *fakeLog) append(e *eventlog.Event) {
	f.mu.Lock()
	f.events = append(f.events, e)
	subs := append([]chan *eventlog.Event(nil), f.subs...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- e
	}
}

func fileModified(seq uint64, path, content string, at time.Time) *eventlog.Event {
	payload, _ := json.Marshal(fileModifiedPayload{Path: path, Content: []byte(content)})
	return &eventlog.Event{Sequence: seq, Kind: eventlog.KindFileModified, AggregateID: path, Payload: payload, AppendedAt: at}
}

func annotationAdded(seq uint64, path string, line int, author, message string, at time.Time) *eventlog.Event {
	payload, _ := json.Marshal(annotationPayload{Path: path, Line: line, Message: message})
	return &eventlog.Event{Sequence: seq, Kind: eventlog.KindAnnotationAdded, AggregateID: path, Payload: payload, AppendedBy: author, AppendedAt: at}
}

func snapshotTaken(seq uint64, name string, at time.Time) *eventlog.Event {
	payload, _ := json.Marshal(snapshotPayload{Name: name})
	return &eventlog.Event{Sequence: seq, Kind: eventlog.KindSnapshotTaken, AggregateID: name, Payload: payload, AppendedAt: at}
}

func newTestStore(t *testing.T) *SnapshotStore {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenSnapshotStore(filepath.Join(dir, "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCurrentReflectsLatestFileModified(t *testing.T) {
	t0 := time.Unix(1000, 0)
	log := &fakeLog{events: []*eventlog.Event{
		fileModified(1, "a.txt", "first", t0),
		fileModified(2, "a.txt", "second", t0.Add(time.Second)),
	}}
	p := New(log, nil, DefaultConfig())
	require.NoError(t, p.Run(context.Background()))
	t.Cleanup(p.Stop)

	content, ok := p.Current("a.txt")
	require.True(t, ok)
	assert.Equal(t, "second", string(content))
}

func TestCurrentUpdatesFromLiveTail(t *testing.T) {
	log := &fakeLog{}
	p := New(log, nil, DefaultConfig())
	require.NoError(t, p.Run(context.Background()))
	t.Cleanup(p.Stop)

	_, ok := p.Current("b.txt")
	assert.False(t, ok)

	log.append(fileModified(1, "b.txt", "hello", time.Now()))

	require.Eventually(t, func() bool {
		content, ok := p.Current("b.txt")
		return ok && string(content) == "hello"
	}, time.Second, 5*time.Millisecond)
}

func TestHistoryReplaysAsOfTime(t *testing.T) {
	t0 := time.Unix(2000, 0)
	log := &fakeLog{events: []*eventlog.Event{
		fileModified(1, "a.txt", "v1", t0),
		fileModified(2, "a.txt", "v2", t0.Add(time.Hour)),
	}}
	p := New(log, nil, DefaultConfig())
	require.NoError(t, p.Run(context.Background()))
	t.Cleanup(p.Stop)

	content, ok, err := p.History("a.txt", t0.Add(30*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", string(content))
}

func TestAnnotationsAccumulate(t *testing.T) {
	t0 := time.Unix(3000, 0)
	log := &fakeLog{events: []*eventlog.Event{
		annotationAdded(1, "a.txt", 10, "expert-a", "looks risky", t0),
		annotationAdded(2, "a.txt", 20, "expert-b", "fix this", t0.Add(time.Minute)),
	}}
	p := New(log, nil, DefaultConfig())
	require.NoError(t, p.Run(context.Background()))
	t.Cleanup(p.Stop)

	anns := p.Annotations("a.txt")
	require.Len(t, anns, 2)
	assert.Equal(t, "expert-a", anns[0].Author)
	assert.Equal(t, 20, anns[1].Line)
}

func TestSnapshotResolvesContentAtRecordedSequence(t *testing.T) {
	t0 := time.Unix(4000, 0)
	store := newTestStore(t)
	log := &fakeLog{events: []*eventlog.Event{
		fileModified(1, "a.txt", "v1", t0),
		snapshotTaken(2, "release-1", t0.Add(time.Minute)),
		fileModified(3, "a.txt", "v2", t0.Add(2*time.Minute)),
	}}
	p := New(log, store, DefaultConfig())
	require.NoError(t, p.Run(context.Background()))
	t.Cleanup(p.Stop)

	content, ok, err := p.Snapshot("release-1", "a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", string(content))

	current, ok := p.Current("a.txt")
	require.True(t, ok)
	assert.Equal(t, "v2", string(current))
}

func TestSnapshotUnknownNameIsNotFound(t *testing.T) {
	store := newTestStore(t)
	p := New(&fakeLog{}, store, DefaultConfig())
	require.NoError(t, p.Run(context.Background()))
	t.Cleanup(p.Stop)

	_, _, err := p.Snapshot("nope", "a.txt")
	require.Error(t, err)
}

func TestSnapshotStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshots.db")

	s1, err := OpenSnapshotStore(path)
	require.NoError(t, err)
	require.NoError(t, s1.Put("release-1", 42, time.Unix(5000, 0)))
	require.NoError(t, s1.Close())

	s2, err := OpenSnapshotStore(path)
	require.NoError(t, err)
	defer s2.Close()

	seq, _, ok, err := s2.Get("release-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 42, seq)
}

func TestSnapshotStoreListReturnsAllNames(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("a", 1, time.Now()))
	require.NoError(t, s.Put("b", 2, time.Now()))

	names, err := s.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}
