package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tachyon-beep/lighthouse/pkg/lherr"
)

// Permission string values mirror pkg/authn's Permission constants of the
// same name. They are redeclared here (rather than imported) so eventlog
// stays a leaf package with no dependency on authn; pkg/broker wires an
// Authorizer adapter over the real authn.Authenticator at startup.
const (
	permEventsWrite = "EVENTS_WRITE"
	permEventsRead  = "EVENTS_READ"
	permEventsQuery = "EVENTS_QUERY"
)

// Authorizer is the minimal permission-check surface the log needs.
// pkg/authn.Authenticator does not implement this directly (its Authorize
// takes a typed Permission, not a string) — pkg/broker supplies a thin
// adapter at wiring time, keeping both authn and eventlog free of a direct
// import on each other.
type Authorizer interface {
	Authorize(agentID string, permission string) error
}

// Limits bounds what the log will accept, per spec.md §4.1/§5.
type Limits struct {
	MaxEventSize       int
	MaxBatchEvents     int
	MaxBatchBytes      int
	SegmentRollSize    int64
	SubscriptionBuffer int
}

// DefaultLimits matches the spec's stated resource caps.
func DefaultLimits() Limits {
	return Limits{
		MaxEventSize:       1 << 20,
		MaxBatchEvents:     1000,
		MaxBatchBytes:      10 << 20,
		SegmentRollSize:    100 << 20,
		SubscriptionBuffer: 1000,
	}
}

// AppendRequest is the full event-append input; Append/EventSink's narrower
// signature is a convenience wrapper over this.
type AppendRequest struct {
	Kind          Kind
	AggregateID   string
	Payload       []byte
	CorrelationID string
	CausationID   string
}

// Log is the broker's Event Log: a single-writer, many-reader, durable,
// MAC-integrity-checked append log with a bbolt-backed query index.
type Log struct {
	dataDir string
	node    string
	secret  []byte
	limits  Limits
	authz   Authorizer
	metrics *metrics

	writeMu sync.Mutex // serializes append/append_batch end to end
	active  *segment
	gen     *idGenerator
	lastSeq uint64

	ix *index

	subMu sync.Mutex
	subs  map[string]*subscription

	archive ArchiveFunc
}

// ArchiveFunc is invoked with the path of a segment just after it rolled
// (and was gzip-compressed in place); it may move/upload the file. A nil
// ArchiveFunc leaves rolled segments on local disk.
type ArchiveFunc func(path string)

// Open opens (or initializes) a log rooted at dataDir, recovering from any
// prior crash by scanning the active segment for the first corrupt record.
func Open(dataDir, node string, secret []byte, limits Limits, authz Authorizer) (*Log, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("eventlog: create data dir: %w", err)
	}
	ix, err := openIndex(filepath.Join(dataDir, "index.bbolt"))
	if err != nil {
		return nil, err
	}

	l := &Log{
		dataDir: dataDir,
		node:    node,
		secret:  append([]byte(nil), secret...),
		limits:  limits,
		authz:   authz,
		metrics: newMetrics(),
		ix:      ix,
		subs:    make(map[string]*subscription),
	}

	lastNanos, _, err := ix.getMetaInt(metaKeyLastNanos)
	if err != nil {
		ix.close()
		return nil, err
	}
	lastSeq, _, err := ix.getMetaInt(metaKeyLastSequence)
	if err != nil {
		ix.close()
		return nil, err
	}
	l.lastSeq = uint64(lastSeq)
	l.gen = newIDGenerator(node, lastNanos)

	if err := l.recover(); err != nil {
		ix.close()
		return nil, err
	}
	return l, nil
}

func (l *Log) activeSegmentPath() string {
	return filepath.Join(l.dataDir, "active.seg")
}

// recover scans the active segment (if any), re-verifying every frame's
// CRC and MAC, truncating at the first corrupt record per spec.md §4.1.
// Durable state already reflected in the bbolt index (built during prior
// appends) is trusted; recover exists to repair the segment file itself
// and to detect/ log integrity faults.
func (l *Log) recover() error {
	path := l.activeSegmentPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		seg, err := createSegment(path)
		if err != nil {
			return err
		}
		l.active = seg
		return nil
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o640)
	if err != nil {
		return fmt.Errorf("eventlog: open active segment: %w", err)
	}
	defer f.Close()

	var offset int64
	for {
		body, mac, err := readFrame(f)
		if err == nil {
			want, merr := computeMAC(l.secret, body)
			if merr != nil || !constantTimeEqual(want, mac) {
				slog.Error("eventlog: recovery found MAC mismatch, truncating", "offset", offset)
				break
			}
			var rb recordBody
			if jerr := json.Unmarshal(body, &rb); jerr != nil {
				slog.Error("eventlog: recovery found malformed body, truncating", "offset", offset)
				break
			}
			offset += int64(frameHeaderSize + len(body))
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		slog.Error("eventlog: recovery found corrupt frame, truncating", "offset", offset)
		break
	}

	seg, err := openSegmentForAppend(path)
	if err != nil {
		return err
	}
	if err := seg.truncate(offset); err != nil {
		return err
	}
	l.active = seg
	return nil
}

// Append satisfies pkg/authn.EventSink's narrower append surface and is
// the entry point used by subsystems that don't need correlation ids.
func (l *Log) Append(kind, aggregateID string, payload []byte, appendingAgentID string) (string, uint64, error) {
	ev, err := l.AppendEvent(AppendRequest{Kind: Kind(kind), AggregateID: aggregateID, Payload: payload}, appendingAgentID)
	if err != nil {
		return "", 0, err
	}
	return ev.ID, ev.Sequence, nil
}

// AppendEvent appends a single event and returns it fully populated
// (id, sequence, signature).
func (l *Log) AppendEvent(req AppendRequest, appendingAgentID string) (*Event, error) {
	events, err := l.AppendBatch([]AppendRequest{req}, appendingAgentID)
	if err != nil {
		return nil, err
	}
	return events[0], nil
}

// AppendBatch appends reqs atomically: either all get contiguous sequence
// numbers and are durable, or none are.
func (l *Log) AppendBatch(reqs []AppendRequest, appendingAgentID string) ([]*Event, error) {
	start := time.Now()
	if l.authz != nil {
		if err := l.authz.Authorize(appendingAgentID, permEventsWrite); err != nil {
			return nil, err
		}
	}
	if len(reqs) == 0 {
		return nil, lherr.New(lherr.KindInvalidPayload, "append_batch: empty batch")
	}
	if len(reqs) > l.limits.MaxBatchEvents {
		return nil, lherr.New(lherr.KindInvalidPayload, "append_batch: %d events exceeds max %d", len(reqs), l.limits.MaxBatchEvents)
	}

	totalBytes := 0
	for _, r := range reqs {
		if len(r.Payload) > l.limits.MaxEventSize {
			return nil, lherr.New(lherr.KindInvalidPayload, "event payload of %d bytes exceeds max %d", len(r.Payload), l.limits.MaxEventSize)
		}
		if r.Kind == "" || r.AggregateID == "" {
			return nil, lherr.New(lherr.KindInvalidPayload, "event kind and aggregate_id are required")
		}
		totalBytes += len(r.Payload)
	}
	if totalBytes > l.limits.MaxBatchBytes {
		return nil, lherr.New(lherr.KindInvalidPayload, "append_batch: %d bytes exceeds max %d", totalBytes, l.limits.MaxBatchBytes)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	events := make([]*Event, 0, len(reqs))
	type pending struct {
		body []byte
		mac  []byte
		ev   *Event
	}
	var toWrite []pending
	var lastNanos int64

	for _, r := range reqs {
		id, nanos, err := l.gen.next()
		if err != nil {
			return nil, err
		}
		lastNanos = nanos
		l.lastSeq++
		now := time.Now()
		rb := recordBody{
			ID:            id,
			Sequence:      l.lastSeq,
			Kind:          string(r.Kind),
			AggregateID:   r.AggregateID,
			Payload:       r.Payload,
			AppendedBy:    appendingAgentID,
			CorrelationID: r.CorrelationID,
			CausationID:   r.CausationID,
			AppendedAtNS:  now.UnixNano(),
		}
		body, err := json.Marshal(rb)
		if err != nil {
			return nil, lherr.Wrap(lherr.KindInvalidPayload, err, "encode event body")
		}
		mac, err := computeMAC(l.secret, body)
		if err != nil {
			return nil, lherr.Wrap(lherr.KindIntegrityFault, err, "compute event mac")
		}
		ev := &Event{
			ID: id, Sequence: rb.Sequence, Kind: r.Kind, AggregateID: r.AggregateID,
			Payload: r.Payload, AppendedBy: appendingAgentID, CorrelationID: r.CorrelationID,
			CausationID: r.CausationID, AppendedAt: now, Signature: mac,
		}
		toWrite = append(toWrite, pending{body: body, mac: mac, ev: ev})
	}

	for _, p := range toWrite {
		if err := l.active.append(p.body, p.mac); err != nil {
			return nil, lherr.Wrap(lherr.KindIntegrityFault, err, "write event frame")
		}
	}
	if err := l.active.sync(); err != nil {
		return nil, lherr.Wrap(lherr.KindIntegrityFault, err, "fsync segment")
	}

	for _, p := range toWrite {
		if err := l.ix.record(p.ev.Sequence, p.ev.AggregateID, p.ev.Kind, p.body); err != nil {
			return nil, lherr.Wrap(lherr.KindIntegrityFault, err, "persist index record")
		}
		events = append(events, p.ev)
	}
	if err := l.ix.putMetaInt(metaKeyLastSequence, int64(l.lastSeq)); err != nil {
		return nil, err
	}

	if l.active.size >= l.limits.SegmentRollSize {
		if err := l.roll(lastNanos); err != nil {
			slog.Error("eventlog: segment roll failed", "error", err)
		}
	}

	l.metrics.appendLatency.Observe(time.Since(start).Seconds())
	l.metrics.appendedTotal.Add(float64(len(events)))

	l.publish(events)
	return events, nil
}

// roll closes the active segment, renames it to a timestamped name, gzip
// compresses it, opens a fresh active segment, and persists the id
// generator's high-water mark so a restart cannot emit a backwards id.
func (l *Log) roll(lastNanos int64) error {
	if err := l.active.close(); err != nil {
		return err
	}
	rolledName := fmt.Sprintf("segment-%020d-%s.seg", lastNanos, uuid.NewString()[:8])
	rolledPath := filepath.Join(l.dataDir, rolledName)
	if err := os.Rename(l.activeSegmentPath(), rolledPath); err != nil {
		return err
	}
	if err := l.ix.putMetaInt(metaKeyLastNanos, lastNanos); err != nil {
		return err
	}
	seg, err := createSegment(l.activeSegmentPath())
	if err != nil {
		return err
	}
	l.active = seg

	go func() {
		compressed, err := compressSegment(rolledPath)
		if err != nil {
			slog.Error("eventlog: segment compression failed", "path", rolledPath, "error", err)
			return
		}
		if l.archive != nil {
			l.archive(compressed)
		}
	}()
	return nil
}

// SetArchiveFunc installs a hook invoked with the path of each compressed,
// rolled segment.
func (l *Log) SetArchiveFunc(fn ArchiveFunc) {
	l.archive = fn
}

// ActiveSegmentSize reports the byte size of the currently active segment
// file, for operational reporting (e.g. health()'s storage summary).
func (l *Log) ActiveSegmentSize() int64 {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.active == nil {
		return 0
	}
	return l.active.size
}

// LastSequence returns the highest sequence number appended so far.
func (l *Log) LastSequence() uint64 {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.lastSeq
}

// Query returns events matching filter, ordered by sequence ascending.
func (l *Log) Query(agentID string, filter Filter) ([]*Event, error) {
	if l.authz != nil {
		if err := l.authz.Authorize(agentID, permEventsQuery); err != nil {
			return nil, err
		}
	}
	var out []*Event
	err := l.ix.scan(func(seq uint64, body []byte) bool {
		ev, err := decodeEvent(body)
		if err != nil {
			return true
		}
		if filter.matches(ev) {
			out = append(out, ev)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, lherr.Wrap(lherr.KindIntegrityFault, err, "scan index")
	}
	return out, nil
}

func decodeEvent(body []byte) (*Event, error) {
	var rb recordBody
	if err := json.Unmarshal(body, &rb); err != nil {
		return nil, err
	}
	return &Event{
		ID: rb.ID, Sequence: rb.Sequence, Kind: Kind(rb.Kind), AggregateID: rb.AggregateID,
		Payload: rb.Payload, AppendedBy: rb.AppendedBy, CorrelationID: rb.CorrelationID,
		CausationID: rb.CausationID, AppendedAt: time.Unix(0, rb.AppendedAtNS),
	}, nil
}

// Close closes the active segment and the index. Outstanding subscriptions
// are closed.
func (l *Log) Close() error {
	l.subMu.Lock()
	for id, s := range l.subs {
		close(s.ch)
		delete(l.subs, id)
	}
	l.subMu.Unlock()

	if err := l.active.close(); err != nil {
		return err
	}
	return l.ix.close()
}
