package eventlog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type allowAllAuthorizer struct{ denyPermission string }

func (a allowAllAuthorizer) Authorize(agentID string, permission string) error {
	if permission == a.denyPermission {
		return assertErr
	}
	return nil
}

var assertErr = os.ErrPermission

func newTestLog(t *testing.T) *Log {
	t.Helper()
	dir := t.TempDir()
	l, err := Open(dir, "node-1", []byte("test-secret"), DefaultLimits(), allowAllAuthorizer{})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAssignsMonotonicSequence(t *testing.T) {
	l := newTestLog(t)
	ev1, err := l.AppendEvent(AppendRequest{Kind: KindFileModified, AggregateID: "proj/a.go", Payload: []byte(`{}`)}, "builder-0")
	require.NoError(t, err)
	ev2, err := l.AppendEvent(AppendRequest{Kind: KindFileModified, AggregateID: "proj/a.go", Payload: []byte(`{}`)}, "builder-0")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), ev1.Sequence)
	assert.Equal(t, uint64(2), ev2.Sequence)
	assert.NotEmpty(t, ev1.ID)
	assert.NotEqual(t, ev1.ID, ev2.ID)
	assert.Len(t, ev1.Signature, macSize)
}

func TestAppendRejectsOversizedPayload(t *testing.T) {
	l := newTestLog(t)
	big := make([]byte, DefaultLimits().MaxEventSize+1)
	_, err := l.AppendEvent(AppendRequest{Kind: KindFileModified, AggregateID: "x", Payload: big}, "builder-0")
	require.Error(t, err)
}

func TestAppendBatchIsAtomicOnValidationFailure(t *testing.T) {
	l := newTestLog(t)
	reqs := []AppendRequest{
		{Kind: KindFileModified, AggregateID: "a", Payload: []byte(`{}`)},
		{Kind: "", AggregateID: "", Payload: []byte(`{}`)}, // invalid: missing kind/aggregate
	}
	_, err := l.AppendBatch(reqs, "builder-0")
	require.Error(t, err)

	out, err := l.Query("builder-0", Filter{})
	require.NoError(t, err)
	assert.Empty(t, out, "no event from a rejected batch should have been persisted")
}

func TestQueryFiltersByAggregateAndKind(t *testing.T) {
	l := newTestLog(t)
	_, err := l.AppendEvent(AppendRequest{Kind: KindFileModified, AggregateID: "a", Payload: []byte(`{}`)}, "builder-0")
	require.NoError(t, err)
	_, err = l.AppendEvent(AppendRequest{Kind: KindAnnotationAdded, AggregateID: "a", Payload: []byte(`{}`)}, "builder-0")
	require.NoError(t, err)
	_, err = l.AppendEvent(AppendRequest{Kind: KindFileModified, AggregateID: "b", Payload: []byte(`{}`)}, "builder-0")
	require.NoError(t, err)

	out, err := l.Query("builder-0", Filter{AggregateID: "a", Kinds: []Kind{KindFileModified}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].AggregateID)
}

func TestQueryRequiresPermission(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "node-1", []byte("secret"), DefaultLimits(), allowAllAuthorizer{denyPermission: permEventsQuery})
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Query("builder-0", Filter{})
	require.Error(t, err)
}

func TestAppendRequiresWritePermission(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "node-1", []byte("secret"), DefaultLimits(), allowAllAuthorizer{denyPermission: permEventsWrite})
	require.NoError(t, err)
	defer l.Close()

	_, err = l.AppendEvent(AppendRequest{Kind: KindFileModified, AggregateID: "a", Payload: []byte(`{}`)}, "builder-0")
	require.Error(t, err)
}

func TestRecoveryTruncatesCorruptTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "node-1", []byte("secret"), DefaultLimits(), allowAllAuthorizer{})
	require.NoError(t, err)
	_, err = l.AppendEvent(AppendRequest{Kind: KindFileModified, AggregateID: "a", Payload: []byte(`{}`)}, "builder-0")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	f, err := os.OpenFile(l.activeSegmentPath(), os.O_RDWR, 0o640)
	require.NoError(t, err)
	info, err := f.Stat()
	require.NoError(t, err)
	require.NoError(t, f.Truncate(info.Size()-1))
	require.NoError(t, f.Close())

	l2, err := Open(dir, "node-1", []byte("secret"), DefaultLimits(), allowAllAuthorizer{})
	require.NoError(t, err)
	defer l2.Close()

	out, err := l2.Query("builder-0", Filter{})
	require.NoError(t, err)
	assert.Empty(t, out, "the corrupted trailing record must not survive recovery")

	ev, err := l2.AppendEvent(AppendRequest{Kind: KindFileModified, AggregateID: "a", Payload: []byte(`{}`)}, "builder-0")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Sequence, "sequence restarts cleanly after the corrupt record is discarded")
}

func TestSubscribeDeliversNewlyAppendedEvents(t *testing.T) {
	l := newTestLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, unsubscribe, err := l.Subscribe(ctx, "builder-0", Filter{AggregateID: "a"})
	require.NoError(t, err)
	defer unsubscribe()

	_, err = l.AppendEvent(AppendRequest{Kind: KindFileModified, AggregateID: "a", Payload: []byte(`{}`)}, "builder-0")
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, "a", ev.AggregateID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}
}

func TestSubscribeDropsSlowSubscriberWithoutBlockingWriter(t *testing.T) {
	dir := t.TempDir()
	limits := DefaultLimits()
	limits.SubscriptionBuffer = 1
	l, err := Open(dir, "node-1", []byte("secret"), limits, allowAllAuthorizer{})
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _, err := l.Subscribe(ctx, "builder-0", Filter{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := l.AppendEvent(AppendRequest{Kind: KindFileModified, AggregateID: "a", Payload: []byte(`{}`)}, "builder-0")
		require.NoError(t, err)
	}

	_, ok := <-ch
	require.True(t, ok)
	_, ok = <-ch
	assert.False(t, ok, "channel should have been closed after the subscriber's buffer overflowed")
}
