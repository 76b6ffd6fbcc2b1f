package pending

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitewise/sitesync/internal/queue"
)

// fakeSource is a hand-rolled queue the broadcaster can count.
type fakeSource struct {
	pending    int
	failed     int
	countErr   error
	listener   func(queue.Event)
	unsubbed   bool
	subscribed bool
}

func (f *fakeSource) PendingCount(context.Context) (int, error) {
	return f.pending, f.countErr
}

func (f *fakeSource) FailedCount(context.Context) (int, error) {
	return f.failed, f.countErr
}

func (f *fakeSource) Subscribe(fn func(queue.Event)) (unsubscribe func()) {
	f.listener = fn
	f.subscribed = true
	return func() { f.unsubbed = true }
}

// emit simulates a queue change notification.
func (f *fakeSource) emit() {
	f.listener(queue.Event{Type: queue.EventStatusChanged})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBroadcaster_InitialCounts(t *testing.T) {
	source := &fakeSource{pending: 3, failed: 1}

	b, err := New(context.Background(), source, testLogger())
	require.NoError(t, err)
	defer b.Close()

	assert.True(t, source.subscribed)
	assert.Equal(t, Counts{Pending: 3, Failed: 1}, b.Counts())
}

func TestBroadcaster_InitialCountError(t *testing.T) {
	source := &fakeSource{countErr: errors.New("store closed")}

	_, err := New(context.Background(), source, testLogger())
	assert.Error(t, err)
}

func TestBroadcaster_SubscribeReplaysCurrentCounts(t *testing.T) {
	source := &fakeSource{pending: 2}
	b, err := New(context.Background(), source, testLogger())
	require.NoError(t, err)
	defer b.Close()

	var got []Counts
	unsub := b.Subscribe(func(c Counts) { got = append(got, c) })
	defer unsub()

	// The current value arrives before any queue activity.
	require.Len(t, got, 1)
	assert.Equal(t, Counts{Pending: 2}, got[0])
}

func TestBroadcaster_RecomputesOnQueueEvents(t *testing.T) {
	source := &fakeSource{pending: 1}
	b, err := New(context.Background(), source, testLogger())
	require.NoError(t, err)
	defer b.Close()

	var got []Counts
	unsub := b.Subscribe(func(c Counts) { got = append(got, c) })
	defer unsub()

	source.pending = 0
	source.failed = 1
	source.emit()

	require.Len(t, got, 2)
	assert.Equal(t, Counts{Pending: 0, Failed: 1}, got[1])
	assert.Equal(t, Counts{Pending: 0, Failed: 1}, b.Counts())
}

func TestBroadcaster_SkipsUnchangedCounts(t *testing.T) {
	source := &fakeSource{pending: 1}
	b, err := New(context.Background(), source, testLogger())
	require.NoError(t, err)
	defer b.Close()

	calls := 0
	unsub := b.Subscribe(func(Counts) { calls++ })
	defer unsub()
	require.Equal(t, 1, calls) // the replay

	// Same counts: no fan-out.
	source.emit()
	assert.Equal(t, 1, calls)

	source.pending = 2
	source.emit()
	assert.Equal(t, 2, calls)
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	source := &fakeSource{}
	b, err := New(context.Background(), source, testLogger())
	require.NoError(t, err)
	defer b.Close()

	calls := 0
	unsub := b.Subscribe(func(Counts) { calls++ })
	unsub()

	source.pending = 5
	source.emit()
	assert.Equal(t, 1, calls) // only the replay
}

func TestBroadcaster_PanicInListenerDoesNotStopOthers(t *testing.T) {
	source := &fakeSource{}
	b, err := New(context.Background(), source, testLogger())
	require.NoError(t, err)
	defer b.Close()

	unsubBad := b.Subscribe(func(Counts) { panic("badge exploded") })
	defer unsubBad()

	var got []Counts
	unsub := b.Subscribe(func(c Counts) { got = append(got, c) })
	defer unsub()

	source.pending = 4
	source.emit()

	require.Len(t, got, 2)
	assert.Equal(t, Counts{Pending: 4}, got[1])
}

func TestBroadcaster_CloseDetaches(t *testing.T) {
	source := &fakeSource{}
	b, err := New(context.Background(), source, testLogger())
	require.NoError(t, err)

	b.Close()
	assert.True(t, source.unsubbed)
}
