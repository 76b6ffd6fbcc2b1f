// Package pending projects queue state into the "N changes unsynced"
// counter shown on UI badges. It owns no persisted state: counts are
// rebuilt from the durable queue on construction and recomputed on every
// queue-change notification.
package pending

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sitewise/sitesync/internal/queue"
)

// Source is the slice of the mutation queue the broadcaster reads.
type Source interface {
	PendingCount(ctx context.Context) (int, error)
	FailedCount(ctx context.Context) (int, error)
	Subscribe(fn func(queue.Event)) (unsubscribe func())
}

// Counts is the projection delivered to subscribers.
type Counts struct {
	// Pending is the number of changes not yet confirmed by the server.
	Pending int
	// Failed is the number of changes needing manual retry.
	Failed int
}

// Broadcaster maintains the counts and fans them out to subscribers.
type Broadcaster struct {
	source Source
	logger *slog.Logger

	mu        sync.Mutex
	counts    Counts
	listeners map[int]func(Counts)
	nextID    int
	unsub     func()
}

// New creates a broadcaster, computes the initial counts from the queue
// and attaches to its change notifications.
func New(ctx context.Context, source Source, logger *slog.Logger) (*Broadcaster, error) {
	b := &Broadcaster{
		source:    source,
		logger:    logger,
		listeners: make(map[int]func(Counts)),
	}
	if err := b.recompute(ctx); err != nil {
		return nil, err
	}
	b.unsub = source.Subscribe(func(queue.Event) {
		if err := b.recompute(context.Background()); err != nil {
			logger.Warn("failed to recompute pending counts", "error", err)
		}
	})
	return b, nil
}

// Close detaches from the queue.
func (b *Broadcaster) Close() {
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
}

// Counts returns the current projection.
func (b *Broadcaster) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Subscribe registers fn and immediately replays the current counts to
// it, so a badge never shows a stale zero before the first update.
func (b *Broadcaster) Subscribe(fn func(Counts)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	current := b.counts
	b.mu.Unlock()

	call(fn, current)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

func (b *Broadcaster) recompute(ctx context.Context) error {
	pendingCount, err := b.source.PendingCount(ctx)
	if err != nil {
		return err
	}
	failedCount, err := b.source.FailedCount(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	next := Counts{Pending: pendingCount, Failed: failedCount}
	if next == b.counts {
		b.mu.Unlock()
		return nil
	}
	b.counts = next
	fns := make([]func(Counts), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		call(fn, next)
	}
	return nil
}

// call shields the fan-out from a panicking listener.
func call(fn func(Counts), c Counts) {
	defer func() {
		_ = recover()
	}()
	fn(c)
}
