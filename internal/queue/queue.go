// Package queue implements the durable offline mutation queue: an ordered
// set of pending create/update/delete operations against named collections,
// drained to the remote store when connectivity allows.
//
// Operations are persisted one record per key under "op/<id>" and every
// mutation of queue state runs under a single mutex, so there is no
// whole-collection read-modify-write cycle to race.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sitewise/sitesync/internal/clock"
	"github.com/sitewise/sitesync/internal/kvstore"
	"github.com/sitewise/sitesync/internal/models"
	"github.com/sitewise/sitesync/internal/netmon"
	"github.com/sitewise/sitesync/internal/remote"
)

const opKeyPrefix = "op/"

// Defaults for retry and housekeeping behavior.
const (
	// DefaultRetryCeiling is the number of transient failures after
	// which an operation is marked failed and left for manual retry.
	DefaultRetryCeiling = 5

	defaultBackoffBase     = time.Second
	defaultBackoffMax      = 5 * time.Minute
	defaultTickInterval    = time.Minute
	defaultSyncedRetention = 24 * time.Hour
)

// EventType classifies queue change notifications.
type EventType string

const (
	// EventEnqueued: an operation was added or coalesced.
	EventEnqueued EventType = "enqueued"
	// EventStatusChanged: an operation moved through its lifecycle.
	EventStatusChanged EventType = "status_changed"
	// EventDrained: a drain pass finished.
	EventDrained EventType = "drained"
)

// Event is delivered to subscribers on every queue-state change.
// Op is a snapshot; EventDrained carries no operation.
type Event struct {
	Op   *models.QueuedOperation
	Type EventType
}

// Queue is the offline mutation queue. All exported methods are safe for
// concurrent use.
type Queue struct {
	store   kvstore.Store
	applier remote.Applier
	mon     netmon.Monitor
	logger  *slog.Logger
	clock   func() time.Time
	ts      *clock.Monotonic

	retryCeiling    int
	backoffBase     time.Duration
	backoffMax      time.Duration
	tickInterval    time.Duration
	syncedRetention time.Duration

	// mu serializes every read-modify-write of operation records.
	mu          sync.Mutex
	inflight    map[string]struct{} // op ids reserved by a running drain
	restoreOnce sync.Once

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	kick chan struct{}
}

// New creates a queue over the given store. mon may be nil, in which case
// the queue assumes it is always online.
func New(store kvstore.Store, applier remote.Applier, mon netmon.Monitor, logger *slog.Logger) *Queue {
	return &Queue{
		store:           store,
		applier:         applier,
		mon:             mon,
		logger:          logger,
		clock:           time.Now,
		ts:              clock.NewMonotonic(),
		retryCeiling:    DefaultRetryCeiling,
		backoffBase:     defaultBackoffBase,
		backoffMax:      defaultBackoffMax,
		tickInterval:    defaultTickInterval,
		syncedRetention: defaultSyncedRetention,
		inflight:        make(map[string]struct{}),
		subs:            make(map[int]func(Event)),
		kick:            make(chan struct{}, 1),
	}
}

// Enqueue appends a pending operation and returns its id. It succeeds
// regardless of connectivity; when online it also schedules a drain.
//
// An update against an entity that already has a pending (not yet
// submitting) update operation is coalesced into it instead of appended:
// only the latest local intent needs to reach the server.
func (q *Queue) Enqueue(ctx context.Context, kind models.OpKind, collection, entityID string, payload map[string]any) (string, error) {
	q.mu.Lock()
	op, err := q.enqueueLocked(ctx, kind, collection, entityID, payload)
	q.mu.Unlock()
	if err != nil {
		return "", err
	}

	q.notify(Event{Type: EventEnqueued, Op: op.Clone()})

	if q.online() {
		q.Kick()
	}
	return op.ID, nil
}

func (q *Queue) enqueueLocked(ctx context.Context, kind models.OpKind, collection, entityID string, payload map[string]any) (*models.QueuedOperation, error) {
	q.restoreClockLocked(ctx)

	if kind == models.OpUpdate {
		target, err := q.coalesceTargetLocked(ctx, collection, entityID)
		if err != nil {
			return nil, err
		}
		if target != nil {
			if target.Payload == nil {
				target.Payload = make(map[string]any, len(payload))
			}
			for k, v := range payload {
				target.Payload[k] = v
			}
			if err := q.putOpLocked(ctx, target); err != nil {
				return nil, err
			}
			q.logger.Debug("coalesced update into pending operation",
				"op_id", target.ID, "collection", collection, "entity_id", entityID)
			return target, nil
		}
	}

	op := &models.QueuedOperation{
		ID:         uuid.New().String(),
		Kind:       kind,
		Collection: collection,
		EntityID:   entityID,
		Payload:    payload,
		EnqueuedAt: q.ts.Now(),
		Status:     models.OpPending,
	}
	if err := q.putOpLocked(ctx, op); err != nil {
		return nil, err
	}

	q.logger.Debug("enqueued operation",
		"op_id", op.ID, "kind", kind, "collection", collection, "entity_id", entityID)
	return op, nil
}

// coalesceTargetLocked finds a pending, unreserved update operation for
// the same entity, if one exists.
func (q *Queue) coalesceTargetLocked(ctx context.Context, collection, entityID string) (*models.QueuedOperation, error) {
	ops, err := q.loadOpsLocked(ctx)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if op.Kind != models.OpUpdate || op.Status != models.OpPending {
			continue
		}
		if op.Collection != collection || op.EntityID != entityID {
			continue
		}
		if _, reserved := q.inflight[op.ID]; reserved {
			continue
		}
		return op, nil
	}
	return nil, nil
}

// Subscribe registers a listener for queue-state changes. Listeners must
// not block; a panicking listener does not stop the fan-out.
func (q *Queue) Subscribe(fn func(Event)) (unsubscribe func()) {
	q.subMu.Lock()
	defer q.subMu.Unlock()

	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn

	return func() {
		q.subMu.Lock()
		defer q.subMu.Unlock()
		delete(q.subs, id)
	}
}

func (q *Queue) notify(ev Event) {
	q.subMu.Lock()
	fns := make([]func(Event), 0, len(q.subs))
	for _, fn := range q.subs {
		fns = append(fns, fn)
	}
	q.subMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Warn("queue listener panicked", "panic", r)
				}
			}()
			fn(ev)
		}()
	}
}

// Kick requests a drain from the background worker. Non-blocking;
// multiple kicks coalesce into one pass.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Start runs the background drain worker until ctx is cancelled: one
// initial drain, a drain on every offline-to-online flip, and a periodic
// safety-net drain plus synced-operation cleanup. Connectivity flips are
// hints and can be missed across restarts; the initial and periodic
// drains cover for that.
func (q *Queue) Start(ctx context.Context) {
	unsubscribe := func() {}
	if q.mon != nil {
		unsubscribe = q.mon.Subscribe(func(online bool) {
			if online {
				q.Kick()
			}
		})
	}
	defer unsubscribe()

	ticker := time.NewTicker(q.tickInterval)
	defer ticker.Stop()

	q.mu.Lock()
	q.restoreClockLocked(ctx)
	q.mu.Unlock()
	q.drainAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.kick:
			q.drainAndLog(ctx)
		case <-ticker.C:
			if err := q.CleanupSynced(ctx); err != nil {
				q.logger.Warn("synced-operation cleanup failed", "error", err)
			}
			q.drainAndLog(ctx)
		}
	}
}

// restoreClockLocked runs the once-per-process startup recovery: it
// advances the enqueue clock past every persisted timestamp so operations
// enqueued after a restart keep sorting last, and it returns operations
// left in syncing by a crash to pending. A persisted syncing record with
// no in-flight reservation means the process died mid-submission; left
// alone it would block its partition forever.
func (q *Queue) restoreClockLocked(ctx context.Context) {
	q.restoreOnce.Do(func() {
		ops, err := q.loadOpsLocked(ctx)
		if err != nil {
			q.logger.Warn("failed to restore queue state", "error", err)
			return
		}
		for _, op := range ops {
			q.ts.Observe(op.EnqueuedAt)

			if op.Status != models.OpSyncing {
				continue
			}
			if _, reserved := q.inflight[op.ID]; reserved {
				continue
			}
			op.Status = models.OpPending
			if err := q.putOpLocked(ctx, op); err != nil {
				q.logger.Error("failed to recover interrupted operation",
					"op_id", op.ID, "error", err)
				continue
			}
			q.logger.Warn("recovered operation interrupted mid-submission",
				"op_id", op.ID, "collection", op.Collection, "entity_id", op.EntityID)
		}
	})
}

func (q *Queue) drainAndLog(ctx context.Context) {
	if err := q.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
		q.logger.Warn("drain failed", "error", err)
	}
}

// Drain attempts to submit every due pending operation, oldest first
// within each (collection, entityId) partition. Partitions are submitted
// concurrently; a partition with an operation already submitting is
// skipped whole, which both preserves per-entity ordering and makes
// concurrent Drain calls idempotent.
func (q *Queue) Drain(ctx context.Context) error {
	if !q.online() {
		q.logger.Debug("skipping drain while offline")
		return nil
	}

	partitions, err := q.reserve(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect pending operations: %w", err)
	}
	if len(partitions) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, ops := range partitions {
		wg.Add(1)
		go func(ops []*models.QueuedOperation) {
			defer wg.Done()
			q.drainPartition(ctx, ops)
		}(ops)
	}
	wg.Wait()

	q.notify(Event{Type: EventDrained})
	return ctx.Err()
}

// reserve selects the operations this drain pass will submit and marks
// them in flight, all under the queue mutex. A later Drain call cannot
// pick them up again until they reach a terminal state for this pass.
func (q *Queue) reserve(ctx context.Context) (map[string][]*models.QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.restoreClockLocked(ctx)

	ops, err := q.loadOpsLocked(ctx)
	if err != nil {
		return nil, err
	}

	now := q.clock().UnixMilli()
	byPartition := make(map[string][]*models.QueuedOperation)
	busy := make(map[string]bool)

	for _, op := range ops {
		key := op.PartitionKey()
		if _, reserved := q.inflight[op.ID]; reserved || op.Status == models.OpSyncing {
			busy[key] = true
			continue
		}
		if op.Status != models.OpPending || op.NextAttemptAt > now {
			continue
		}
		byPartition[key] = append(byPartition[key], op)
	}

	for key, partition := range byPartition {
		if busy[key] {
			delete(byPartition, key)
			continue
		}
		sort.Slice(partition, func(i, j int) bool {
			if partition[i].EnqueuedAt != partition[j].EnqueuedAt {
				return partition[i].EnqueuedAt < partition[j].EnqueuedAt
			}
			return partition[i].ID < partition[j].ID
		})
		for _, op := range partition {
			q.inflight[op.ID] = struct{}{}
		}
	}
	return byPartition, nil
}

// drainPartition submits the reserved operations of one partition in
// order. A failure stops the partition: a later operation must not reach
// the server before an earlier one for the same entity has.
func (q *Queue) drainPartition(ctx context.Context, ops []*models.QueuedOperation) {
	for i, op := range ops {
		done := q.submit(ctx, op.ID)
		if !done {
			q.release(ops[i+1:])
			return
		}
	}
}

// submit runs one operation through syncing to a terminal state for this
// pass. It returns false if the partition must stop (failure or shutdown).
func (q *Queue) submit(ctx context.Context, opID string) bool {
	q.mu.Lock()
	op, err := q.getOpLocked(ctx, opID)
	if err != nil {
		delete(q.inflight, opID)
		q.mu.Unlock()
		q.logger.Warn("failed to reload operation", "op_id", opID, "error", err)
		return false
	}
	if op == nil || op.Status != models.OpPending {
		// Deleted or already resolved since reservation; nothing to do.
		delete(q.inflight, opID)
		q.mu.Unlock()
		return true
	}
	op.Status = models.OpSyncing
	if err := q.putOpLocked(ctx, op); err != nil {
		op.Status = models.OpPending
		delete(q.inflight, opID)
		q.mu.Unlock()
		q.logger.Error("failed to persist syncing status", "op_id", opID, "error", err)
		return false
	}
	q.mu.Unlock()
	q.notify(Event{Type: EventStatusChanged, Op: op.Clone()})

	applyErr := q.applier.Apply(ctx, op.Clone())

	q.mu.Lock()
	switch {
	case applyErr == nil:
		op.Status = models.OpSynced
		op.SyncedAt = q.clock().UnixMilli()
		op.LastError = ""
	case ctx.Err() != nil:
		// Shutdown, not a real submission failure: back to pending
		// without touching the retry budget.
		op.Status = models.OpPending
	case !remote.IsRetryable(applyErr):
		op.Status = models.OpFailed
		op.LastError = applyErr.Error()
	default:
		op.RetryCount++
		if op.RetryCount > q.retryCeiling {
			op.Status = models.OpFailed
			op.LastError = applyErr.Error()
		} else {
			op.Status = models.OpPending
			op.NextAttemptAt = q.clock().Add(q.backoff(op.RetryCount)).UnixMilli()
			op.LastError = ""
		}
	}
	if err := q.putOpLocked(ctx, op); err != nil {
		q.logger.Error("failed to persist operation result", "op_id", opID, "error", err)
	}
	delete(q.inflight, opID)
	q.mu.Unlock()

	switch op.Status {
	case models.OpSynced:
		q.logger.Info("operation synced", "op_id", op.ID,
			"collection", op.Collection, "entity_id", op.EntityID)
	case models.OpFailed:
		q.logger.Warn("operation failed permanently", "op_id", op.ID,
			"collection", op.Collection, "entity_id", op.EntityID,
			"retries", op.RetryCount, "error", op.LastError)
	default:
		q.logger.Debug("operation submission failed, will retry", "op_id", op.ID,
			"retries", op.RetryCount, "error", applyErr)
	}
	q.notify(Event{Type: EventStatusChanged, Op: op.Clone()})

	return op.Status == models.OpSynced
}

// release drops the in-flight reservation of operations that will not be
// submitted in this pass.
func (q *Queue) release(ops []*models.QueuedOperation) {
	if len(ops) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range ops {
		delete(q.inflight, op.ID)
	}
}

func (q *Queue) backoff(attempt int) time.Duration {
	d := q.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.backoffMax {
			return q.backoffMax
		}
	}
	if d > q.backoffMax {
		return q.backoffMax
	}
	return d
}

func (q *Queue) online() bool {
	return q.mon == nil || q.mon.Online()
}

// RetryFailed re-arms a permanently failed operation with a fresh retry
// budget. This backs the "could not sync, tap to retry" interaction.
func (q *Queue) RetryFailed(ctx context.Context, opID string) error {
	q.mu.Lock()
	op, err := q.getOpLocked(ctx, opID)
	if err == nil && op == nil {
		err = fmt.Errorf("operation %s not found", opID)
	}
	if err == nil && op.Status != models.OpFailed {
		err = fmt.Errorf("operation %s is %s, not failed", opID, op.Status)
	}
	if err != nil {
		q.mu.Unlock()
		return err
	}
	op.Status = models.OpPending
	op.RetryCount = 0
	op.NextAttemptAt = 0
	op.LastError = ""
	if err := q.putOpLocked(ctx, op); err != nil {
		q.mu.Unlock()
		return err
	}
	q.mu.Unlock()

	q.notify(Event{Type: EventStatusChanged, Op: op.Clone()})
	if q.online() {
		q.Kick()
	}
	return nil
}

// PendingCount returns the number of operations not yet confirmed by the
// server (pending plus currently syncing).
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	return q.count(ctx, models.OpPending, models.OpSyncing)
}

// FailedCount returns the number of permanently failed operations.
func (q *Queue) FailedCount(ctx context.Context) (int, error) {
	return q.count(ctx, models.OpFailed)
}

func (q *Queue) count(ctx context.Context, statuses ...models.OpStatus) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.loadOpsLocked(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, op := range ops {
		for _, status := range statuses {
			if op.Status == status {
				n++
				break
			}
		}
	}
	return n, nil
}

// Operations returns a snapshot of all operations, oldest first.
func (q *Queue) Operations(ctx context.Context) ([]*models.QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.loadOpsLocked(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].EnqueuedAt != ops[j].EnqueuedAt {
			return ops[i].EnqueuedAt < ops[j].EnqueuedAt
		}
		return ops[i].ID < ops[j].ID
	})
	clones := make([]*models.QueuedOperation, len(ops))
	for i, op := range ops {
		clones[i] = op.Clone()
	}
	return clones, nil
}

// CleanupSynced deletes synced operations older than the retention
// window to bound storage growth.
func (q *Queue) CleanupSynced(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.loadOpsLocked(ctx)
	if err != nil {
		return err
	}
	cutoff := q.clock().Add(-q.syncedRetention).UnixMilli()
	for _, op := range ops {
		if op.Status != models.OpSynced || op.SyncedAt > cutoff {
			continue
		}
		if err := q.store.Delete(ctx, opKeyPrefix+op.ID); err != nil {
			return fmt.Errorf("failed to delete synced operation %s: %w", op.ID, err)
		}
	}
	return nil
}

// loadOpsLocked reads every operation record. A record that fails to
// deserialize is dropped and logged: offline durability is best effort,
// and losing one queued change beats crashing the app on startup.
func (q *Queue) loadOpsLocked(ctx context.Context) ([]*models.QueuedOperation, error) {
	records, err := q.store.List(ctx, opKeyPrefix)
	if err != nil {
		return nil, err
	}

	ops := make([]*models.QueuedOperation, 0, len(records))
	for key, data := range records {
		var op models.QueuedOperation
		if err := json.Unmarshal(data, &op); err != nil {
			q.logger.Error("dropping corrupt queue record", "key", key, "error", err)
			if delErr := q.store.Delete(ctx, key); delErr != nil {
				q.logger.Warn("failed to delete corrupt record", "key", key, "error", delErr)
			}
			continue
		}
		ops = append(ops, &op)
	}
	return ops, nil
}

func (q *Queue) getOpLocked(ctx context.Context, id string) (*models.QueuedOperation, error) {
	data, err := q.store.Get(ctx, opKeyPrefix+id)
	if err != nil {
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var op models.QueuedOperation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("failed to unmarshal operation %s: %w", id, err)
	}
	return &op, nil
}

func (q *Queue) putOpLocked(ctx context.Context, op *models.QueuedOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation %s: %w", op.ID, err)
	}
	if err := q.store.Put(ctx, opKeyPrefix+op.ID, data, 0); err != nil {
		return fmt.Errorf("failed to persist operation %s: %w", op.ID, err)
	}
	return nil
}
