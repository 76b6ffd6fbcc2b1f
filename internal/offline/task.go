// Package offline implements the domain-level offline services consumed
// by the UI. A service records the user's intended change durably, merges
// it into the local read-through cache so reads reflect it immediately,
// and forwards an equivalent operation to the mutation queue.
package offline

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

	"github.com/sitewise/sitesync/internal/kvstore"
	"github.com/sitewise/sitesync/internal/models"
	"github.com/sitewise/sitesync/internal/netmon"
	"github.com/sitewise/sitesync/internal/queue"
)

// Persisted state layout: one key holding the update list, one holding
// the cached-entity map. The offline service owns both exclusively.
const (
	updatesKey     = "tasks/updates"
	cacheKey       = "tasks/cache"
	taskCollection = "tasks"
)

const (
	// updateRetention is how long synced updates are kept as history.
	updateRetention = 24 * time.Hour
	// cacheTTL bounds how long a cached task is served without a
	// refresh. Entities with a pending local edit never expire.
	cacheTTL = 7 * 24 * time.Hour
)

// mutationQueue is the slice of the queue the task service needs.
type mutationQueue interface {
	Enqueue(ctx context.Context, kind models.OpKind, collection, entityID string, payload map[string]any) (string, error)
	Subscribe(fn func(queue.Event)) (unsubscribe func())
}

// TaskService is the offline-first API for task changes.
type TaskService struct {
	store  kvstore.Store
	queue  mutationQueue
	mon    netmon.Monitor
	logger *slog.Logger
	clock  func() time.Time

	// mu serializes the load-mutate-save cycles over the two records.
	mu    sync.Mutex
	unsub func()
}

// NewTaskService creates the task offline service. mon may be nil.
func NewTaskService(store kvstore.Store, q mutationQueue, mon netmon.Monitor, logger *slog.Logger) *TaskService {
	return &TaskService{
		store:  store,
		queue:  q,
		mon:    mon,
		logger: logger,
		clock:  time.Now,
	}
}

// Start subscribes to queue events so updates are marked synced when
// their operation succeeds. Call Close to detach.
func (s *TaskService) Start() {
	s.unsub = s.queue.Subscribe(func(ev queue.Event) {
		if ev.Type != queue.EventStatusChanged || ev.Op == nil {
			return
		}
		if ev.Op.Status != models.OpSynced || ev.Op.Collection != taskCollection {
			return
		}
		if err := s.markSyncedByOp(context.Background(), ev.Op.ID, ev.Op.EntityID); err != nil {
			s.logger.Warn("failed to mark update synced", "op_id", ev.Op.ID, "error", err)
		}
	})
}

// Close detaches the queue subscription.
func (s *TaskService) Close() {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
}

// RecordChange records the user's change for one task. It supersedes any
// pending update for the task, applies the fields to the cached snapshot,
// persists both durably, then forwards an operation to the queue. All of
// that succeeds with zero connectivity; a store failure propagates to the
// caller because silently losing a change is unacceptable.
func (s *TaskService) RecordChange(ctx context.Context, taskID string, scope models.Scope, fields models.TaskFields) (string, error) {
	if taskID == "" {
		return "", errors.New("task id is required")
	}
	if fields.IsZero() {
		return "", errors.New("no fields changed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updates, err := s.loadUpdates(ctx)
	if err != nil {
		return "", err
	}

	// Supersession: a newer edit replaces the pending one, with the new
	// fields merged over the old so nothing the user changed is lost.
	merged := fields
	kept := updates[:0]
	for _, u := range updates {
		if u.TaskID == taskID && u.SyncStatus == models.SyncPending {
			merged = u.Fields.Merge(fields)
			continue
		}
		kept = append(kept, u)
	}

	update := models.OfflineTaskUpdate{
		LocalID:    uuid.New().String(),
		TaskID:     taskID,
		Scope:      scope,
		Fields:     merged,
		Timestamp:  s.clock(),
		SyncStatus: models.SyncPending,
	}
	updates = append(kept, update)

	if err := s.applyToCache(ctx, taskID, scope, merged); err != nil {
		return "", err
	}
	if err := s.saveUpdates(ctx, updates); err != nil {
		return "", err
	}

	// The queue is durable too, so the operation is handed over even
	// while offline; connectivity only decides when it drains.
	opID, err := s.queue.Enqueue(ctx, models.OpUpdate, taskCollection, taskID, merged.Payload())
	if err != nil {
		return "", fmt.Errorf("failed to enqueue operation: %w", err)
	}
	updates[len(updates)-1].QueueOpID = opID
	if err := s.saveUpdates(ctx, updates); err != nil {
		return "", err
	}

	s.logger.Info("recorded task change",
		"task_id", taskID, "local_id", update.LocalID, "op_id", opID,
		"online", s.mon == nil || s.mon.Online())
	return update.LocalID, nil
}

// ReadTasks returns the cached tasks for a scope with pending (and
// conflicted) local updates merged on top. A caller never sees a view
// that omits an unsynced local edit.
func (s *TaskService) ReadTasks(ctx context.Context, scope models.Scope) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cache, err := s.loadCache(ctx)
	if err != nil {
		return nil, err
	}
	updates, err := s.loadUpdates(ctx)
	if err != nil {
		return nil, err
	}

	overlay := make(map[string]models.TaskFields)
	for _, u := range updates {
		if u.SyncStatus == models.SyncSynced {
			continue
		}
		overlay[u.TaskID] = u.Fields
	}

	cutoff := s.clock().Add(-cacheTTL)
	tasks := make([]models.Task, 0, len(cache))
	for id, cached := range cache {
		task := cached.Task
		fields, hasLocal := overlay[id]
		if cached.CachedAt.Before(cutoff) && !hasLocal {
			continue
		}
		if !scope.Matches(&task) {
			continue
		}
		if hasLocal {
			fields.Apply(&task)
		}
		tasks = append(tasks, task)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// MarkSynced transitions the matching update to synced. Invoked from the
// queue's success notifications, not by the UI.
func (s *TaskService) MarkSynced(ctx context.Context, localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markSynced(ctx, func(u *models.OfflineTaskUpdate) bool {
		return u.LocalID == localID
	})
}

// markSyncedByOp matches primarily by the operation link. An update whose
// QueueOpID never got persisted (crash between enqueue and the second
// save) is matched by task id instead, so a confirmed write still clears
// it.
func (s *TaskService) markSyncedByOp(ctx context.Context, opID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markSynced(ctx, func(u *models.OfflineTaskUpdate) bool {
		if u.SyncStatus == models.SyncSynced {
			return false
		}
		if u.QueueOpID == opID {
			return true
		}
		return u.QueueOpID == "" && u.TaskID == taskID
	})
}

func (s *TaskService) markSynced(ctx context.Context, match func(*models.OfflineTaskUpdate) bool) error {
	updates, err := s.loadUpdates(ctx)
	if err != nil {
		return err
	}

	changed := false
	now := s.clock()
	for i := range updates {
		if !match(&updates[i]) {
			continue
		}
		updates[i].SyncStatus = models.SyncSynced
		syncedAt := now
		updates[i].SyncedAt = &syncedAt
		changed = true
	}
	if !changed {
		return nil
	}
	return s.saveUpdates(ctx, updates)
}

// CacheTasks refreshes the read-through cache from a server fetch. The
// raw overwrite is safe for pending edits because ReadTasks re-applies
// them on top. If the server copy is newer than a pending local edit,
// the edit is flagged as a conflict; the local fields still win on reads
// and the flag is left for the UI to surface.
func (s *TaskService) CacheTasks(ctx context.Context, tasks []models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cache, err := s.loadCache(ctx)
	if err != nil {
		return err
	}
	updates, err := s.loadUpdates(ctx)
	if err != nil {
		return err
	}

	now := s.clock()
	updatesChanged := false
	for _, task := range tasks {
		for i := range updates {
			u := &updates[i]
			if u.TaskID != task.ID || u.SyncStatus != models.SyncPending {
				continue
			}
			if task.UpdatedAt.After(u.Timestamp) {
				u.SyncStatus = models.SyncConflict
				updatesChanged = true
				s.logger.Warn("server task changed after local edit",
					"task_id", task.ID, "local_id", u.LocalID,
					"server_updated_at", task.UpdatedAt, "local_timestamp", u.Timestamp)
			}
		}
		cache[task.ID] = models.CachedTask{Task: task, CachedAt: now}
	}

	if updatesChanged {
		if err := s.saveUpdates(ctx, updates); err != nil {
			return err
		}
	}
	return s.saveCache(ctx, cache)
}

// CleanupOldUpdates evicts synced updates older than the retention
// window. Pending and conflicted updates are never evicted.
func (s *TaskService) CleanupOldUpdates(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updates, err := s.loadUpdates(ctx)
	if err != nil {
		return err
	}

	cutoff := s.clock().Add(-updateRetention)
	kept := updates[:0]
	for _, u := range updates {
		if u.SyncStatus == models.SyncSynced && u.SyncedAt != nil && u.SyncedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, u)
	}
	if len(kept) == len(updates) {
		return nil
	}
	s.logger.Debug("evicted old synced updates", "evicted", len(updates)-len(kept))
	return s.saveUpdates(ctx, kept)
}

// Updates returns a snapshot of all update records, oldest first.
func (s *TaskService) Updates(ctx context.Context) ([]models.OfflineTaskUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updates, err := s.loadUpdates(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(updates, func(i, j int) bool {
		return updates[i].Timestamp.Before(updates[j].Timestamp)
	})
	return updates, nil
}

// applyToCache merges fields into the cached snapshot, creating a
// minimal placeholder when the task was never fetched.
func (s *TaskService) applyToCache(ctx context.Context, taskID string, scope models.Scope, fields models.TaskFields) error {
	cache, err := s.loadCache(ctx)
	if err != nil {
		return err
	}

	cached, ok := cache[taskID]
	if !ok {
		cached = models.CachedTask{Task: models.Task{
			ID:        taskID,
			OrgID:     scope.OrgID,
			ProjectID: scope.ProjectID,
		}}
	}
	fields.Apply(&cached.Task)
	cached.CachedAt = s.clock()
	cache[taskID] = cached

	return s.saveCache(ctx, cache)
}

func (s *TaskService) loadUpdates(ctx context.Context) ([]models.OfflineTaskUpdate, error) {
	data, err := s.store.Get(ctx, updatesKey)
	if err != nil {
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load updates: %w", err)
	}
	var updates []models.OfflineTaskUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		// Best-effort recovery: log the loss instead of wedging every
		// task operation behind a corrupt record.
		s.logger.Error("dropping corrupt update records", "error", err)
		return nil, nil
	}
	return updates, nil
}

func (s *TaskService) saveUpdates(ctx context.Context, updates []models.OfflineTaskUpdate) error {
	data, err := json.Marshal(updates)
	if err != nil {
		return fmt.Errorf("failed to marshal updates: %w", err)
	}
	if err := s.store.Put(ctx, updatesKey, data, 0); err != nil {
		return fmt.Errorf("failed to save updates: %w", err)
	}
	return nil
}

func (s *TaskService) loadCache(ctx context.Context) (map[string]models.CachedTask, error) {
	data, err := s.store.Get(ctx, cacheKey)
	if err != nil {
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			return make(map[string]models.CachedTask), nil
		}
		return nil, fmt.Errorf("failed to load task cache: %w", err)
	}
	cache := make(map[string]models.CachedTask)
	if err := json.Unmarshal(data, &cache); err != nil {
		s.logger.Error("dropping corrupt task cache", "error", err)
		return make(map[string]models.CachedTask), nil
	}
	return cache, nil
}

func (s *TaskService) saveCache(ctx context.Context, cache map[string]models.CachedTask) error {
	data, err := json.Marshal(cache)
	if err != nil {
		return fmt.Errorf("failed to marshal task cache: %w", err)
	}
	if err := s.store.Put(ctx, cacheKey, data, 0); err != nil {
		return fmt.Errorf("failed to save task cache: %w", err)
	}
	return nil
}
