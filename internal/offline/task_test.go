package offline

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitewise/sitesync/internal/kvstore/boltdb"
	"github.com/sitewise/sitesync/internal/models"
	"github.com/sitewise/sitesync/internal/netmon"
	"github.com/sitewise/sitesync/internal/queue"
	"github.com/sitewise/sitesync/internal/remote"
)

// fakeApplier stands in for the remote document store.
type fakeApplier struct {
	mu      sync.Mutex
	applied []*models.QueuedOperation
	fail    error
}

func (f *fakeApplier) Apply(_ context.Context, op *models.QueuedOperation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, op)
	return f.fail
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// createTestService wires a task service over a real store and queue.
func createTestService(t *testing.T, online bool) (*TaskService, *queue.Queue, *fakeApplier, *netmon.Manual) {
	t.Helper()

	store, err := boltdb.New(context.Background(), filepath.Join(t.TempDir(), "offline.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	applier := &fakeApplier{}
	mon := netmon.NewManual(online)
	q := queue.New(store, applier, mon, testLogger())

	svc := NewTaskService(store, q, mon, testLogger())
	svc.Start()
	t.Cleanup(svc.Close)
	return svc, q, applier, mon
}

func strptr(s string) *string { return &s }

func f64ptr(f float64) *float64 { return &f }

var siteScope = models.Scope{OrgID: "org-1", ProjectID: "proj-1"}

func TestTaskService_RecordChange_Validation(t *testing.T) {
	svc, _, _, _ := createTestService(t, false)
	ctx := context.Background()

	_, err := svc.RecordChange(ctx, "", siteScope, models.TaskFields{Status: strptr("blocked")})
	assert.Error(t, err)

	_, err = svc.RecordChange(ctx, "t1", siteScope, models.TaskFields{})
	assert.Error(t, err)
}

func TestTaskService_ReadReflectsPendingChange(t *testing.T) {
	svc, q, applier, _ := createTestService(t, false)
	ctx := context.Background()

	require.NoError(t, svc.CacheTasks(ctx, []models.Task{
		{ID: "t1", OrgID: "org-1", ProjectID: "proj-1", Name: "Pour slab", Status: models.TaskStatusInProgress},
	}))

	_, err := svc.RecordChange(ctx, "t1", siteScope, models.TaskFields{Status: strptr(models.TaskStatusCompleted)})
	require.NoError(t, err)

	// No remote write happened, yet the read shows the change.
	assert.Empty(t, applier.applied)
	tasks, err := svc.ReadTasks(ctx, siteScope)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusCompleted, tasks[0].Status)
	assert.Equal(t, "Pour slab", tasks[0].Name)

	pendingCount, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pendingCount)
}

func TestTaskService_Supersession(t *testing.T) {
	svc, q, _, _ := createTestService(t, false)
	ctx := context.Background()

	_, err := svc.RecordChange(ctx, "t1", siteScope, models.TaskFields{
		Status: strptr(models.TaskStatusBlocked),
		Notes:  strptr("waiting on inspection"),
	})
	require.NoError(t, err)

	localID, err := svc.RecordChange(ctx, "t1", siteScope, models.TaskFields{
		Status: strptr(models.TaskStatusCompleted),
	})
	require.NoError(t, err)

	// Exactly one pending update remains, carrying the second change
	// merged over the first.
	updates, err := svc.Updates(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, localID, updates[0].LocalID)
	assert.Equal(t, models.SyncPending, updates[0].SyncStatus)
	assert.Equal(t, models.TaskStatusCompleted, *updates[0].Fields.Status)
	assert.Equal(t, "waiting on inspection", *updates[0].Fields.Notes)

	// The queue coalesced too: one operation, not two.
	ops, err := q.Operations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, models.TaskStatusCompleted, ops[0].Payload["status"])

	tasks, err := svc.ReadTasks(ctx, siteScope)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusCompleted, tasks[0].Status)
	assert.Equal(t, "waiting on inspection", tasks[0].Notes)
}

func TestTaskService_OfflineToOnlineScenario(t *testing.T) {
	svc, q, applier, mon := createTestService(t, false)
	ctx := context.Background()

	require.NoError(t, svc.CacheTasks(ctx, []models.Task{
		{ID: "T1", OrgID: "org-1", ProjectID: "proj-1", Name: "Hang drywall", Status: models.TaskStatusInProgress},
	}))

	// Offline: record the change.
	_, err := svc.RecordChange(ctx, "T1", siteScope, models.TaskFields{
		Status: strptr(models.TaskStatusCompleted),
	})
	require.NoError(t, err)

	tasks, err := svc.ReadTasks(ctx, siteScope)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusCompleted, tasks[0].Status)

	pendingCount, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pendingCount)

	// Back online: drain succeeds.
	mon.SetOnline(true)
	require.NoError(t, q.Drain(ctx))
	require.Len(t, applier.applied, 1)

	tasks, err = svc.ReadTasks(ctx, siteScope)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusCompleted, tasks[0].Status)

	pendingCount, err = q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pendingCount)

	updates, err := svc.Updates(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, models.SyncSynced, updates[0].SyncStatus)
	assert.NotNil(t, updates[0].SyncedAt)
}

func TestTaskService_MarkSynced(t *testing.T) {
	svc, _, _, _ := createTestService(t, false)
	ctx := context.Background()

	localID, err := svc.RecordChange(ctx, "t1", siteScope, models.TaskFields{Status: strptr(models.TaskStatusBlocked)})
	require.NoError(t, err)

	require.NoError(t, svc.MarkSynced(ctx, localID))

	updates, err := svc.Updates(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, models.SyncSynced, updates[0].SyncStatus)

	// Synced updates no longer overlay reads... unless re-edited.
	_, err = svc.RecordChange(ctx, "t1", siteScope, models.TaskFields{Status: strptr(models.TaskStatusTodo)})
	require.NoError(t, err)

	updates, err = svc.Updates(ctx)
	require.NoError(t, err)
	assert.Len(t, updates, 2) // synced history plus the new pending one
}

func TestTaskService_CacheTasks_DoesNotClobberPendingEdit(t *testing.T) {
	svc, _, _, _ := createTestService(t, false)
	ctx := context.Background()

	_, err := svc.RecordChange(ctx, "t1", siteScope, models.TaskFields{Status: strptr(models.TaskStatusCompleted)})
	require.NoError(t, err)

	// Server refresh carries an older copy of the task.
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, svc.CacheTasks(ctx, []models.Task{
		{ID: "t1", OrgID: "org-1", ProjectID: "proj-1", Name: "Pour slab", Status: models.TaskStatusInProgress, UpdatedAt: stale},
	}))

	tasks, err := svc.ReadTasks(ctx, siteScope)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusCompleted, tasks[0].Status)
	assert.Equal(t, "Pour slab", tasks[0].Name) // refreshed server fields kept

	updates, err := svc.Updates(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, models.SyncPending, updates[0].SyncStatus)
}

func TestTaskService_CacheTasks_FlagsConflict(t *testing.T) {
	svc, _, _, _ := createTestService(t, false)
	ctx := context.Background()

	_, err := svc.RecordChange(ctx, "t1", siteScope, models.TaskFields{Status: strptr(models.TaskStatusCompleted)})
	require.NoError(t, err)

	// Another device changed the task after our local edit.
	require.NoError(t, svc.CacheTasks(ctx, []models.Task{
		{ID: "t1", OrgID: "org-1", ProjectID: "proj-1", Status: models.TaskStatusBlocked, UpdatedAt: time.Now().Add(time.Hour)},
	}))

	updates, err := svc.Updates(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, models.SyncConflict, updates[0].SyncStatus)

	// The local intent still wins on reads; the flag is for the UI.
	tasks, err := svc.ReadTasks(ctx, siteScope)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusCompleted, tasks[0].Status)
}

func TestTaskService_ReadTasks_ScopeFilter(t *testing.T) {
	svc, _, _, _ := createTestService(t, false)
	ctx := context.Background()

	require.NoError(t, svc.CacheTasks(ctx, []models.Task{
		{ID: "t1", OrgID: "org-1", ProjectID: "proj-1", Status: models.TaskStatusTodo},
		{ID: "t2", OrgID: "org-1", ProjectID: "proj-2", Status: models.TaskStatusTodo},
		{ID: "t3", OrgID: "org-2", ProjectID: "proj-3", Status: models.TaskStatusTodo},
	}))

	tasks, err := svc.ReadTasks(ctx, models.Scope{OrgID: "org-1"})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	tasks, err = svc.ReadTasks(ctx, siteScope)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
}

func TestTaskService_RecordChange_LogsHours(t *testing.T) {
	svc, q, _, _ := createTestService(t, false)
	ctx := context.Background()

	_, err := svc.RecordChange(ctx, "t1", siteScope, models.TaskFields{LoggedHours: f64ptr(6.5)})
	require.NoError(t, err)

	tasks, err := svc.ReadTasks(ctx, siteScope)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 6.5, tasks[0].LoggedHours)

	ops, err := q.Operations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 6.5, ops[0].Payload["logged_hours"])
}

func TestTaskService_CleanupOldUpdates(t *testing.T) {
	svc, _, _, _ := createTestService(t, false)
	ctx := context.Background()

	oldID, err := svc.RecordChange(ctx, "t1", siteScope, models.TaskFields{Status: strptr(models.TaskStatusCompleted)})
	require.NoError(t, err)
	require.NoError(t, svc.MarkSynced(ctx, oldID))

	_, err = svc.RecordChange(ctx, "t2", siteScope, models.TaskFields{Status: strptr(models.TaskStatusBlocked)})
	require.NoError(t, err)

	// Jump past the retention window: the synced update is evicted, the
	// pending one never is, no matter how old.
	svc.clock = func() time.Time { return time.Now().Add(48 * time.Hour) }
	require.NoError(t, svc.CleanupOldUpdates(ctx))

	updates, err := svc.Updates(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "t2", updates[0].TaskID)
	assert.Equal(t, models.SyncPending, updates[0].SyncStatus)
}

func TestTaskService_SurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "offline.db")
	ctx := context.Background()

	store, err := boltdb.New(ctx, dbPath)
	require.NoError(t, err)
	mon := netmon.NewManual(false)
	q := queue.New(store, &fakeApplier{}, mon, testLogger())
	svc := NewTaskService(store, q, mon, testLogger())

	_, err = svc.RecordChange(ctx, "t1", siteScope, models.TaskFields{Status: strptr(models.TaskStatusCompleted)})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// New process: same database file, fresh services.
	store2, err := boltdb.New(ctx, dbPath)
	require.NoError(t, err)
	defer store2.Close()
	q2 := queue.New(store2, &fakeApplier{}, mon, testLogger())
	svc2 := NewTaskService(store2, q2, mon, testLogger())

	tasks, err := svc2.ReadTasks(ctx, siteScope)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusCompleted, tasks[0].Status)

	pendingCount, err := q2.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pendingCount)
}

func TestTaskService_FailedRemoteWriteKeepsUpdatePending(t *testing.T) {
	svc, q, applier, _ := createTestService(t, true)
	ctx := context.Background()

	applier.fail = &remote.Error{StatusCode: 503, Message: "unavailable", Retryable: true}

	_, err := svc.RecordChange(ctx, "t1", siteScope, models.TaskFields{Status: strptr(models.TaskStatusCompleted)})
	require.NoError(t, err)
	require.NoError(t, q.Drain(ctx))

	// Remote failure stays inside the queue; the update is still pending
	// and the read still reflects the local change.
	updates, err := svc.Updates(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, models.SyncPending, updates[0].SyncStatus)

	tasks, err := svc.ReadTasks(ctx, siteScope)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusCompleted, tasks[0].Status)
}

func TestTaskService_MarkSyncedFallsBackToTaskID(t *testing.T) {
	svc, q, _, mon := createTestService(t, false)
	ctx := context.Background()

	_, err := svc.RecordChange(ctx, "t1", siteScope, models.TaskFields{Status: strptr(models.TaskStatusCompleted)})
	require.NoError(t, err)

	// Simulate a crash between enqueueing and persisting the op link:
	// the update survives without its QueueOpID.
	updates, err := svc.loadUpdates(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	updates[0].QueueOpID = ""
	require.NoError(t, svc.saveUpdates(ctx, updates))

	mon.SetOnline(true)
	require.NoError(t, q.Drain(ctx))

	// The confirmed write still clears the update, matched by task id.
	updates, err = svc.Updates(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, models.SyncSynced, updates[0].SyncStatus)
	assert.NotNil(t, updates[0].SyncedAt)
}
