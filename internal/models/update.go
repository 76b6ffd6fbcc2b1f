package models

import "time"

// SyncStatus is the state of a domain-level offline update.
type SyncStatus string

const (
	// SyncPending: recorded locally, not yet confirmed by the server.
	SyncPending SyncStatus = "pending"
	// SyncSynced: the corresponding queue operation succeeded.
	SyncSynced SyncStatus = "synced"
	// SyncConflict: the server copy changed after this edit was recorded
	// (detected by timestamp on cache refresh). The local fields still
	// win on reads; the flag is surfaced to the user.
	SyncConflict SyncStatus = "conflict"
)

// OfflineTaskUpdate is the user's latest intended change for one task,
// independent of how many raw queue operations it produced. For a given
// task at most one pending update exists; a newer edit supersedes it.
type OfflineTaskUpdate struct {
	Timestamp time.Time  `json:"timestamp"`
	SyncedAt  *time.Time `json:"synced_at,omitempty"`
	LocalID   string     `json:"local_id"`
	TaskID    string     `json:"task_id"`
	Scope     Scope      `json:"scope"`
	// QueueOpID links back to the queue operation carrying this change.
	QueueOpID  string     `json:"queue_op_id,omitempty"`
	SyncStatus SyncStatus `json:"sync_status"`
	Fields     TaskFields `json:"fields"`
}

// CachedTask is a read-through snapshot of a server task.
type CachedTask struct {
	CachedAt time.Time `json:"cached_at"`
	Task     Task      `json:"task"`
}
