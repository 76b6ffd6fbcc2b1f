package models

// OpKind is the type of remote write a queued operation performs.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// OpStatus is the sync state of a queued operation.
type OpStatus string

const (
	// OpPending: durable, waiting for the next drain.
	OpPending OpStatus = "pending"
	// OpSyncing: a remote submission is in flight right now.
	OpSyncing OpStatus = "syncing"
	// OpSynced: the remote write succeeded.
	OpSynced OpStatus = "synced"
	// OpFailed: retries exhausted or the server rejected the write.
	OpFailed OpStatus = "failed"
)

// QueuedOperation is one durable unit of remote work. The queue owns these
// records exclusively; nothing else writes them.
type QueuedOperation struct {
	Payload map[string]any `json:"payload,omitempty"`
	ID      string         `json:"id"`
	Kind    OpKind         `json:"kind"`
	// Collection is the logical entity-type name, e.g. "tasks".
	Collection string   `json:"collection"`
	EntityID   string   `json:"entity_id"`
	Status     OpStatus `json:"status"`
	LastError  string   `json:"last_error,omitempty"`
	// EnqueuedAt is a local monotonic clock reading, ms since epoch.
	EnqueuedAt int64 `json:"enqueued_at"`
	// NextAttemptAt is the earliest drain allowed to retry this
	// operation, ms since epoch. Zero means immediately.
	NextAttemptAt int64 `json:"next_attempt_at,omitempty"`
	SyncedAt      int64 `json:"synced_at,omitempty"`
	RetryCount    int   `json:"retry_count"`
}

// PartitionKey identifies the per-entity submission partition. At most one
// operation per partition may be syncing at a time.
func (op *QueuedOperation) PartitionKey() string {
	return op.Collection + "/" + op.EntityID
}

// Clone returns a deep copy of the operation.
func (op *QueuedOperation) Clone() *QueuedOperation {
	clone := *op
	if op.Payload != nil {
		clone.Payload = make(map[string]any, len(op.Payload))
		for k, v := range op.Payload {
			clone.Payload[k] = v
		}
	}
	return &clone
}
