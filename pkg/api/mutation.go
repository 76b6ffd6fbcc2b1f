// Package api defines the wire types exchanged with the Sitewise backend.
package api

// MutationRequest carries one queued operation to the backend.
type MutationRequest struct {
	Payload     map[string]any `json:"payload,omitempty"`
	OperationID string         `json:"operation_id"`
	Kind        string         `json:"kind"`
	Collection  string         `json:"collection"`
	EntityID    string         `json:"entity_id"`
	OrgID       string         `json:"org_id,omitempty"`
	ProjectID   string         `json:"project_id,omitempty"`
	// EnqueuedAt is the client-local enqueue time, ms since epoch.
	EnqueuedAt int64 `json:"enqueued_at"`
}

// MutationResponse is the server acknowledgment of an applied mutation.
type MutationResponse struct {
	OperationID string `json:"operation_id"`
	AppliedAt   int64  `json:"applied_at"`
}

// TaskDocument is the server representation of a task, as returned by
// the list endpoint used to refresh the local cache.
type TaskDocument struct {
	ID          string  `json:"id"`
	OrgID       string  `json:"org_id"`
	ProjectID   string  `json:"project_id"`
	Name        string  `json:"name"`
	Status      string  `json:"status"`
	Notes       string  `json:"notes"`
	CompletedAt string  `json:"completed_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	LoggedHours float64 `json:"logged_hours"`
}

// ListTasksResponse is the payload of the task list endpoint.
type ListTasksResponse struct {
	Tasks []TaskDocument `json:"tasks"`
}

// ErrorResponse is the error envelope returned by the backend.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
