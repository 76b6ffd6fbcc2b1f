package models

import "time"

// Task statuses as stored in the hosted document database.
const (
	TaskStatusTodo       = "todo"
	TaskStatusInProgress = "in_progress"
	TaskStatusBlocked    = "blocked"
	TaskStatusCompleted  = "completed"
)

// Task represents a construction task as the field app sees it.
// The server document carries more fields; this is the subset the
// offline engine caches and mutates.
type Task struct {
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ID          string     `json:"id"`
	OrgID       string     `json:"org_id"`
	ProjectID   string     `json:"project_id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Notes       string     `json:"notes"`
	LoggedHours float64    `json:"logged_hours"`
}

// Scope identifies the organization/project partition a change belongs to.
// Used for authorization on the server side and for filtering local reads.
type Scope struct {
	OrgID     string `json:"org_id"`
	ProjectID string `json:"project_id"`
}

// Matches reports whether the task belongs to the scope.
// Empty scope fields act as wildcards.
func (s Scope) Matches(t *Task) bool {
	if s.OrgID != "" && s.OrgID != t.OrgID {
		return false
	}
	if s.ProjectID != "" && s.ProjectID != t.ProjectID {
		return false
	}
	return true
}

// TaskFields is a partial update: only non-nil fields are applied.
type TaskFields struct {
	Status      *string    `json:"status,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Notes       *string    `json:"notes,omitempty"`
	LoggedHours *float64   `json:"logged_hours,omitempty"`
}

// IsZero reports whether no field is set.
func (f TaskFields) IsZero() bool {
	return f.Status == nil && f.CompletedAt == nil && f.Notes == nil && f.LoggedHours == nil
}

// Apply copies the set fields onto the task.
func (f TaskFields) Apply(t *Task) {
	if f.Status != nil {
		t.Status = *f.Status
	}
	if f.CompletedAt != nil {
		completedAt := *f.CompletedAt
		t.CompletedAt = &completedAt
	}
	if f.Notes != nil {
		t.Notes = *f.Notes
	}
	if f.LoggedHours != nil {
		t.LoggedHours = *f.LoggedHours
	}
}

// Merge returns the union of the two partial updates, with fields from
// newer winning over f. Used when a new local edit supersedes a pending one.
func (f TaskFields) Merge(newer TaskFields) TaskFields {
	merged := f
	if newer.Status != nil {
		merged.Status = newer.Status
	}
	if newer.CompletedAt != nil {
		merged.CompletedAt = newer.CompletedAt
	}
	if newer.Notes != nil {
		merged.Notes = newer.Notes
	}
	if newer.LoggedHours != nil {
		merged.LoggedHours = newer.LoggedHours
	}
	return merged
}

// Payload converts the set fields into the opaque map shape queued
// operations carry. Keys follow the server document field names.
func (f TaskFields) Payload() map[string]any {
	payload := make(map[string]any)
	if f.Status != nil {
		payload["status"] = *f.Status
	}
	if f.CompletedAt != nil {
		payload["completed_at"] = f.CompletedAt.UTC().Format(time.RFC3339)
	}
	if f.Notes != nil {
		payload["notes"] = *f.Notes
	}
	if f.LoggedHours != nil {
		payload["logged_hours"] = *f.LoggedHours
	}
	return payload
}
