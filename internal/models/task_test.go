package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func strptr(s string) *string { return &s }

func f64ptr(f float64) *float64 { return &f }

func timeptr(t time.Time) *time.Time { return &t }

func TestTaskFields_Apply(t *testing.T) {
	completedAt := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		fields TaskFields
		want   Task
	}{
		{
			name:   "status only",
			fields: TaskFields{Status: strptr(TaskStatusBlocked)},
			want:   Task{ID: "t1", Status: TaskStatusBlocked, Notes: "keep", LoggedHours: 2},
		},
		{
			name: "all fields",
			fields: TaskFields{
				Status:      strptr(TaskStatusCompleted),
				CompletedAt: timeptr(completedAt),
				Notes:       strptr("rebar inspected"),
				LoggedHours: f64ptr(6.5),
			},
			want: Task{
				ID:          "t1",
				Status:      TaskStatusCompleted,
				CompletedAt: timeptr(completedAt),
				Notes:       "rebar inspected",
				LoggedHours: 6.5,
			},
		},
		{
			name:   "zero fields change nothing",
			fields: TaskFields{},
			want:   Task{ID: "t1", Status: TaskStatusInProgress, Notes: "keep", LoggedHours: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := Task{ID: "t1", Status: TaskStatusInProgress, Notes: "keep", LoggedHours: 2}
			tt.fields.Apply(&task)
			assert.Equal(t, tt.want, task)
		})
	}
}

func TestTaskFields_Merge(t *testing.T) {
	older := TaskFields{
		Status: strptr(TaskStatusBlocked),
		Notes:  strptr("waiting on delivery"),
	}
	newer := TaskFields{
		Status:      strptr(TaskStatusCompleted),
		LoggedHours: f64ptr(3),
	}

	merged := older.Merge(newer)

	// Newer fields win, untouched older fields carry over.
	assert.Equal(t, TaskStatusCompleted, *merged.Status)
	assert.Equal(t, "waiting on delivery", *merged.Notes)
	assert.Equal(t, 3.0, *merged.LoggedHours)
	assert.Nil(t, merged.CompletedAt)
}

func TestTaskFields_Payload(t *testing.T) {
	completedAt := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	fields := TaskFields{
		Status:      strptr(TaskStatusCompleted),
		CompletedAt: timeptr(completedAt),
		LoggedHours: f64ptr(1.5),
	}

	payload := fields.Payload()

	assert.Equal(t, map[string]any{
		"status":       TaskStatusCompleted,
		"completed_at": "2026-03-14T15:00:00Z",
		"logged_hours": 1.5,
	}, payload)

	assert.Empty(t, TaskFields{}.Payload())
	assert.True(t, TaskFields{}.IsZero())
	assert.False(t, fields.IsZero())
}

func TestScope_Matches(t *testing.T) {
	task := Task{ID: "t1", OrgID: "org-1", ProjectID: "proj-1"}

	assert.True(t, Scope{}.Matches(&task))
	assert.True(t, Scope{OrgID: "org-1"}.Matches(&task))
	assert.True(t, Scope{OrgID: "org-1", ProjectID: "proj-1"}.Matches(&task))
	assert.False(t, Scope{OrgID: "org-2"}.Matches(&task))
	assert.False(t, Scope{OrgID: "org-1", ProjectID: "proj-2"}.Matches(&task))
}

func TestQueuedOperation_Clone(t *testing.T) {
	op := &QueuedOperation{
		ID:         "op-1",
		Kind:       OpUpdate,
		Collection: "tasks",
		EntityID:   "t1",
		Payload:    map[string]any{"status": "completed"},
		Status:     OpPending,
	}

	clone := op.Clone()
	clone.Payload["status"] = "blocked"
	clone.Status = OpSynced

	assert.Equal(t, "completed", op.Payload["status"])
	assert.Equal(t, OpPending, op.Status)
}

func TestQueuedOperation_PartitionKey(t *testing.T) {
	op := &QueuedOperation{Collection: "tasks", EntityID: "t1"}
	assert.Equal(t, "tasks/t1", op.PartitionKey())
}
