package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a caption task
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Active reports whether the status counts against the per-user
// active-task limit.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// Valid reports whether the status is a known lifecycle state
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority orders tasks for dispatch: Urgent > High > Normal > Low
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether the priority is a known level
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// QueueScore maps a priority to its base dispatch score. Higher scores
// dequeue first; the mapping is stable across backends so batch ordering
// and queue ordering agree.
func (p Priority) QueueScore() int {
	switch p {
	case PriorityUrgent:
		return 40
	case PriorityHigh:
		return 30
	case PriorityNormal:
		return 20
	case PriorityLow:
		return 10
	default:
		return 0
	}
}

// Backend identifies which queue backend holds a task
type Backend string

const (
	BackendQueue    Backend = "queue"
	BackendDatabase Backend = "database"
)

// Task is one unit of caption-generation work. The ID is stable across
// backends; a task keeps it when it is migrated.
type Task struct {
	ID                   uuid.UUID       `json:"id"`
	UserID               uuid.UUID       `json:"user_id"`
	PlatformConnectionID uuid.UUID       `json:"platform_connection_id"`
	Status               Status          `json:"status"`
	Priority             Priority        `json:"priority"`
	Settings             json.RawMessage `json:"settings,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// New creates a queued task with a fresh ID
func New(userID, platformConnectionID uuid.UUID, priority Priority, settings json.RawMessage) *Task {
	return &Task{
		ID:                   uuid.New(),
		UserID:               userID,
		PlatformConnectionID: platformConnectionID,
		Status:               StatusQueued,
		Priority:             priority,
		Settings:             settings,
		CreatedAt:            time.Now().UTC(),
	}
}
