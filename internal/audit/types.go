package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of audit event
type EventType string

const (
	// Fallback lifecycle
	EventTypeFallbackActivated   EventType = "fallback.activated"
	EventTypeFallbackDeactivated EventType = "fallback.deactivated"

	// Migration lifecycle
	EventTypeRunStarted  EventType = "migration.run_started"
	EventTypeRunFinished EventType = "migration.run_finished"

	// Rollback lifecycle
	EventTypeRollbackExecuted EventType = "rollback.executed"
)

// Severity represents the severity of an audit event
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event represents a single audit event
type Event struct {
	ID        uuid.UUID              `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Severity  Severity               `json:"severity"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Query filters audit event lookups
type Query struct {
	EventType EventType
	Since     time.Time
	Limit     int
}
