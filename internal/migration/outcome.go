package migration

import (
	"time"

	"github.com/google/uuid"
)

// Direction of a migration run
type Direction string

const (
	DirectionDBToQueue Direction = "db_to_queue"
	DirectionQueueToDB Direction = "queue_to_db"
)

// Reverse returns the compensating direction
func (d Direction) Reverse() Direction {
	if d == DirectionDBToQueue {
		return DirectionQueueToDB
	}
	return DirectionDBToQueue
}

// RunStatus is the lifecycle state of a migration run
type RunStatus string

const (
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunRolledBack RunStatus = "rolled_back"
)

// Terminal reports whether the run can no longer change
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunRolledBack
}

// OutcomeKind is the tagged result of migrating one task
type OutcomeKind int

const (
	// OutcomeMigrated means the task was transferred to the target backend
	OutcomeMigrated OutcomeKind = iota
	// OutcomeValidationFailed means the task was skipped, never migrated
	OutcomeValidationFailed
	// OutcomeMigrationFailed means the transfer was attempted and refused,
	// typically a per-user conflict in the target backend
	OutcomeMigrationFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeMigrated:
		return "migrated"
	case OutcomeValidationFailed:
		return "validation_failed"
	case OutcomeMigrationFailed:
		return "migration_failed"
	default:
		return "unknown"
	}
}

// Outcome records the result for one task within a batch
type Outcome struct {
	TaskID uuid.UUID   `json:"task_id"`
	Kind   OutcomeKind `json:"kind"`
	Reason string      `json:"reason,omitempty"`
}

// Batch is one bounded slice of a migration run
type Batch struct {
	Number   int       `json:"number"`
	Outcomes []Outcome `json:"outcomes"`
}

// Totals aggregates per-task outcomes, derived once when the run ends
type Totals struct {
	Migrated         int     `json:"migrated"`
	Failed           int     `json:"failed"`
	ValidationErrors int     `json:"validation_errors"`
	SuccessRate      float64 `json:"success_rate"`
}

// Run is one execution of a bulk transfer. Mutated only by the manager;
// immutable once its status turns terminal. A rollback produces a new
// compensating run rather than rewriting this one.
type Run struct {
	ID          uuid.UUID  `json:"id"`
	Direction   Direction  `json:"direction"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Batches     []Batch    `json:"batches"`
	Totals      Totals     `json:"totals"`
	Error       string     `json:"error,omitempty"`
}

// finalizeTotals derives the run summary from the accumulated per-task
// outcomes. Never computed incrementally, so the summary cannot drift
// from the logged detail.
func (r *Run) finalizeTotals() {
	var totals Totals
	for _, b := range r.Batches {
		for _, o := range b.Outcomes {
			switch o.Kind {
			case OutcomeMigrated:
				totals.Migrated++
			case OutcomeValidationFailed:
				totals.ValidationErrors++
			case OutcomeMigrationFailed:
				totals.Failed++
			}
		}
	}
	processed := totals.Migrated + totals.Failed + totals.ValidationErrors
	if processed > 0 {
		totals.SuccessRate = float64(totals.Migrated) / float64(processed) * 100
	} else {
		totals.SuccessRate = 100
	}
	r.Totals = totals
}

// IntegrityIssue describes one task that failed cross-backend validation
type IntegrityIssue struct {
	TaskID uuid.UUID `json:"task_id"`
	Kind   string    `json:"kind"` // "missing" or "invalid"
	Detail string    `json:"detail"`
}

// IntegrityReport is the result of re-deriving cross-backend consistency
type IntegrityReport struct {
	Checked          int              `json:"checked"`
	Valid            int              `json:"valid"`
	Invalid          int              `json:"invalid"`
	Missing          int              `json:"missing"`
	Issues           []IntegrityIssue `json:"issues"`
	IntegrityPercent float64          `json:"integrity_percent"`
}

// HybridStatus reconciles which backends currently hold active work
type HybridStatus struct {
	DBActiveCount     int    `json:"db_active_count"`
	QueueActiveCount  int    `json:"queue_active_count"`
	QueuePendingCount int    `json:"queue_pending_count"`
	QueueRunningCount int    `json:"queue_running_count"`
	Mode              string `json:"mode"` // database-only | queue-only | hybrid | idle
}
