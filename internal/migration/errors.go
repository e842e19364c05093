package migration

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/FairForge/taskbridge/internal/task"
)

var (
	// ErrRunInProgress is returned when a second full run is requested
	// while one is executing. Runs are exclusive in either direction.
	ErrRunInProgress = errors.New("migration: a run is already in progress")

	// ErrRunNotFound is returned for an unknown run id
	ErrRunNotFound = errors.New("migration: run not found")

	// ErrPlanNotFound is returned for an unknown rollback plan id
	ErrPlanNotFound = errors.New("migration: rollback plan not found")

	// ErrPlanExecuted is returned when a plan is executed twice
	ErrPlanExecuted = errors.New("migration: rollback plan already executed")
)

// ConflictError reports a per-user uniqueness violation: the target
// backend already holds an active task for this user.
type ConflictError struct {
	UserID uuid.UUID
	TaskID uuid.UUID
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("migration: user %s already has an active task in the target backend (migrating %s)",
		e.UserID, e.TaskID)
}

// StaleStepError reports a rollback step whose precondition no longer
// holds: the task is not where the plan expects it.
type StaleStepError struct {
	TaskID   uuid.UUID
	Expected task.Backend
}

func (e StaleStepError) Error() string {
	return fmt.Sprintf("migration: task %s is no longer held by %s, skipping rollback step",
		e.TaskID, e.Expected)
}

// NotRollbackableError reports a run that cannot feed a rollback plan
type NotRollbackableError struct {
	RunID  uuid.UUID
	Status RunStatus
}

func (e NotRollbackableError) Error() string {
	return fmt.Sprintf("migration: run %s has status %s, only completed runs can be rolled back",
		e.RunID, e.Status)
}
