package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/taskbridge/internal/task"
)

// Step is one compensating action: move a task from CurrentBackend back
// to TargetBackend.
type Step struct {
	TaskID         uuid.UUID    `json:"task_id"`
	CurrentBackend task.Backend `json:"current_backend"`
	TargetBackend  task.Backend `json:"target_backend"`
}

// RollbackPlan is an ordered, precondition-checked set of compensating
// steps derived from completed runs.
type RollbackPlan struct {
	ID        uuid.UUID   `json:"id"`
	CreatedAt time.Time   `json:"created_at"`
	RunIDs    []uuid.UUID `json:"run_ids"`
	Steps     []Step      `json:"steps"`
	Executed  bool        `json:"executed"`
}

// CreateRollbackPlan derives a plan from one or more completed runs.
// Runs are undone newest first so a task re-migrated by a later run is
// not rolled back out from under it; only migrated outcomes generate
// steps, so a failed transfer rolls back to a no-op by construction.
func (m *Manager) CreateRollbackPlan(runIDs []uuid.UUID) (*RollbackPlan, error) {
	if len(runIDs) == 0 {
		return nil, errors.New("migration: rollback plan needs at least one run")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	selected := make([]*Run, 0, len(runIDs))
	for _, id := range runIDs {
		run, ok := m.runs[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		if run.Status != RunCompleted {
			return nil, NotRollbackableError{RunID: id, Status: run.Status}
		}
		selected = append(selected, run)
	}
	sort.Slice(selected, func(i, j int) bool {
		return selected[i].StartedAt.After(selected[j].StartedAt)
	})

	plan := &RollbackPlan{
		ID:        uuid.New(),
		CreatedAt: time.Now().UTC(),
	}
	for _, run := range selected {
		plan.RunIDs = append(plan.RunIDs, run.ID)
		current, target := backendsFor(run.Direction)
		for bi := len(run.Batches) - 1; bi >= 0; bi-- {
			outcomes := run.Batches[bi].Outcomes
			for oi := len(outcomes) - 1; oi >= 0; oi-- {
				if outcomes[oi].Kind != OutcomeMigrated {
					continue
				}
				plan.Steps = append(plan.Steps, Step{
					TaskID:         outcomes[oi].TaskID,
					CurrentBackend: current,
					TargetBackend:  target,
				})
			}
		}
	}

	m.plans[plan.ID] = plan
	return snapshotPlan(plan), nil
}

// backendsFor maps a run direction to (where its tasks are now, where a
// rollback puts them back).
func backendsFor(d Direction) (current, target task.Backend) {
	if d == DirectionDBToQueue {
		return task.BackendQueue, task.BackendDatabase
	}
	return task.BackendDatabase, task.BackendQueue
}

// Plan returns a snapshot of a rollback plan
func (m *Manager) Plan(planID uuid.UUID) (*RollbackPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	plan, ok := m.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return snapshotPlan(plan), nil
}

func snapshotPlan(plan *RollbackPlan) *RollbackPlan {
	cp := *plan
	cp.RunIDs = append([]uuid.UUID(nil), plan.RunIDs...)
	cp.Steps = append([]Step(nil), plan.Steps...)
	return &cp
}

// ExecuteRollback applies a plan. Every step re-validates that the task
// is still where the plan expects it; a stale step is reported and
// skipped, and the rest of the plan continues. Execution records a new
// compensating run and marks the source runs RolledBack.
func (m *Manager) ExecuteRollback(ctx context.Context, planID uuid.UUID) (bool, []error) {
	m.mu.Lock()
	plan, ok := m.plans[planID]
	if !ok {
		m.mu.Unlock()
		return false, []error{ErrPlanNotFound}
	}
	if plan.Executed {
		m.mu.Unlock()
		return false, []error{ErrPlanExecuted}
	}
	m.mu.Unlock()

	if !m.runMu.TryLock() {
		return false, []error{ErrRunInProgress}
	}
	defer m.runMu.Unlock()

	// the flag may have been set by an execution that finished while we
	// waited for the run lock
	m.mu.RLock()
	executed := plan.Executed
	m.mu.RUnlock()
	if executed {
		return false, []error{ErrPlanExecuted}
	}

	direction := DirectionQueueToDB
	if len(plan.Steps) > 0 && plan.Steps[0].CurrentBackend == task.BackendDatabase {
		direction = DirectionDBToQueue
	}
	comp := m.newRun(direction)

	var errs []error
	outcomes := make([]Outcome, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		if err := m.executeStep(ctx, step); err != nil {
			errs = append(errs, err)
			outcomes = append(outcomes, Outcome{
				TaskID: step.TaskID, Kind: OutcomeMigrationFailed, Reason: err.Error(),
			})
			m.logger.Warn("rollback step failed",
				zap.String("task_id", step.TaskID.String()), zap.Error(err))
			continue
		}
		outcomes = append(outcomes, Outcome{TaskID: step.TaskID, Kind: OutcomeMigrated})
	}
	m.appendBatch(comp, Batch{Number: 1, Outcomes: outcomes})
	m.completeRun(comp)

	m.mu.Lock()
	plan.Executed = true
	for _, id := range plan.RunIDs {
		if run, ok := m.runs[id]; ok {
			run.Status = RunRolledBack
		}
	}
	auditor := m.auditor
	m.mu.Unlock()

	if auditor != nil {
		auditor.RollbackExecuted(plan.ID, len(plan.Steps), len(errs))
	}
	return len(errs) == 0, errs
}

// executeStep undoes one migrated task after re-validating its location
func (m *Manager) executeStep(ctx context.Context, step Step) error {
	lock := m.userLockForTask(ctx, step)
	if lock != nil {
		lock.Lock()
		defer lock.Unlock()
	}

	switch step.CurrentBackend {
	case task.BackendQueue:
		// undo db-to-queue: drop the queue copy, the store row was never
		// deleted and becomes authoritative again
		jobID, ok, err := m.queue.JobIDForTask(ctx, step.TaskID)
		if err != nil {
			return fmt.Errorf("locate task %s in queue: %w", step.TaskID, err)
		}
		if !ok {
			return StaleStepError{TaskID: step.TaskID, Expected: task.BackendQueue}
		}
		if _, err := m.queue.RemoveTask(ctx, jobID); err != nil {
			return fmt.Errorf("remove task %s from queue: %w", step.TaskID, err)
		}
		if err := m.store.UpdateTaskStatus(ctx, step.TaskID, task.StatusQueued); err != nil &&
			!errors.Is(err, task.ErrNotFound) {
			return fmt.Errorf("restore task %s in store: %w", step.TaskID, err)
		}
		return nil

	case task.BackendDatabase:
		// undo queue-to-db: push the store row back into the queue
		t, err := m.store.TaskByID(ctx, step.TaskID)
		if errors.Is(err, task.ErrNotFound) {
			return StaleStepError{TaskID: step.TaskID, Expected: task.BackendDatabase}
		}
		if err != nil {
			return fmt.Errorf("look up task %s: %w", step.TaskID, err)
		}
		if !t.Status.Active() {
			return StaleStepError{TaskID: step.TaskID, Expected: task.BackendDatabase}
		}

		claimed, err := m.queue.ClaimUser(ctx, t.UserID, t.ID)
		if err != nil {
			return fmt.Errorf("claim user slot for task %s: %w", t.ID, err)
		}
		if !claimed {
			return ConflictError{UserID: t.UserID, TaskID: t.ID}
		}
		if _, err := m.queue.EnqueueTask(ctx, t); err != nil {
			_ = m.queue.ReleaseUser(ctx, t.UserID, t.ID)
			return fmt.Errorf("re-enqueue task %s: %w", t.ID, err)
		}
		return nil

	default:
		return fmt.Errorf("migration: unknown backend %q in rollback step", step.CurrentBackend)
	}
}

// userLockForTask resolves the task's user for striped locking; nil when
// the task cannot be found on either side (the step will fail its own
// precondition check).
func (m *Manager) userLockForTask(ctx context.Context, step Step) *sync.Mutex {
	if t, err := m.store.TaskByID(ctx, step.TaskID); err == nil {
		return m.userLock(t.UserID)
	}
	if t, ok, err := m.queue.TaskByID(ctx, step.TaskID); err == nil && ok {
		return m.userLock(t.UserID)
	}
	return nil
}
