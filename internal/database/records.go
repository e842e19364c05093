package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Migration runs and fallback windows live in the same store as the tasks
// they describe. The coordinator and the migration manager hold the
// authoritative in-memory copies; these rows are the durable audit record.

// RunRecord is a snapshot of a migration run for persistence
type RunRecord struct {
	ID          uuid.UUID
	Direction   string
	Status      string
	StartedAt   time.Time
	CompletedAt *time.Time
	Detail      []byte // JSON: totals and per-batch outcomes
}

// WindowRecord is a snapshot of a fallback window for persistence
type WindowRecord struct {
	ID             uuid.UUID
	ActivatedAt    time.Time
	DeactivatedAt  *time.Time
	Reason         string
	TasksProcessed int
}

// RecordStore persists run and window snapshots
type RecordStore struct {
	db *Postgres
}

// NewRecordStore creates a record store over an open connection
func NewRecordStore(db *Postgres) *RecordStore {
	return &RecordStore{db: db}
}

// SaveRun upserts a migration run snapshot
func (s *RecordStore) SaveRun(ctx context.Context, rec RunRecord) error {
	query := `
		INSERT INTO migration_runs (id, direction, status, started_at, completed_at, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			detail = EXCLUDED.detail`

	var detail interface{}
	if len(rec.Detail) > 0 {
		detail = rec.Detail
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Direction, rec.Status, rec.StartedAt, rec.CompletedAt, detail)
	if err != nil {
		return fmt.Errorf("save migration run: %w", err)
	}
	return nil
}

// SaveWindow upserts a fallback window snapshot
func (s *RecordStore) SaveWindow(ctx context.Context, rec WindowRecord) error {
	query := `
		INSERT INTO fallback_windows (id, activated_at, deactivated_at, reason, tasks_processed)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			deactivated_at = EXCLUDED.deactivated_at,
			tasks_processed = EXCLUDED.tasks_processed`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.ActivatedAt, rec.DeactivatedAt, rec.Reason, rec.TasksProcessed)
	if err != nil {
		return fmt.Errorf("save fallback window: %w", err)
	}
	return nil
}
