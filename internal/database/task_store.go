package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/FairForge/taskbridge/internal/task"
)

// ErrTaskNotFound is returned when a task id has no row
var ErrTaskNotFound = task.ErrNotFound

// TaskStore provides the durable SQL-backed task queue
type TaskStore struct {
	db *Postgres
}

// NewTaskStore creates a task store over an open connection
func NewTaskStore(db *Postgres) *TaskStore {
	return &TaskStore{db: db}
}

// priorityOrder sorts urgent first, then high, normal, low. Kept in SQL so
// batch fetches page consistently with the dispatch order.
const priorityOrder = `CASE priority
	WHEN 'urgent' THEN 0
	WHEN 'high' THEN 1
	WHEN 'normal' THEN 2
	ELSE 3 END`

// SaveTask inserts a task, or refreshes its status if the row exists
func (s *TaskStore) SaveTask(ctx context.Context, t *task.Task) error {
	query := `
		INSERT INTO tasks (id, user_id, platform_connection_id, status, priority, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()`

	var settings interface{}
	if len(t.Settings) > 0 {
		settings = []byte(t.Settings)
	}

	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.UserID, t.PlatformConnectionID, string(t.Status), string(t.Priority),
		settings, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// TaskByID retrieves a task by id
func (s *TaskStore) TaskByID(ctx context.Context, id uuid.UUID) (*task.Task, error) {
	query := `
		SELECT id, user_id, platform_connection_id, status, priority, settings, created_at
		FROM tasks WHERE id = $1`

	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// TasksByStatus returns a page of tasks in dispatch order: priority
// descending, then created_at ascending.
func (s *TaskStore) TasksByStatus(ctx context.Context, status task.Status, limit, offset int) ([]*task.Task, error) {
	query := `
		SELECT id, user_id, platform_connection_id, status, priority, settings, created_at
		FROM tasks WHERE status = $1
		ORDER BY ` + priorityOrder + `, created_at ASC
		LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query tasks by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountByStatus counts tasks in a given status
func (s *TaskStore) CountByStatus(ctx context.Context, status task.Status) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status = $1`, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

// UserActiveTask returns the id of the user's queued or running task, if any
func (s *TaskStore) UserActiveTask(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM tasks WHERE user_id = $1 AND status IN ('queued', 'running') LIMIT 1`,
		userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("query active task: %w", err)
	}
	return id, true, nil
}

// UpdateTaskStatus sets a task's status
func (s *TaskStore) UpdateTaskStatus(ctx context.Context, id uuid.UUID, status task.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// UserExists reports whether a user row exists
func (s *TaskStore) UserExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query user: %w", err)
	}
	return exists, nil
}

// PlatformConnectionExists reports whether a platform connection row exists
func (s *TaskStore) PlatformConnectionExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM platform_connections WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query platform connection: %w", err)
	}
	return exists, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scannable) (*task.Task, error) {
	var (
		t        task.Task
		status   string
		priority string
		settings sql.NullString
		created  time.Time
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.PlatformConnectionID, &status, &priority, &settings, &created); err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.Priority = task.Priority(priority)
	if settings.Valid {
		t.Settings = []byte(settings.String)
	}
	t.CreatedAt = created
	return &t, nil
}
