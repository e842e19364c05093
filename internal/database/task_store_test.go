package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/taskbridge/internal/task"
)

func newMockStore(t *testing.T) (*TaskStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewTaskStore(NewPostgresFromDB(db)), mock
}

func TestTaskStore_UserActiveTask(t *testing.T) {
	store, mock := newMockStore(t)
	userID := uuid.New()
	taskID := uuid.New()

	mock.ExpectQuery(`SELECT id FROM tasks WHERE user_id = \$1 AND status IN`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(taskID.String()))

	got, ok, err := store.UserActiveTask(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, taskID, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_UserActiveTask_None(t *testing.T) {
	store, mock := newMockStore(t)
	userID := uuid.New()

	mock.ExpectQuery(`SELECT id FROM tasks WHERE user_id = \$1 AND status IN`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, ok, err := store.UserActiveTask(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTaskStore_TasksByStatus_DispatchOrder(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	urgent := uuid.New()
	normal := uuid.New()

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "platform_connection_id", "status", "priority", "settings", "created_at",
	}).
		AddRow(urgent.String(), uuid.New().String(), uuid.New().String(), "queued", "urgent", nil, now).
		AddRow(normal.String(), uuid.New().String(), uuid.New().String(), "queued", "normal", `{"max_length":100}`, now)

	// ordering lives in the SQL, so assert the clause is present
	mock.ExpectQuery(`ORDER BY CASE priority[\s\S]*created_at ASC`).
		WithArgs("queued", 10, 0).
		WillReturnRows(rows)

	tasks, err := store.TasksByStatus(context.Background(), task.StatusQueued, 10, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, urgent, tasks[0].ID)
	assert.Equal(t, task.PriorityUrgent, tasks[0].Priority)
	assert.JSONEq(t, `{"max_length":100}`, string(tasks[1].Settings))
}

func TestTaskStore_CountByStatus(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM tasks WHERE status = \$1`).
		WithArgs("queued").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	count, err := store.CountByStatus(context.Background(), task.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}

func TestTaskStore_UpdateTaskStatus_NotFound(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE tasks SET status = \$2`).
		WithArgs(id, "running").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateTaskStatus(context.Background(), id, task.StatusRunning)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskStore_SaveTask(t *testing.T) {
	store, mock := newMockStore(t)
	tk := task.New(uuid.New(), uuid.New(), task.PriorityHigh, []byte(`{"style":"witty"}`))

	mock.ExpectExec(`INSERT INTO tasks`).
		WithArgs(tk.ID, tk.UserID, tk.PlatformConnectionID, "queued", "high",
			[]byte(tk.Settings), tk.CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.SaveTask(context.Background(), tk))
	assert.NoError(t, mock.ExpectationsWereMet())
}
