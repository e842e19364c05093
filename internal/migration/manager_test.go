package migration

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FairForge/taskbridge/internal/metrics"
	"github.com/FairForge/taskbridge/internal/queue"
	"github.com/FairForge/taskbridge/internal/task"
)

// memStore is an in-memory TaskStore with the same dispatch ordering as
// the SQL store
type memStore struct {
	mu         sync.Mutex
	tasks      map[uuid.UUID]*task.Task
	missing    map[uuid.UUID]bool // users/platforms reported absent
	blockCount chan struct{}      // CountByStatus waits for close when set
}

func newMemStore() *memStore {
	return &memStore{
		tasks:   make(map[uuid.UUID]*task.Task),
		missing: make(map[uuid.UUID]bool),
	}
}

func (s *memStore) add(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
}

func (s *memStore) sorted(status task.Status) []*task.Task {
	var out []*task.Task
	for _, t := range s.tasks {
		if t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.QueueScore() != out[j].Priority.QueueScore() {
			return out[i].Priority.QueueScore() > out[j].Priority.QueueScore()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *memStore) TasksByStatus(_ context.Context, status task.Status, limit, offset int) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sorted(status)
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *memStore) TaskByID(_ context.Context, id uuid.UUID) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) CountByStatus(_ context.Context, status task.Status) (int, error) {
	if s.blockCount != nil {
		<-s.blockCount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sorted(status)), nil
}

func (s *memStore) UserActiveTask(_ context.Context, userID uuid.UUID) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.UserID == userID && t.Status.Active() {
			return t.ID, true, nil
		}
	}
	return uuid.Nil, false, nil
}

func (s *memStore) SaveTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *memStore) UpdateTaskStatus(_ context.Context, id uuid.UUID, status task.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	t.Status = status
	return nil
}

func (s *memStore) UserExists(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.missing[id], nil
}

func (s *memStore) PlatformConnectionExists(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.missing[id], nil
}

// memQueue is an in-memory JobQueue
type memQueue struct {
	mu      sync.Mutex
	items   map[uuid.UUID]*task.Task
	jobs    map[uuid.UUID]string
	users   map[uuid.UUID]uuid.UUID
	running map[uuid.UUID]bool
	listErr error
}

func newMemQueue() *memQueue {
	return &memQueue{
		items:   make(map[uuid.UUID]*task.Task),
		jobs:    make(map[uuid.UUID]string),
		users:   make(map[uuid.UUID]uuid.UUID),
		running: make(map[uuid.UUID]bool),
	}
}

// markRunning simulates a worker picking the task up
func (q *memQueue) markRunning(taskID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.running[taskID] = true
}

func (q *memQueue) seed(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *t
	q.items[t.ID] = &cp
	q.jobs[t.ID] = uuid.New().String()
	q.users[t.UserID] = t.ID
}

func (q *memQueue) EnqueueTask(_ context.Context, t *task.Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *t
	jobID := uuid.New().String()
	q.items[t.ID] = &cp
	q.jobs[t.ID] = jobID
	return jobID, nil
}

func (q *memQueue) RemoveTask(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for taskID, id := range q.jobs {
		if id != jobID {
			continue
		}
		t := q.items[taskID]
		delete(q.jobs, taskID)
		delete(q.items, taskID)
		delete(q.running, taskID)
		if t != nil && q.users[t.UserID] == taskID {
			delete(q.users, t.UserID)
		}
		return true, nil
	}
	return false, nil
}

func (q *memQueue) ListTaskIDs(_ context.Context) ([]string, error) {
	if q.listErr != nil {
		return nil, q.listErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.jobs))
	for id := range q.jobs {
		out = append(out, id.String())
	}
	sort.Strings(out)
	return out, nil
}

func (q *memQueue) RunningTasks(_ context.Context) ([]queue.TaskRef, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.TaskRef, 0, len(q.running))
	for taskID := range q.running {
		ref := queue.TaskRef{TaskID: taskID, JobID: q.jobs[taskID]}
		if t, ok := q.items[taskID]; ok {
			ref.UserID = t.UserID
		}
		out = append(out, ref)
	}
	return out, nil
}

func (q *memQueue) TaskByID(_ context.Context, taskID uuid.UUID) (*task.Task, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.items[taskID]
	if !ok {
		return nil, false, nil
	}
	cp := *t
	return &cp, true, nil
}

func (q *memQueue) JobIDForTask(_ context.Context, taskID uuid.UUID) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobID, ok := q.jobs[taskID]
	return jobID, ok, nil
}

func (q *memQueue) ClaimUser(_ context.Context, userID, taskID uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, held := q.users[userID]; held {
		return false, nil
	}
	q.users[userID] = taskID
	return true, nil
}

func (q *memQueue) ReleaseUser(_ context.Context, userID, taskID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.users[userID] == taskID {
		delete(q.users, userID)
	}
	return nil
}

func (q *memQueue) UserActiveTask(_ context.Context, userID uuid.UUID) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if id, ok := q.users[userID]; ok {
		return id.String(), true, nil
	}
	return "", false, nil
}

func (q *memQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// scriptedHealth replays health readings, then stays at the final value
type scriptedHealth struct {
	mu      sync.Mutex
	results []bool
	idx     int
}

func (h *scriptedHealth) CheckHealth(_ context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.idx < len(h.results) {
		r := h.results[h.idx]
		h.idx++
		return r
	}
	if len(h.results) > 0 {
		return h.results[len(h.results)-1]
	}
	return true
}

func newTestManager(store *memStore, q *memQueue, health HealthChecker, opts Options) *Manager {
	return NewManager(store, q, health, opts, metrics.NewMetrics(), nil)
}

func queuedTask(priority task.Priority, created time.Time) *task.Task {
	t := task.New(uuid.New(), uuid.New(), priority, nil)
	t.CreatedAt = created
	return t
}

func TestManager_MigrateDBToQueue_PriorityBatches(t *testing.T) {
	store := newMemStore()
	q := newMemQueue()
	base := time.Now().Add(-time.Hour)

	t1 := queuedTask(task.PriorityNormal, base)
	t2 := queuedTask(task.PriorityUrgent, base.Add(time.Minute))
	t3 := queuedTask(task.PriorityNormal, base.Add(2*time.Minute))
	store.add(t1)
	store.add(t2)
	store.add(t3)

	m := newTestManager(store, q, &scriptedHealth{}, Options{Workers: 1})
	run, err := m.MigrateDBToQueue(context.Background(), 2, true)
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, run.Status)
	require.Len(t, run.Batches, 2)

	// urgent first, FIFO within priority
	batch1 := run.Batches[0].Outcomes
	require.Len(t, batch1, 2)
	assert.Equal(t, t2.ID, batch1[0].TaskID)
	assert.Equal(t, t1.ID, batch1[1].TaskID)

	batch2 := run.Batches[1].Outcomes
	require.Len(t, batch2, 1)
	assert.Equal(t, t3.ID, batch2[0].TaskID)

	assert.Equal(t, 3, run.Totals.Migrated)
	assert.Zero(t, run.Totals.Failed)
	assert.Zero(t, run.Totals.ValidationErrors)
	assert.InDelta(t, 100.0, run.Totals.SuccessRate, 0.01)
	assert.Equal(t, 3, q.size())
}

func TestManager_MigrateDBToQueue_EmptyStore(t *testing.T) {
	m := newTestManager(newMemStore(), newMemQueue(), &scriptedHealth{}, Options{})

	run, err := m.MigrateDBToQueue(context.Background(), 10, true)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Empty(t, run.Batches)
	assert.InDelta(t, 100.0, run.Totals.SuccessRate, 0.01)
}

func TestManager_MigrateDBToQueue_ValidationSkips(t *testing.T) {
	store := newMemStore()
	q := newMemQueue()

	good := queuedTask(task.PriorityNormal, time.Now())
	bad := queuedTask(task.PriorityNormal, time.Now())
	bad.Settings = []byte(`{"style": "baroque"}`) // fails the schema
	orphan := queuedTask(task.PriorityNormal, time.Now())
	store.missing[orphan.UserID] = true // referenced user row is gone
	store.add(good)
	store.add(bad)
	store.add(orphan)

	m := newTestManager(store, q, &scriptedHealth{}, Options{})
	run, err := m.MigrateDBToQueue(context.Background(), 10, true)
	require.NoError(t, err)

	assert.Equal(t, 1, run.Totals.Migrated)
	assert.Equal(t, 2, run.Totals.ValidationErrors)
	assert.Zero(t, run.Totals.Failed)
	assert.Equal(t, 1, q.size(), "skipped tasks must never reach the queue")
}

func TestManager_MigrateDBToQueue_ConflictIsMigrationFailed(t *testing.T) {
	store := newMemStore()
	q := newMemQueue()
	userID := uuid.New()

	// the user already has an active entry in the target backend
	existing := task.New(userID, uuid.New(), task.PriorityNormal, nil)
	q.seed(existing)

	second := task.New(userID, uuid.New(), task.PriorityNormal, nil)
	store.add(second)

	m := newTestManager(store, q, &scriptedHealth{}, Options{})
	run, err := m.MigrateDBToQueue(context.Background(), 10, true)
	require.NoError(t, err)

	assert.Equal(t, 1, run.Totals.Failed)
	assert.Zero(t, run.Totals.Migrated)
	assert.Zero(t, run.Totals.ValidationErrors)
	require.Len(t, run.Batches, 1)
	assert.Contains(t, run.Batches[0].Outcomes[0].Reason, "already has an active task")
	assert.Equal(t, 1, q.size(), "conflict must not create a second active task")
}

func TestManager_MigrateDBToQueue_AbortsWhenQueueDegrades(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 4; i++ {
		store.add(queuedTask(task.PriorityNormal, time.Now()))
	}
	q := newMemQueue()

	// healthy for batch 1, degraded before batch 2
	health := &scriptedHealth{results: []bool{true, false}}
	m := newTestManager(store, q, health, Options{})

	run, err := m.MigrateDBToQueue(context.Background(), 2, false)
	require.Error(t, err)
	assert.Equal(t, RunFailed, run.Status)
	assert.Contains(t, run.Error, "unhealthy")
	assert.Len(t, run.Batches, 1, "the in-flight batch completes, the rest aborts")
}

func TestManager_MigrateDBToQueue_Cancellation(t *testing.T) {
	store := newMemStore()
	store.add(queuedTask(task.PriorityNormal, time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := newTestManager(store, newMemQueue(), &scriptedHealth{}, Options{})
	run, err := m.MigrateDBToQueue(ctx, 10, false)
	require.Error(t, err)
	assert.Equal(t, RunFailed, run.Status)
	assert.Contains(t, run.Error, "cancelled")
}

func TestManager_RunsAreExclusive(t *testing.T) {
	store := newMemStore()
	store.add(queuedTask(task.PriorityNormal, time.Now()))
	store.blockCount = make(chan struct{})

	m := newTestManager(store, newMemQueue(), &scriptedHealth{}, Options{})
	runID, err := m.Start(DirectionDBToQueue, 10, false)
	require.NoError(t, err)

	_, err = m.MigrateDBToQueue(context.Background(), 10, false)
	assert.ErrorIs(t, err, ErrRunInProgress)
	_, err = m.Start(DirectionQueueToDB, 0, false)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(store.blockCount)
	require.Eventually(t, func() bool {
		run, err := m.Statistics(runID)
		return err == nil && run.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	// the lock is free again
	_, err = m.MigrateDBToQueue(context.Background(), 10, false)
	assert.NoError(t, err)
}

func TestManager_MigrateQueueToDB(t *testing.T) {
	store := newMemStore()
	q := newMemQueue()

	t1 := task.New(uuid.New(), uuid.New(), task.PriorityNormal, []byte(`{"max_length":100}`))
	t2 := task.New(uuid.New(), uuid.New(), task.PriorityHigh, nil)
	q.seed(t1)
	q.seed(t2)

	m := newTestManager(store, q, &scriptedHealth{}, Options{})
	run, err := m.MigrateQueueToDB(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, 2, run.Totals.Migrated)
	assert.Zero(t, q.size(), "queue is drained, store becomes authoritative")

	for _, id := range []uuid.UUID{t1.ID, t2.ID} {
		got, err := store.TaskByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusQueued, got.Status)
	}
}

func TestManager_MigrateQueueToDB_Empty(t *testing.T) {
	m := newTestManager(newMemStore(), newMemQueue(), &scriptedHealth{}, Options{})
	run, err := m.MigrateQueueToDB(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Empty(t, run.Batches)
}

func TestManager_ValidateIntegrity(t *testing.T) {
	store := newMemStore()
	q := newMemQueue()

	healthy := task.New(uuid.New(), uuid.New(), task.PriorityNormal, nil)
	store.add(healthy)
	q.seed(healthy)

	ghost := task.New(uuid.New(), uuid.New(), task.PriorityNormal, nil)
	q.seed(ghost) // in the queue but not in the store

	corrupt := task.New(uuid.New(), uuid.New(), task.PriorityNormal, nil)
	corrupt.Priority = task.Priority("whenever")
	store.add(corrupt)
	q.seed(corrupt)

	m := newTestManager(store, q, &scriptedHealth{}, Options{})
	report, err := m.ValidateIntegrity(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 1, report.Valid)
	assert.Equal(t, 1, report.Missing)
	assert.Equal(t, 1, report.Invalid)
	assert.Len(t, report.Issues, 2)
	assert.InDelta(t, 100.0/3.0, report.IntegrityPercent, 0.01)

	// idempotent with no intervening state change
	again, err := m.ValidateIntegrity(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, report.Checked, again.Checked)
	assert.Equal(t, report.Valid, again.Valid)
	assert.Equal(t, report.Invalid, again.Invalid)
	assert.Equal(t, report.Missing, again.Missing)
}

func TestManager_ValidateIntegrity_ExplicitIDs(t *testing.T) {
	store := newMemStore()
	known := task.New(uuid.New(), uuid.New(), task.PriorityNormal, nil)
	store.add(known)

	m := newTestManager(store, newMemQueue(), &scriptedHealth{}, Options{})
	report, err := m.ValidateIntegrity(context.Background(), []uuid.UUID{known.ID, uuid.New()})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Valid)
	assert.Equal(t, 1, report.Missing)
	assert.InDelta(t, 50.0, report.IntegrityPercent, 0.01)
}

func TestManager_HybridStatus(t *testing.T) {
	store := newMemStore()
	q := newMemQueue()
	m := newTestManager(store, q, &scriptedHealth{}, Options{})

	st, err := m.HybridStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "idle", st.Mode)

	dbTask := queuedTask(task.PriorityNormal, time.Now())
	store.add(dbTask)
	st, err = m.HybridStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "database-only", st.Mode)
	assert.Equal(t, 1, st.DBActiveCount)

	queueTask := task.New(uuid.New(), uuid.New(), task.PriorityNormal, nil)
	q.seed(queueTask)
	st, err = m.HybridStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hybrid", st.Mode)
	assert.Equal(t, 1, st.QueueActiveCount)
	assert.Equal(t, 1, st.QueuePendingCount)
	assert.Zero(t, st.QueueRunningCount)

	// a worker picks the task up: active count is unchanged, the
	// pending/running split moves
	q.markRunning(queueTask.ID)
	st, err = m.HybridStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.QueueActiveCount)
	assert.Zero(t, st.QueuePendingCount)
	assert.Equal(t, 1, st.QueueRunningCount)
}

func TestManager_HybridStatus_MigratedRowsAreQueueAuthoritative(t *testing.T) {
	store := newMemStore()
	q := newMemQueue()
	m := newTestManager(store, q, &scriptedHealth{}, Options{})

	// one task migrated db->queue: the source row stays in the store but
	// authority has moved
	migrated := queuedTask(task.PriorityNormal, time.Now())
	store.add(migrated)
	q.seed(migrated)

	st, err := m.HybridStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.DBActiveCount)
	assert.Equal(t, 1, st.QueueActiveCount)
	assert.Equal(t, "queue-only", st.Mode)
}

func TestManager_Statistics_UnknownRun(t *testing.T) {
	m := newTestManager(newMemStore(), newMemQueue(), &scriptedHealth{}, Options{})
	_, err := m.Statistics(uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestManager_MigrateDBToQueue_RerunIsIdempotent(t *testing.T) {
	store := newMemStore()
	q := newMemQueue()
	tk := queuedTask(task.PriorityNormal, time.Now())
	store.add(tk)

	m := newTestManager(store, q, &scriptedHealth{}, Options{})
	_, err := m.MigrateDBToQueue(context.Background(), 10, false)
	require.NoError(t, err)

	// the source row was not deleted, so a re-run sees the same task
	run, err := m.MigrateDBToQueue(context.Background(), 10, false)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Totals.Migrated)
	assert.Equal(t, 1, q.size(), "re-run must not duplicate the queue entry")
}

func TestOutcomeKind_String(t *testing.T) {
	assert.Equal(t, "migrated", OutcomeMigrated.String())
	assert.Equal(t, "validation_failed", OutcomeValidationFailed.String())
	assert.Equal(t, "migration_failed", OutcomeMigrationFailed.String())
}

func TestManager_ListErrorFailsRun(t *testing.T) {
	q := newMemQueue()
	q.listErr = errors.New("redis: connection refused")

	m := newTestManager(newMemStore(), q, &scriptedHealth{}, Options{})
	run, err := m.MigrateQueueToDB(context.Background())
	require.Error(t, err)
	assert.Equal(t, RunFailed, run.Status)
	assert.NotEmpty(t, run.Error)
}
