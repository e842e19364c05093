package migration

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FairForge/taskbridge/internal/metrics"
	"github.com/FairForge/taskbridge/internal/queue"
	"github.com/FairForge/taskbridge/internal/task"
)

// TaskStore is the SQL-backed side of a migration
type TaskStore interface {
	TasksByStatus(ctx context.Context, status task.Status, limit, offset int) ([]*task.Task, error)
	TaskByID(ctx context.Context, id uuid.UUID) (*task.Task, error)
	CountByStatus(ctx context.Context, status task.Status) (int, error)
	UserActiveTask(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error)
	SaveTask(ctx context.Context, t *task.Task) error
	UpdateTaskStatus(ctx context.Context, id uuid.UUID, status task.Status) error
	UserExists(ctx context.Context, id uuid.UUID) (bool, error)
	PlatformConnectionExists(ctx context.Context, id uuid.UUID) (bool, error)
}

// JobQueue is the distributed-queue side of a migration
type JobQueue interface {
	EnqueueTask(ctx context.Context, t *task.Task) (string, error)
	RemoveTask(ctx context.Context, jobID string) (bool, error)
	ListTaskIDs(ctx context.Context) ([]string, error)
	RunningTasks(ctx context.Context) ([]queue.TaskRef, error)
	TaskByID(ctx context.Context, taskID uuid.UUID) (*task.Task, bool, error)
	JobIDForTask(ctx context.Context, taskID uuid.UUID) (string, bool, error)
	ClaimUser(ctx context.Context, userID, taskID uuid.UUID) (bool, error)
	ReleaseUser(ctx context.Context, userID, taskID uuid.UUID) error
	UserActiveTask(ctx context.Context, userID uuid.UUID) (string, bool, error)
}

// HealthChecker gates each batch: a degraded queue aborts the remainder
// of a run instead of guessing.
type HealthChecker interface {
	CheckHealth(ctx context.Context) bool
}

// RunRecorder persists run snapshots; may be nil
type RunRecorder interface {
	RecordRun(ctx context.Context, run Run)
}

// Auditor records run lifecycle events; may be nil
type Auditor interface {
	RunStarted(id uuid.UUID, direction string)
	RunFinished(id uuid.UUID, status string, migrated, failed, validationErrors int)
	RollbackExecuted(planID uuid.UUID, steps, failed int)
}

// Options controls batch shape and pacing
type Options struct {
	BatchSize        int
	Workers          int
	BatchesPerSecond float64 // 0 disables pacing
}

func (o *Options) applyDefaults() {
	if o.BatchSize == 0 {
		o.BatchSize = 100
	}
	if o.Workers == 0 {
		o.Workers = 4
	}
}

const userLockStripes = 64

// Manager performs bulk, batched transfer of tasks between the SQL store
// and the distributed queue. It owns all run and rollback-plan records
// and is the only component that moves a task's authoritative backend.
type Manager struct {
	store    TaskStore
	queue    JobQueue
	health   HealthChecker
	logger   *zap.Logger
	metrics  *metrics.Metrics
	limiter  *rate.Limiter
	opts     Options
	recorder RunRecorder
	auditor  Auditor

	// runMu serializes full runs: only one bulk transfer, either
	// direction, at a time
	runMu sync.Mutex

	mu        sync.RWMutex
	runs      map[uuid.UUID]*Run
	plans     map[uuid.UUID]*RollbackPlan
	cancels   map[uuid.UUID]context.CancelFunc
	userLocks [userLockStripes]sync.Mutex
}

// NewManager creates a migration manager
func NewManager(store TaskStore, q JobQueue, health HealthChecker,
	opts Options, m *metrics.Metrics, logger *zap.Logger) *Manager {

	opts.applyDefaults()
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}

	mgr := &Manager{
		store:   store,
		queue:   q,
		health:  health,
		logger:  logger,
		metrics: m,
		opts:    opts,
		runs:    make(map[uuid.UUID]*Run),
		plans:   make(map[uuid.UUID]*RollbackPlan),
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
	if opts.BatchesPerSecond > 0 {
		mgr.limiter = rate.NewLimiter(rate.Limit(opts.BatchesPerSecond), 1)
	}
	return mgr
}

// SetRunRecorder wires durable run persistence
func (m *Manager) SetRunRecorder(r RunRecorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = r
}

// SetAuditor wires audit-trail logging
func (m *Manager) SetAuditor(a Auditor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditor = a
}

func (m *Manager) userLock(userID uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write(userID[:])
	return &m.userLocks[h.Sum32()%userLockStripes]
}

// MigrateDBToQueue drains queued tasks from the SQL store into the
// distributed queue, batch by batch. batchSize 0 uses the configured
// default. The returned run is a snapshot.
func (m *Manager) MigrateDBToQueue(ctx context.Context, batchSize int, validate bool) (*Run, error) {
	if !m.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer m.runMu.Unlock()

	run := m.newRun(DirectionDBToQueue)
	err := m.runDBToQueue(ctx, run, batchSize, validate)
	snap, _ := m.Statistics(run.ID)
	return snap, err
}

// MigrateQueueToDB moves every task the queue holds back into the SQL
// store, making the store authoritative again.
func (m *Manager) MigrateQueueToDB(ctx context.Context) (*Run, error) {
	if !m.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer m.runMu.Unlock()

	run := m.newRun(DirectionQueueToDB)
	err := m.runQueueToDB(ctx, run)
	snap, _ := m.Statistics(run.ID)
	return snap, err
}

// Start launches a run on a background goroutine and returns its id
// immediately. Progress is polled via Statistics.
func (m *Manager) Start(direction Direction, batchSize int, validate bool) (uuid.UUID, error) {
	if !m.runMu.TryLock() {
		return uuid.Nil, ErrRunInProgress
	}

	run := m.newRun(direction)
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancels[run.ID] = cancel
	m.mu.Unlock()

	go func() {
		defer m.runMu.Unlock()
		defer func() {
			cancel()
			m.mu.Lock()
			delete(m.cancels, run.ID)
			m.mu.Unlock()
		}()

		switch direction {
		case DirectionQueueToDB:
			_ = m.runQueueToDB(ctx, run)
		default:
			_ = m.runDBToQueue(ctx, run, batchSize, validate)
		}
	}()
	return run.ID, nil
}

// CancelRun requests cooperative cancellation of an in-flight run. The
// current batch always completes; the run stops before the next one.
func (m *Manager) CancelRun(runID uuid.UUID) error {
	m.mu.Lock()
	cancel, ok := m.cancels[runID]
	m.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}
	cancel()
	return nil
}

func (m *Manager) runDBToQueue(ctx context.Context, run *Run, batchSize int, validate bool) error {
	if batchSize <= 0 {
		batchSize = m.opts.BatchSize
	}

	total, err := m.store.CountByStatus(ctx, task.StatusQueued)
	if err != nil {
		return m.failRun(run, fmt.Errorf("count eligible tasks: %w", err))
	}
	if total == 0 {
		m.completeRun(run)
		return nil
	}

	m.logger.Info("starting db-to-queue migration",
		zap.String("run_id", run.ID.String()),
		zap.Int("eligible", total),
		zap.Int("batch_size", batchSize),
		zap.Bool("validate", validate))

	offset := 0
	batchNum := 0
	for {
		if err := m.betweenBatches(ctx, run); err != nil {
			return err
		}

		tasks, err := m.store.TasksByStatus(ctx, task.StatusQueued, batchSize, offset)
		if err != nil {
			return m.failRun(run, fmt.Errorf("fetch batch at offset %d: %w", offset, err))
		}
		if len(tasks) == 0 {
			break
		}

		batchNum++
		outcomes := m.processBatch(len(tasks), func(i int) Outcome {
			return m.migrateTaskToQueue(ctx, tasks[i], validate)
		})
		m.appendBatch(run, Batch{Number: batchNum, Outcomes: outcomes})

		offset += len(tasks)
		if len(tasks) < batchSize {
			break
		}
	}

	m.completeRun(run)
	return nil
}

func (m *Manager) runQueueToDB(ctx context.Context, run *Run) error {
	ids, err := m.queue.ListTaskIDs(ctx)
	if err != nil {
		return m.failRun(run, fmt.Errorf("list queue tasks: %w", err))
	}
	if len(ids) == 0 {
		m.completeRun(run)
		return nil
	}

	m.logger.Info("starting queue-to-db migration",
		zap.String("run_id", run.ID.String()),
		zap.Int("eligible", len(ids)))

	batchSize := m.opts.BatchSize
	batchNum := 0
	for start := 0; start < len(ids); start += batchSize {
		if err := ctx.Err(); err != nil {
			return m.failRun(run, fmt.Errorf("run cancelled: %w", err))
		}
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				return m.failRun(run, fmt.Errorf("run cancelled: %w", err))
			}
		}

		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		batchNum++
		outcomes := m.processBatch(len(batch), func(i int) Outcome {
			return m.migrateTaskToStore(ctx, batch[i])
		})
		m.appendBatch(run, Batch{Number: batchNum, Outcomes: outcomes})
	}

	m.completeRun(run)
	return nil
}

// betweenBatches runs the per-batch gates: cooperative cancellation,
// queue health, pacing. Health is checked once per batch, never per
// task; a degraded queue fails the rest of the run.
func (m *Manager) betweenBatches(ctx context.Context, run *Run) error {
	if err := ctx.Err(); err != nil {
		return m.failRun(run, fmt.Errorf("run cancelled: %w", err))
	}
	if m.health != nil && !m.health.CheckHealth(ctx) {
		return m.failRun(run, errors.New("queue backend unhealthy, aborting remainder of run"))
	}
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return m.failRun(run, fmt.Errorf("run cancelled: %w", err))
		}
	}
	return nil
}

// processBatch fans a batch out to a bounded worker pool and collects
// outcomes in input order.
func (m *Manager) processBatch(n int, work func(i int) Outcome) []Outcome {
	outcomes := make([]Outcome, n)

	workers := m.opts.Workers
	if workers > n {
		workers = n
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = work(i)
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return outcomes
}

// migrateTaskToQueue transfers one task from the store into the queue.
// The per-user check and the claim are serialized per user id so two
// workers cannot race the same user into a double-active state.
func (m *Manager) migrateTaskToQueue(ctx context.Context, t *task.Task, validate bool) Outcome {
	if validate {
		if err := m.validateTask(ctx, t); err != nil {
			return Outcome{TaskID: t.ID, Kind: OutcomeValidationFailed, Reason: err.Error()}
		}
	}

	lock := m.userLock(t.UserID)
	lock.Lock()
	defer lock.Unlock()

	// idempotent re-run: the task is already in the target backend
	if _, present, err := m.queue.JobIDForTask(ctx, t.ID); err != nil {
		return Outcome{TaskID: t.ID, Kind: OutcomeMigrationFailed, Reason: err.Error()}
	} else if present {
		return Outcome{TaskID: t.ID, Kind: OutcomeMigrated, Reason: "already present in target backend"}
	}

	if id, ok, err := m.queue.UserActiveTask(ctx, t.UserID); err != nil {
		return Outcome{TaskID: t.ID, Kind: OutcomeMigrationFailed, Reason: err.Error()}
	} else if ok && id != t.ID.String() {
		conflict := ConflictError{UserID: t.UserID, TaskID: t.ID}
		return Outcome{TaskID: t.ID, Kind: OutcomeMigrationFailed, Reason: conflict.Error()}
	}

	claimed, err := m.queue.ClaimUser(ctx, t.UserID, t.ID)
	if err != nil {
		return Outcome{TaskID: t.ID, Kind: OutcomeMigrationFailed, Reason: err.Error()}
	}
	if !claimed {
		conflict := ConflictError{UserID: t.UserID, TaskID: t.ID}
		return Outcome{TaskID: t.ID, Kind: OutcomeMigrationFailed, Reason: conflict.Error()}
	}

	if _, err := m.queue.EnqueueTask(ctx, t); err != nil {
		_ = m.queue.ReleaseUser(ctx, t.UserID, t.ID)
		return Outcome{TaskID: t.ID, Kind: OutcomeMigrationFailed, Reason: err.Error()}
	}
	return Outcome{TaskID: t.ID, Kind: OutcomeMigrated}
}

// migrateTaskToStore transfers one task out of the queue into the store
// and removes it from the queue, which is what makes the store
// authoritative for it again.
func (m *Manager) migrateTaskToStore(ctx context.Context, idStr string) Outcome {
	taskID, err := uuid.Parse(idStr)
	if err != nil {
		return Outcome{Kind: OutcomeValidationFailed, Reason: fmt.Sprintf("malformed task id %q", idStr)}
	}

	t, ok, err := m.queue.TaskByID(ctx, taskID)
	if err != nil {
		return Outcome{TaskID: taskID, Kind: OutcomeMigrationFailed, Reason: err.Error()}
	}
	if !ok {
		return Outcome{TaskID: taskID, Kind: OutcomeMigrationFailed, Reason: "no longer held by the queue"}
	}

	lock := m.userLock(t.UserID)
	lock.Lock()
	defer lock.Unlock()

	if activeID, ok, err := m.store.UserActiveTask(ctx, t.UserID); err != nil {
		return Outcome{TaskID: taskID, Kind: OutcomeMigrationFailed, Reason: err.Error()}
	} else if ok && activeID != taskID {
		conflict := ConflictError{UserID: t.UserID, TaskID: taskID}
		return Outcome{TaskID: taskID, Kind: OutcomeMigrationFailed, Reason: conflict.Error()}
	}

	if err := m.store.SaveTask(ctx, t); err != nil {
		return Outcome{TaskID: taskID, Kind: OutcomeMigrationFailed, Reason: err.Error()}
	}

	if jobID, ok, err := m.queue.JobIDForTask(ctx, taskID); err == nil && ok {
		if _, err := m.queue.RemoveTask(ctx, jobID); err != nil {
			m.logger.Warn("task copied to store but queue removal failed",
				zap.String("task_id", taskID.String()), zap.Error(err))
		}
	}
	return Outcome{TaskID: taskID, Kind: OutcomeMigrated}
}

// validateTask checks required fields, the settings payload, and that
// the referenced user and platform connection rows exist.
func (m *Manager) validateTask(ctx context.Context, t *task.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if ok, err := m.store.UserExists(ctx, t.UserID); err != nil {
		return fmt.Errorf("look up user: %w", err)
	} else if !ok {
		return task.ValidationError{Field: "user_id", Reason: "referenced user does not exist"}
	}
	if ok, err := m.store.PlatformConnectionExists(ctx, t.PlatformConnectionID); err != nil {
		return fmt.Errorf("look up platform connection: %w", err)
	} else if !ok {
		return task.ValidationError{Field: "platform_connection_id", Reason: "referenced platform connection does not exist"}
	}
	return nil
}

// ValidateIntegrity re-derives, for the requested task ids (or every id
// the queue currently holds), whether each still exists in the store
// with consistent fields. Idempotent: no state is touched.
func (m *Manager) ValidateIntegrity(ctx context.Context, taskIDs []uuid.UUID) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if len(taskIDs) == 0 {
		ids, err := m.queue.ListTaskIDs(ctx)
		if err != nil {
			return nil, fmt.Errorf("list queue tasks: %w", err)
		}
		for _, s := range ids {
			id, err := uuid.Parse(s)
			if err != nil {
				report.Checked++
				report.Invalid++
				report.Issues = append(report.Issues, IntegrityIssue{
					Kind: "invalid", Detail: fmt.Sprintf("malformed task id %q", s),
				})
				continue
			}
			taskIDs = append(taskIDs, id)
		}
	}

	for _, id := range taskIDs {
		report.Checked++
		t, err := m.store.TaskByID(ctx, id)
		if errors.Is(err, task.ErrNotFound) {
			report.Missing++
			report.Issues = append(report.Issues, IntegrityIssue{
				TaskID: id, Kind: "missing", Detail: "task not present in the store",
			})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("look up task %s: %w", id, err)
		}
		if verr := t.Validate(); verr != nil {
			report.Invalid++
			report.Issues = append(report.Issues, IntegrityIssue{
				TaskID: id, Kind: "invalid", Detail: verr.Error(),
			})
			continue
		}
		report.Valid++
	}

	if report.Checked > 0 {
		report.IntegrityPercent = float64(report.Valid) / float64(report.Checked) * 100
	} else {
		report.IntegrityPercent = 100
	}
	return report, nil
}

// HybridStatus reconciles which backends currently hold active work.
// Authority is determined here, not by source-row deletion.
func (m *Manager) HybridStatus(ctx context.Context) (*HybridStatus, error) {
	queued, err := m.store.CountByStatus(ctx, task.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("count queued tasks: %w", err)
	}
	running, err := m.store.CountByStatus(ctx, task.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("count running tasks: %w", err)
	}

	ids, err := m.queue.ListTaskIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queue tasks: %w", err)
	}
	refs, err := m.queue.RunningTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list running queue tasks: %w", err)
	}

	// store rows that the queue also indexes are queue-authoritative
	queueHeld := make(map[uuid.UUID]bool, len(ids))
	for _, s := range ids {
		if id, err := uuid.Parse(s); err == nil {
			queueHeld[id] = true
		}
	}

	st := &HybridStatus{
		QueueActiveCount:  len(ids),
		QueueRunningCount: len(refs),
	}
	st.QueuePendingCount = st.QueueActiveCount - st.QueueRunningCount
	if st.QueuePendingCount < 0 {
		st.QueuePendingCount = 0
	}
	st.DBActiveCount = queued + running
	for id := range queueHeld {
		if t, err := m.store.TaskByID(ctx, id); err == nil && t.Status.Active() {
			st.DBActiveCount--
		}
	}
	if st.DBActiveCount < 0 {
		st.DBActiveCount = 0
	}

	switch {
	case st.DBActiveCount > 0 && st.QueueActiveCount > 0:
		st.Mode = "hybrid"
	case st.DBActiveCount > 0:
		st.Mode = "database-only"
	case st.QueueActiveCount > 0:
		st.Mode = "queue-only"
	default:
		st.Mode = "idle"
	}
	return st, nil
}

// Statistics returns a snapshot of a run for polling
func (m *Manager) Statistics(runID uuid.UUID) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return snapshotRun(run), nil
}

// Runs lists all known runs, oldest first
func (m *Manager) Runs() []*Run {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, snapshotRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func snapshotRun(run *Run) *Run {
	cp := *run
	cp.Batches = make([]Batch, len(run.Batches))
	for i, b := range run.Batches {
		cp.Batches[i] = Batch{Number: b.Number, Outcomes: append([]Outcome(nil), b.Outcomes...)}
	}
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func (m *Manager) newRun(direction Direction) *Run {
	run := &Run{
		ID:        uuid.New(),
		Direction: direction,
		Status:    RunInProgress,
		StartedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.runs[run.ID] = run
	recorder, auditor := m.recorder, m.auditor
	m.mu.Unlock()

	if recorder != nil {
		recorder.RecordRun(context.Background(), *snapshotRun(run))
	}
	if auditor != nil {
		auditor.RunStarted(run.ID, string(direction))
	}
	return run
}

func (m *Manager) appendBatch(run *Run, batch Batch) {
	m.mu.Lock()
	run.Batches = append(run.Batches, batch)
	m.mu.Unlock()

	if m.metrics != nil {
		for _, o := range batch.Outcomes {
			m.metrics.MigrationOutcomes.
				WithLabelValues(string(run.Direction), o.Kind.String()).Inc()
		}
	}
}

func (m *Manager) completeRun(run *Run) {
	m.finishRun(run, RunCompleted, nil)
}

func (m *Manager) failRun(run *Run, err error) error {
	m.finishRun(run, RunFailed, err)
	return err
}

func (m *Manager) finishRun(run *Run, status RunStatus, err error) {
	now := time.Now().UTC()

	m.mu.Lock()
	run.Status = status
	run.CompletedAt = &now
	if err != nil {
		run.Error = err.Error()
	}
	run.finalizeTotals()
	snap := *snapshotRun(run)
	recorder, auditor := m.recorder, m.auditor
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.MigrationRuns.WithLabelValues(string(run.Direction), string(status)).Inc()
	}
	if recorder != nil {
		recorder.RecordRun(context.Background(), snap)
	}
	if auditor != nil {
		auditor.RunFinished(snap.ID, string(status),
			snap.Totals.Migrated, snap.Totals.Failed, snap.Totals.ValidationErrors)
	}

	m.logger.Info("migration run finished",
		zap.String("run_id", snap.ID.String()),
		zap.String("direction", string(snap.Direction)),
		zap.String("status", string(status)),
		zap.Int("migrated", snap.Totals.Migrated),
		zap.Int("failed", snap.Totals.Failed),
		zap.Int("validation_errors", snap.Totals.ValidationErrors),
		zap.Float64("success_rate", snap.Totals.SuccessRate))
}
