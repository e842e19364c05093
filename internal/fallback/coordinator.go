package fallback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/taskbridge/internal/health"
	"github.com/FairForge/taskbridge/internal/metrics"
	"github.com/FairForge/taskbridge/internal/task"
)

// ErrUserHasActiveTask is returned when an enqueue would give a user a
// second active task across the two backends.
var ErrUserHasActiveTask = errors.New("fallback: user already has an active task")

// TaskStore is the durable SQL-backed side of the routing decision
type TaskStore interface {
	SaveTask(ctx context.Context, t *task.Task) error
	UserActiveTask(ctx context.Context, userID uuid.UUID) (uuid.UUID, bool, error)
}

// JobQueue is the distributed-queue side of the routing decision
type JobQueue interface {
	EnqueueTask(ctx context.Context, t *task.Task) (string, error)
	ClaimUser(ctx context.Context, userID, taskID uuid.UUID) (bool, error)
	ReleaseUser(ctx context.Context, userID, taskID uuid.UUID) error
	UserActiveTask(ctx context.Context, userID uuid.UUID) (string, bool, error)
}

// WindowRecorder persists window snapshots; may be nil
type WindowRecorder interface {
	RecordWindow(ctx context.Context, w Window)
}

// Auditor records coordinator lifecycle events; may be nil
type Auditor interface {
	FallbackActivated(reason string)
	FallbackDeactivated(duration time.Duration, tasksProcessed int)
}

// Window records one episode of degraded operation
type Window struct {
	ID             uuid.UUID  `json:"id"`
	ActivatedAt    time.Time  `json:"activated_at"`
	DeactivatedAt  *time.Time `json:"deactivated_at,omitempty"`
	Reason         string     `json:"reason"`
	TasksProcessed int        `json:"tasks_processed"`
}

// Statistics is the coordinator's poll surface
type Statistics struct {
	Active                bool          `json:"active"`
	ActivationCount       int           `json:"activation_count"`
	TasksInFallback       int           `json:"tasks_in_fallback"`
	CurrentWindowDuration time.Duration `json:"current_window_duration"`
}

// Config controls coordinator behavior
type Config struct {
	WindowHistory int // closed windows retained
}

// Coordinator is the single decision point for which backend an enqueue
// goes to. It subscribes to the health monitor and flips between Normal
// (distributed queue) and Fallback (SQL store) routing.
type Coordinator struct {
	mu          sync.Mutex
	monitor     *health.Monitor
	store       TaskStore
	queue       JobQueue
	logger      *zap.Logger
	metrics     *metrics.Metrics
	recorder    WindowRecorder
	auditor     Auditor
	cfg         Config
	active      bool
	open        *Window
	closed      []*Window
	activations int
	drainFn     func(context.Context)
}

// NewCoordinator creates a coordinator and subscribes it to the monitor
func NewCoordinator(monitor *health.Monitor, store TaskStore, queue JobQueue,
	cfg Config, m *metrics.Metrics, logger *zap.Logger) *Coordinator {

	if cfg.WindowHistory == 0 {
		cfg.WindowHistory = 100
	}
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}

	c := &Coordinator{
		monitor: monitor,
		store:   store,
		queue:   queue,
		logger:  logger,
		metrics: m,
		cfg:     cfg,
	}
	monitor.Subscribe(c.onTransition)
	return c
}

// SetWindowRecorder wires durable window persistence
func (c *Coordinator) SetWindowRecorder(r WindowRecorder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorder = r
}

// SetAuditor wires audit-trail logging
func (c *Coordinator) SetAuditor(a Auditor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auditor = a
}

// SetDrainFunc registers the post-recovery drain. It runs on its own
// goroutine after a fallback window closes.
func (c *Coordinator) SetDrainFunc(fn func(context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainFn = fn
}

// Enqueue routes a task to the backend chosen by the current mode and
// returns which backend took it. The routing decision and the window
// attribution happen under one lock; the backend write itself does not
// hold the lock.
func (c *Coordinator) Enqueue(ctx context.Context, t *task.Task) (task.Backend, error) {
	if err := c.checkUniqueness(ctx, t); err != nil {
		return "", err
	}

	// the mode read and the window attribution share one critical
	// section; a recovery that closes the window mid-enqueue cannot
	// lose this task's count. The failure path gives the count back.
	c.mu.Lock()
	useFallback := c.active
	window := c.open
	if useFallback && window != nil {
		window.TasksProcessed++
	}
	c.mu.Unlock()

	if useFallback {
		t.Status = task.StatusQueued
		if err := c.store.SaveTask(ctx, t); err != nil {
			c.mu.Lock()
			if window != nil {
				window.TasksProcessed--
			}
			c.mu.Unlock()
			return "", fmt.Errorf("fallback enqueue: %w", err)
		}

		if c.metrics != nil {
			c.metrics.TasksRouted.WithLabelValues(string(task.BackendDatabase)).Inc()
		}
		c.logger.Debug("task routed to fallback store", zap.String("task_id", t.ID.String()))
		return task.BackendDatabase, nil
	}

	claimed, err := c.queue.ClaimUser(ctx, t.UserID, t.ID)
	if err != nil {
		return "", fmt.Errorf("claim user slot: %w", err)
	}
	if !claimed {
		return "", ErrUserHasActiveTask
	}
	if _, err := c.queue.EnqueueTask(ctx, t); err != nil {
		_ = c.queue.ReleaseUser(ctx, t.UserID, t.ID)
		return "", fmt.Errorf("queue enqueue: %w", err)
	}

	if c.metrics != nil {
		c.metrics.TasksRouted.WithLabelValues(string(task.BackendQueue)).Inc()
	}
	c.logger.Debug("task routed to queue", zap.String("task_id", t.ID.String()))
	return task.BackendQueue, nil
}

// checkUniqueness enforces the cross-backend per-user limit: at most one
// queued or running task per user, counting both backends.
func (c *Coordinator) checkUniqueness(ctx context.Context, t *task.Task) error {
	if id, ok, err := c.store.UserActiveTask(ctx, t.UserID); err != nil {
		return fmt.Errorf("check store active task: %w", err)
	} else if ok && id != t.ID {
		return ErrUserHasActiveTask
	}

	// a queue lookup failure must not block the fallback path; when the
	// queue is down its active index is empty anyway
	if id, ok, err := c.queue.UserActiveTask(ctx, t.UserID); err == nil && ok && id != t.ID.String() {
		return ErrUserHasActiveTask
	}
	return nil
}

// onTransition handles monitor health flips
func (c *Coordinator) onTransition(tr health.Transition) {
	if tr.Healthy {
		c.deactivate(tr)
	} else {
		c.activate(tr)
	}
}

func (c *Coordinator) activate(tr health.Transition) {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return
	}
	c.active = true
	c.activations++
	reason := tr.Reason
	if reason == "" {
		reason = "queue backend unhealthy"
	}
	c.open = &Window{
		ID:          uuid.New(),
		ActivatedAt: tr.At,
		Reason:      reason,
	}
	window := *c.open
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.FallbackActivations.Inc()
		c.metrics.FallbackActive.Set(1)
	}
	if c.recorder != nil {
		c.recorder.RecordWindow(context.Background(), window)
	}
	if c.auditor != nil {
		c.auditor.FallbackActivated(window.Reason)
	}
	c.logger.Warn("fallback mode activated", zap.String("reason", window.Reason))
}

func (c *Coordinator) deactivate(tr health.Transition) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	window := c.open
	c.open = nil
	at := tr.At
	window.DeactivatedAt = &at
	c.closed = append(c.closed, window)
	if len(c.closed) > c.cfg.WindowHistory {
		c.closed = c.closed[len(c.closed)-c.cfg.WindowHistory:]
	}
	snapshot := *window
	drain := c.drainFn
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.FallbackActive.Set(0)
	}
	if c.recorder != nil {
		c.recorder.RecordWindow(context.Background(), snapshot)
	}
	if c.auditor != nil {
		c.auditor.FallbackDeactivated(at.Sub(snapshot.ActivatedAt), snapshot.TasksProcessed)
	}
	c.logger.Info("fallback mode deactivated",
		zap.Duration("window_duration", at.Sub(snapshot.ActivatedAt)),
		zap.Int("tasks_processed", snapshot.TasksProcessed))

	if drain != nil {
		go drain(context.Background())
	}
}

// FallbackActive reports whether enqueues currently route to the store
func (c *Coordinator) FallbackActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// CheckForRecovery forces a health probe and reports whether the
// coordinator is back in normal mode. Pollable so an operator or a
// health-check endpoint can re-evaluate without waiting for the timer.
func (c *Coordinator) CheckForRecovery(ctx context.Context) bool {
	c.monitor.CheckHealth(ctx)
	return !c.FallbackActive()
}

// Statistics returns the coordinator's counters
func (c *Coordinator) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Statistics{
		Active:          c.active,
		ActivationCount: c.activations,
	}
	for _, w := range c.closed {
		st.TasksInFallback += w.TasksProcessed
	}
	if c.open != nil {
		st.TasksInFallback += c.open.TasksProcessed
		st.CurrentWindowDuration = time.Since(c.open.ActivatedAt)
	}
	return st
}

// Windows returns the window history, open window last
func (c *Coordinator) Windows() []Window {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Window, 0, len(c.closed)+1)
	for _, w := range c.closed {
		out = append(out, *w)
	}
	if c.open != nil {
		out = append(out, *c.open)
	}
	return out
}
