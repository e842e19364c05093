package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/taskbridge/internal/task"
)

// Config configures the distributed job queue client
type Config struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	QueueName   string        `yaml:"queue_name"`
	JobTimeout  time.Duration `yaml:"job_timeout"`
	MaxMemoryMB float64       `yaml:"max_memory_mb"`
}

// Validate checks configuration
func (c *Config) Validate() error {
	if c.QueueName == "" {
		return errors.New("queue: name is required")
	}
	return nil
}

// ApplyDefaults fills in default values
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = 5 * time.Minute
	}
}

// TaskRef identifies a task currently held by the queue backend
type TaskRef struct {
	TaskID uuid.UUID `json:"task_id"`
	UserID uuid.UUID `json:"user_id"`
	JobID  string    `json:"job_id"`
}

// Client wraps the Redis connection with the job-queue operations the
// coordinator and the migration manager consume.
//
// Key layout, namespaced by queue name:
//
//	tbq:{queue}:pending  zset  member=task id, score=priority then FIFO
//	tbq:{queue}:running  set   member=job id
//	tbq:{queue}:tasks    hash  task id -> job id (pending and running)
//	tbq:{queue}:users    hash  user id -> task id (active-task index)
//	tbq:{queue}:job:{id} hash  job record (task_id, user_id, payload, ...)
type Client struct {
	rdb    *redis.Client
	cfg    Config
	logger *zap.Logger
}

// NewClient creates a job queue client
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Client{rdb: rdb, cfg: cfg, logger: logger}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) key(parts ...string) string {
	return "tbq:" + c.cfg.QueueName + ":" + strings.Join(parts, ":")
}

// Ping checks if the Redis connection is alive
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return &TransientError{Op: "ping", Err: err}
	}
	return nil
}

// MemoryUsage samples Redis memory from INFO. MaxMB falls back to the
// configured cap when the server reports maxmemory=0 (unlimited).
func (c *Client) MemoryUsage(ctx context.Context) (usedMB, maxMB float64, err error) {
	info, err := c.rdb.Info(ctx, "memory").Result()
	if err != nil {
		return 0, 0, &TransientError{Op: "info memory", Err: err}
	}

	used := parseInfoField(info, "used_memory")
	max := parseInfoField(info, "maxmemory")

	usedMB = float64(used) / (1024 * 1024)
	maxMB = float64(max) / (1024 * 1024)
	if maxMB == 0 {
		maxMB = c.cfg.MaxMemoryMB
	}
	return usedMB, maxMB, nil
}

func parseInfoField(info, field string) int64 {
	for _, line := range strings.Split(info, "\r\n") {
		if v, ok := strings.CutPrefix(line, field+":"); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return 0
			}
			return n
		}
	}
	return 0
}

// pendingScore orders the pending zset: higher priority first, FIFO within
// a priority level. Workers pop with ZPOPMAX.
func pendingScore(priorityScore int, enqueuedAt time.Time) float64 {
	return float64(priorityScore)*1e13 - float64(enqueuedAt.UnixMilli())
}

// EnqueueTask pushes a task onto the pending queue and indexes it. The
// caller is responsible for claiming the user slot first (ClaimUser).
func (c *Client) EnqueueTask(ctx context.Context, t *task.Task) (string, error) {
	jobID := uuid.New().String()
	now := time.Now().UTC()

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, c.key("job", jobID), map[string]interface{}{
		"task_id":     t.ID.String(),
		"user_id":     t.UserID.String(),
		"priority":    string(t.Priority),
		"platform":    t.PlatformConnectionID.String(),
		"payload":     string(t.Settings),
		"created_at":  t.CreatedAt.Format(time.RFC3339Nano),
		"enqueued_at": now.Format(time.RFC3339Nano),
		"timeout_ms":  c.cfg.JobTimeout.Milliseconds(),
	})
	pipe.ZAdd(ctx, c.key("pending"), &redis.Z{
		Score:  pendingScore(t.Priority.QueueScore(), t.CreatedAt),
		Member: t.ID.String(),
	})
	pipe.HSet(ctx, c.key("tasks"), t.ID.String(), jobID)

	if _, err := pipe.Exec(ctx); err != nil {
		return "", &TransientError{Op: "enqueue", Err: err}
	}

	c.logger.Debug("task enqueued",
		zap.String("task_id", t.ID.String()),
		zap.String("job_id", jobID),
		zap.String("priority", string(t.Priority)))
	return jobID, nil
}

// RemoveTask deletes a job and its indexes. Returns false when the job id
// is unknown.
func (c *Client) RemoveTask(ctx context.Context, jobID string) (bool, error) {
	fields, err := c.rdb.HGetAll(ctx, c.key("job", jobID)).Result()
	if err != nil {
		return false, &TransientError{Op: "remove", Err: err}
	}
	if len(fields) == 0 {
		return false, nil
	}

	taskID := fields["task_id"]
	userID := fields["user_id"]

	pipe := c.rdb.TxPipeline()
	pipe.ZRem(ctx, c.key("pending"), taskID)
	pipe.SRem(ctx, c.key("running"), jobID)
	pipe.HDel(ctx, c.key("tasks"), taskID)
	pipe.Del(ctx, c.key("job", jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, &TransientError{Op: "remove", Err: err}
	}

	// release the user slot only if it still points at this task
	if userID != "" && taskID != "" {
		current, err := c.rdb.HGet(ctx, c.key("users"), userID).Result()
		if err == nil && current == taskID {
			_ = c.rdb.HDel(ctx, c.key("users"), userID).Err()
		}
	}
	return true, nil
}

// ListTaskIDs returns every task id currently indexed by the queue,
// pending and running alike.
func (c *Client) ListTaskIDs(ctx context.Context) ([]string, error) {
	ids, err := c.rdb.HKeys(ctx, c.key("tasks")).Result()
	if err != nil {
		return nil, &TransientError{Op: "list", Err: err}
	}
	return ids, nil
}

// RunningTasks returns references for jobs a worker has picked up
func (c *Client) RunningTasks(ctx context.Context) ([]TaskRef, error) {
	jobIDs, err := c.rdb.SMembers(ctx, c.key("running")).Result()
	if err != nil {
		return nil, &TransientError{Op: "running", Err: err}
	}

	refs := make([]TaskRef, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		fields, err := c.rdb.HGetAll(ctx, c.key("job", jobID)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		ref := TaskRef{JobID: jobID}
		if id, err := uuid.Parse(fields["task_id"]); err == nil {
			ref.TaskID = id
		}
		if id, err := uuid.Parse(fields["user_id"]); err == nil {
			ref.UserID = id
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// JobIDForTask looks up the job holding a task
func (c *Client) JobIDForTask(ctx context.Context, taskID uuid.UUID) (string, bool, error) {
	jobID, err := c.rdb.HGet(ctx, c.key("tasks"), taskID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &TransientError{Op: "lookup", Err: err}
	}
	return jobID, true, nil
}

// TaskByID reconstructs a task from its job record
func (c *Client) TaskByID(ctx context.Context, taskID uuid.UUID) (*task.Task, bool, error) {
	jobID, ok, err := c.JobIDForTask(ctx, taskID)
	if err != nil || !ok {
		return nil, false, err
	}

	fields, err := c.rdb.HGetAll(ctx, c.key("job", jobID)).Result()
	if err != nil {
		return nil, false, &TransientError{Op: "fetch job", Err: err}
	}
	if len(fields) == 0 {
		return nil, false, nil
	}

	t := &task.Task{
		ID:       taskID,
		Status:   task.StatusQueued,
		Priority: task.Priority(fields["priority"]),
	}
	if id, err := uuid.Parse(fields["user_id"]); err == nil {
		t.UserID = id
	}
	if id, err := uuid.Parse(fields["platform"]); err == nil {
		t.PlatformConnectionID = id
	}
	if payload := fields["payload"]; payload != "" {
		t.Settings = json.RawMessage(payload)
	}
	if created, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		t.CreatedAt = created
	}
	if running, err := c.rdb.SIsMember(ctx, c.key("running"), jobID).Result(); err == nil && running {
		t.Status = task.StatusRunning
	}
	return t, true, nil
}

// ClaimUser atomically claims the per-user active-task slot. Returns false
// when another task already holds it.
func (c *Client) ClaimUser(ctx context.Context, userID, taskID uuid.UUID) (bool, error) {
	ok, err := c.rdb.HSetNX(ctx, c.key("users"), userID.String(), taskID.String()).Result()
	if err != nil {
		return false, &TransientError{Op: "claim user", Err: err}
	}
	return ok, nil
}

// ReleaseUser frees the user slot if it is held by the given task
func (c *Client) ReleaseUser(ctx context.Context, userID, taskID uuid.UUID) error {
	current, err := c.rdb.HGet(ctx, c.key("users"), userID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return &TransientError{Op: "release user", Err: err}
	}
	if current != taskID.String() {
		return fmt.Errorf("queue: user %s slot held by task %s, not %s", userID, current, taskID)
	}
	return c.rdb.HDel(ctx, c.key("users"), userID.String()).Err()
}

// UserActiveTask returns the task currently holding a user's slot, if any
func (c *Client) UserActiveTask(ctx context.Context, userID uuid.UUID) (string, bool, error) {
	taskID, err := c.rdb.HGet(ctx, c.key("users"), userID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &TransientError{Op: "user lookup", Err: err}
	}
	return taskID, true, nil
}
