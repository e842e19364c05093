package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/taskbridge/internal/fallback"
	"github.com/FairForge/taskbridge/internal/migration"
	"github.com/FairForge/taskbridge/internal/task"
)

// TaskRouter is the slice of the fallback coordinator the API needs
type TaskRouter interface {
	Enqueue(ctx context.Context, t *task.Task) (task.Backend, error)
	Statistics() fallback.Statistics
	Windows() []fallback.Window
	FallbackActive() bool
	CheckForRecovery(ctx context.Context) bool
}

// MigrationManager is the slice of the migration manager the API needs
type MigrationManager interface {
	Start(direction migration.Direction, batchSize int, validate bool) (uuid.UUID, error)
	CancelRun(runID uuid.UUID) error
	Statistics(runID uuid.UUID) (*migration.Run, error)
	Runs() []*migration.Run
	ValidateIntegrity(ctx context.Context, taskIDs []uuid.UUID) (*migration.IntegrityReport, error)
	HybridStatus(ctx context.Context) (*migration.HybridStatus, error)
	CreateRollbackPlan(runIDs []uuid.UUID) (*migration.RollbackPlan, error)
	Plan(planID uuid.UUID) (*migration.RollbackPlan, error)
	ExecuteRollback(ctx context.Context, planID uuid.UUID) (bool, []error)
}

// AdminHandler exposes task submission, fallback state, and migration
// control over HTTP
type AdminHandler struct {
	router  TaskRouter
	manager MigrationManager
	auth    *Auth
	logger  *zap.Logger
}

// NewAdminHandler creates the admin API handler
func NewAdminHandler(router TaskRouter, manager MigrationManager, auth *Auth, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return &AdminHandler{router: router, manager: manager, auth: auth, logger: logger}
}

// RegisterRoutes registers the admin API routes. Mutating routes sit
// behind bearer auth; read-only state endpoints do not.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/v1/fallback/stats", h.FallbackStats)
	r.Get("/api/v1/migration/runs", h.ListRuns)
	r.Get("/api/v1/migration/runs/{id}", h.GetRun)
	r.Get("/api/v1/migration/hybrid-status", h.GetHybridStatus)
	r.Get("/api/v1/rollback/plans/{id}", h.GetPlan)

	r.Group(func(pr chi.Router) {
		if h.auth != nil {
			pr.Use(h.auth.Middleware)
		}
		pr.Post("/api/v1/tasks", h.CreateTask)
		pr.Post("/api/v1/fallback/recovery-check", h.RecoveryCheck)
		pr.Post("/api/v1/migration/runs", h.StartRun)
		pr.Post("/api/v1/migration/runs/{id}/cancel", h.CancelRun)
		pr.Post("/api/v1/migration/validate", h.ValidateIntegrity)
		pr.Post("/api/v1/rollback/plans", h.CreatePlan)
		pr.Post("/api/v1/rollback/plans/{id}/execute", h.ExecutePlan)
	})
}

type createTaskRequest struct {
	UserID               uuid.UUID       `json:"user_id"`
	PlatformConnectionID uuid.UUID       `json:"platform_connection_id"`
	Priority             task.Priority   `json:"priority"`
	Settings             json.RawMessage `json:"settings,omitempty"`
}

// CreateTask submits a task through the coordinator, which picks the
// backend based on current health
func (h *AdminHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Priority == "" {
		req.Priority = task.PriorityNormal
	}

	t := task.New(req.UserID, req.PlatformConnectionID, req.Priority, req.Settings)
	if err := t.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	backend, err := h.router.Enqueue(r.Context(), t)
	if err != nil {
		if errors.Is(err, fallback.ErrUserHasActiveTask) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("enqueue failed", zap.String("task_id", t.ID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"task_id": t.ID,
		"backend": backend,
	})
}

// FallbackStats reports the coordinator's current state and window history
func (h *AdminHandler) FallbackStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"statistics": h.router.Statistics(),
		"windows":    h.router.Windows(),
	})
}

// RecoveryCheck forces an immediate health probe and reports the result
func (h *AdminHandler) RecoveryCheck(w http.ResponseWriter, r *http.Request) {
	healthy := h.router.CheckForRecovery(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy":         healthy,
		"fallback_active": h.router.FallbackActive(),
	})
}

type startRunRequest struct {
	Direction migration.Direction `json:"direction"`
	BatchSize int                 `json:"batch_size"`
	Validate  bool                `json:"validate"`
}

// StartRun launches an asynchronous migration run
func (h *AdminHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Direction != migration.DirectionDBToQueue && req.Direction != migration.DirectionQueueToDB {
		writeError(w, http.StatusBadRequest, "direction must be db_to_queue or queue_to_db")
		return
	}

	runID, err := h.manager.Start(req.Direction, req.BatchSize, req.Validate)
	if err != nil {
		if errors.Is(err, migration.ErrRunInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("start run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "start run failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"run_id": runID})
}

// ListRuns returns all known migration runs
func (h *AdminHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": h.manager.Runs()})
}

// GetRun returns one run with per-batch outcomes and totals
func (h *AdminHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := h.manager.Statistics(runID)
	if err != nil {
		if errors.Is(err, migration.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// CancelRun requests cooperative cancellation of a running migration
func (h *AdminHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	if err := h.manager.CancelRun(runID); err != nil {
		if errors.Is(err, migration.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"run_id": runID, "cancelling": true})
}

type validateRequest struct {
	TaskIDs []uuid.UUID `json:"task_ids,omitempty"`
}

// ValidateIntegrity runs a post-migration integrity check. With no IDs
// given it checks everything the queue currently holds.
func (h *AdminHandler) ValidateIntegrity(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	report, err := h.manager.ValidateIntegrity(r.Context(), req.TaskIDs)
	if err != nil {
		h.logger.Error("integrity validation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "integrity validation failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetHybridStatus reports how tasks are split across the two backends
func (h *AdminHandler) GetHybridStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.manager.HybridStatus(r.Context())
	if err != nil {
		h.logger.Error("hybrid status failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "hybrid status failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type createPlanRequest struct {
	RunIDs []uuid.UUID `json:"run_ids"`
}

// CreatePlan builds a rollback plan from completed migration runs
func (h *AdminHandler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	plan, err := h.manager.CreateRollbackPlan(req.RunIDs)
	if err != nil {
		var nre migration.NotRollbackableError
		switch {
		case errors.As(err, &nre):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, migration.ErrRunNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

// GetPlan returns a rollback plan by ID
func (h *AdminHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	planID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid plan id")
		return
	}

	plan, err := h.manager.Plan(planID)
	if err != nil {
		if errors.Is(err, migration.ErrPlanNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// ExecutePlan executes a rollback plan and reports per-step failures
func (h *AdminHandler) ExecutePlan(w http.ResponseWriter, r *http.Request) {
	planID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid plan id")
		return
	}

	completed, stepErrs := h.manager.ExecuteRollback(r.Context(), planID)
	if len(stepErrs) == 1 {
		if errors.Is(stepErrs[0], migration.ErrPlanNotFound) {
			writeError(w, http.StatusNotFound, stepErrs[0].Error())
			return
		}
		if errors.Is(stepErrs[0], migration.ErrPlanExecuted) {
			writeError(w, http.StatusConflict, stepErrs[0].Error())
			return
		}
		if errors.Is(stepErrs[0], migration.ErrRunInProgress) {
			writeError(w, http.StatusConflict, stepErrs[0].Error())
			return
		}
	}

	msgs := make([]string, 0, len(stepErrs))
	for _, e := range stepErrs {
		msgs = append(msgs, e.Error())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plan_id":   planID,
		"completed": completed,
		"errors":    msgs,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
