package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/aurora-assess/agentcore/internal/api/shared"
	"github.com/aurora-assess/agentcore/internal/task"
)

// defaultListLimit bounds task listings when the client does not specify
// one.
const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// AgentHandler serves the agent monitoring and management endpoints.
type AgentHandler struct {
	orchestrator *task.Orchestrator
	queue        *task.TaskQueue
	store        task.Store
	retry        *task.RetryManager
	logger       *slog.Logger
}

// NewAgentHandler creates a handler over the task subsystem components.
func NewAgentHandler(
	orchestrator *task.Orchestrator,
	queue *task.TaskQueue,
	store task.Store,
	retry *task.RetryManager,
	logger *slog.Logger,
) *AgentHandler {
	return &AgentHandler{
		orchestrator: orchestrator,
		queue:        queue,
		store:        store,
		retry:        retry,
		logger:       logger.With("component", "agent_handler"),
	}
}

// Routes mounts the agent endpoints on the given router.
func (h *AgentHandler) Routes(r chi.Router) {
	r.Get("/agents/stats", h.GetStats)
	r.Get("/agents/queues", h.GetQueueStats)
	r.Get("/agents/dlq", h.GetDeadLetters)
	r.Get("/agents/tasks", h.ListTasks)
	r.Post("/agents/tasks", h.SubmitTask)
	r.Get("/agents/tasks/{id}", h.GetTask)
	r.Post("/agents/tasks/{id}/retry", h.RetryTask)
	r.Post("/agents/retry-failed", h.RetryFailed)
}

// GetStats returns the orchestrator's monitoring view.
func (h *AgentHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.orchestrator.Stats(r.Context()))
}

// GetQueueStats returns point-in-time lengths of the three queues.
func (h *AgentHandler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.queue.Stats(r.Context()))
}

// GetDeadLetters returns a read-only view of the dead-letter queue.
func (h *AgentHandler) GetDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := int64(queryInt(r, "limit", defaultListLimit, maxListLimit))
	letters := h.queue.DeadLetters(r.Context(), limit)
	if letters == nil {
		letters = []task.DeadLetter{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, letters)
}

// ListTasks lists task records by status. Supported statuses are "pending"
// (store-ordered by priority then age) and "failed" (newest first).
func (h *AgentHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	agentType := r.URL.Query().Get("agent_type")
	limit := queryInt(r, "limit", defaultListLimit, maxListLimit)

	var (
		tasks []*task.AgentTask
		err   error
	)
	switch status {
	case "", string(task.StatusPending):
		tasks, err = h.store.ListPending(r.Context(), agentType, limit)
	case string(task.StatusFailed):
		tasks, err = h.store.ListFailed(r.Context(), nil, limit)
	default:
		shared.RespondWithError(w, r, http.StatusBadRequest,
			"status must be one of: pending, failed")
		return
	}
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError,
			"failed to list tasks", err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, NewTaskListResponse(tasks))
}

// GetTask returns one task record by ID.
func (h *AgentHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	t, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			shared.RespondWithError(w, r, http.StatusNotFound, "task not found")
			return
		}
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError,
			"failed to get task", err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, NewTaskResponse(t))
}

// SubmitTask creates a task record, enqueues its message and publishes
// task_created.
func (h *AgentHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentType == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "agent_type is required")
		return
	}
	if len(req.InputData) == 0 {
		req.InputData = json.RawMessage(`{}`)
	}

	t, err := h.orchestrator.SubmitTask(r.Context(), req.AgentType, req.InputData, req.Priority)
	if err != nil {
		if t != nil {
			// The record exists but enqueueing failed; report the partial
			// acceptance so the caller can re-enqueue.
			h.logger.Warn("task created but not enqueued", "task_id", t.ID, "error", err)
			shared.RespondWithJSON(w, r, http.StatusAccepted, NewTaskResponse(t))
			return
		}
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError,
			"failed to submit task", err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusCreated, NewTaskResponse(t))
}

// RetryTask schedules a manual retry of a failed task, optionally with a
// one-off policy override.
func (h *AgentHandler) RetryTask(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	var req RetryTaskRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	t, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			shared.RespondWithError(w, r, http.StatusNotFound, "task not found")
			return
		}
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError,
			"failed to get task", err)
		return
	}
	if t.Status != task.StatusFailed {
		shared.RespondWithError(w, r, http.StatusBadRequest,
			"task is not in failed state (current: "+string(t.Status)+")")
		return
	}

	var policy *task.RetryPolicy
	if req.MaxAttempts > 0 || req.InitialDelay > 0 {
		p := task.DefaultRetryPolicy()
		if req.MaxAttempts > 0 {
			p.MaxAttempts = req.MaxAttempts
		}
		if req.InitialDelay > 0 {
			p.InitialDelay = time.Duration(req.InitialDelay * float64(time.Second))
		}
		policy = &p
	}

	if !h.retry.RetryTask(r.Context(), id, policy) {
		shared.RespondWithError(w, r, http.StatusConflict,
			"task is not eligible for retry")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, map[string]any{
		"message":     "task retry scheduled",
		"task_id":     id.String(),
		"retry_count": t.RetryCount,
	})
}

// RetryFailed schedules retries for one page of recently failed tasks.
func (h *AgentHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	var req RetryFailedRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	var since *time.Time
	if req.SinceHours > 0 {
		cutoff := time.Now().UTC().Add(-time.Duration(req.SinceHours) * time.Hour)
		since = &cutoff
	}

	scheduled := h.retry.RetryFailedTasks(r.Context(), since, nil)
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]any{
		"retried": scheduled,
	})
}

func (h *AgentHandler) taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "invalid task id")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
