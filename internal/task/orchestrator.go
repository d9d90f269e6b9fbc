package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aurora-assess/agentcore/internal/redact"
)

// Lifecycle event types published by the task subsystem.
const (
	EventTaskCreated         = "task_created"
	EventTaskStarted         = "task_started"
	EventTaskCompleted       = "task_completed"
	EventTaskFailed          = "task_failed"
	EventTaskRetried         = "task_retried"
	EventAgentError          = "agent_error"
	EventOrchestratorStarted = "orchestrator_started"
	EventOrchestratorStopped = "orchestrator_stopped"
)

// OrchestratorConfig holds tunables for the worker pool.
type OrchestratorConfig struct {
	// WorkerCount is the number of concurrent worker goroutines.
	// Zero or negative falls back to 1.
	WorkerCount int

	// DequeueTimeout bounds each blocking dequeue. It is the only bounded
	// wait workers perform against the broker, and therefore also the upper
	// bound on how long Stop waits for an idle worker to notice shutdown.
	DequeueTimeout time.Duration

	// ErrorBackoff is how long a worker sleeps after a transient
	// infrastructure error before continuing its loop.
	ErrorBackoff time.Duration
}

// DefaultOrchestratorConfig returns the standard worker pool settings.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		WorkerCount:    5,
		DequeueTimeout: 5 * time.Second,
		ErrorBackoff:   1 * time.Second,
	}
}

// OrchestratorStats is the read-only monitoring view of the orchestrator.
type OrchestratorStats struct {
	Running     bool       `json:"running"`
	WorkerCount int        `json:"worker_count"`
	AgentTypes  []string   `json:"registered_agent_types"`
	Queues      QueueStats `json:"queues"`
}

// Orchestrator owns the worker pool. It routes each dequeued message to the
// handler registered for its agent type, translates handler outcomes into
// task status transitions, and publishes lifecycle events.
//
// For every message a worker picks up, exactly one of Complete or MoveToDLQ
// is invoked on the queue.
type Orchestrator struct {
	queue     *TaskQueue
	store     Store
	publisher Publisher
	retry     *RetryManager
	config    OrchestratorConfig
	logger    *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	running  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates an orchestrator. The publisher may be nil to
// disable event propagation; retry may be nil to disable automatic retry
// scheduling for failed handler runs.
func NewOrchestrator(
	queue *TaskQueue,
	store Store,
	publisher Publisher,
	retry *RetryManager,
	config OrchestratorConfig,
	logger *slog.Logger,
) *Orchestrator {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.DequeueTimeout <= 0 {
		config.DequeueTimeout = 5 * time.Second
	}
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = 1 * time.Second
	}

	return &Orchestrator{
		queue:     queue,
		store:     store,
		publisher: publisher,
		retry:     retry,
		config:    config,
		logger:    logger.With("component", "orchestrator"),
		handlers:  make(map[string]Handler),
	}
}

// RegisterHandler associates an agent type with a handler implementation.
// Re-registering the same type overwrites the previous association.
func (o *Orchestrator) RegisterHandler(agentType string, h Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[agentType] = h
	o.logger.Info("handler registered", "agent_type", agentType)
}

func (o *Orchestrator) handler(agentType string) (Handler, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.handlers[agentType]
	return h, ok
}

// Start launches the worker pool. Returns ErrAlreadyRunning if the pool is
// already up.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.running = true
	o.ctx, o.cancel = context.WithCancel(context.Background())
	registered := len(o.handlers)
	o.mu.Unlock()

	for i := 0; i < o.config.WorkerCount; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}

	o.publish(o.ctx, EventOrchestratorStarted, map[string]any{
		"worker_count": o.config.WorkerCount,
	})
	o.logger.Info("orchestrator started",
		"worker_count", o.config.WorkerCount,
		"registered_handlers", registered)
	return nil
}

// Stop signals all workers to exit after their current iteration and waits
// for them to finish. In-flight handler invocations drain naturally; only
// the acquisition of new work is cancelled immediately.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()

	o.logger.Info("stopping orchestrator")
	o.cancel()
	o.wg.Wait()
	o.publish(context.Background(), EventOrchestratorStopped, nil)
	o.logger.Info("orchestrator stopped")
}

// SubmitTask is the producer path: it creates the persisted task record,
// enqueues its queue message, and publishes a task_created event.
func (o *Orchestrator) SubmitTask(ctx context.Context, agentType string, input json.RawMessage, priority int) (*AgentTask, error) {
	t, err := o.store.Create(ctx, agentType, input, priority)
	if err != nil {
		return nil, fmt.Errorf("failed to create task record: %w", err)
	}

	if !o.queue.Enqueue(ctx, t.ID, t.AgentType, t.Priority) {
		// The record exists but the message is not queued; the caller may
		// re-enqueue or lean on a pending-task sweep.
		return t, fmt.Errorf("task %s created but not enqueued", t.ID)
	}

	o.publish(ctx, EventTaskCreated, map[string]any{
		"task_id":    t.ID.String(),
		"agent_type": t.AgentType,
		"priority":   t.Priority,
	})

	o.logger.Info("task submitted",
		"task_id", t.ID,
		"agent_type", t.AgentType,
		"priority", t.Priority)
	return t, nil
}

// Stats returns the orchestrator's monitoring view.
func (o *Orchestrator) Stats(ctx context.Context) OrchestratorStats {
	o.mu.RLock()
	running := o.running
	types := make([]string, 0, len(o.handlers))
	for agentType := range o.handlers {
		types = append(types, agentType)
	}
	o.mu.RUnlock()
	sort.Strings(types)

	return OrchestratorStats{
		Running:     running,
		WorkerCount: o.config.WorkerCount,
		AgentTypes:  types,
		Queues:      o.queue.Stats(ctx),
	}
}

// worker repeatedly dequeues and processes messages until shutdown.
func (o *Orchestrator) worker(id int) {
	defer o.wg.Done()

	logger := o.logger.With("worker_id", id)
	logger.Debug("worker started")

	for {
		select {
		case <-o.ctx.Done():
			logger.Debug("worker stopped")
			return
		default:
		}

		msg := o.queue.Dequeue(o.ctx, o.config.DequeueTimeout)
		if msg == nil {
			continue
		}

		if err := o.processMessage(o.ctx, logger, msg); err != nil {
			// Transient infrastructure error, not a handler failure: the
			// worker logs it and backs off briefly rather than exiting.
			logger.Error("worker error", "task_id", msg.TaskID, "error", err)
			o.publish(o.ctx, EventAgentError, map[string]any{
				"task_id":    msg.TaskID.String(),
				"agent_type": msg.AgentType,
				"error":      redact.Error(err),
			})
			select {
			case <-o.ctx.Done():
			case <-time.After(o.config.ErrorBackoff):
			}
		}
	}
}

// processMessage drives one message through the task state machine:
//
//	pending -> in_progress -> completed
//	pending -> in_progress -> failed (dead-letter queue)
//
// A missing task record or unregistered handler is a hard failure for the
// message: it goes straight to the dead-letter queue with a descriptive
// error and is never retried automatically.
func (o *Orchestrator) processMessage(ctx context.Context, logger *slog.Logger, msg *QueueMessage) error {
	logger.Info("processing task",
		"task_id", msg.TaskID,
		"agent_type", msg.AgentType)

	h, ok := o.handler(msg.AgentType)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrHandlerNotRegistered, msg.AgentType)
		o.failMessage(ctx, msg, err, false)
		return nil
	}

	t, err := o.store.GetByID(ctx, msg.TaskID)
	if err != nil {
		o.failMessage(ctx, msg, fmt.Errorf("task record %s: %w", msg.TaskID, err), false)
		return nil
	}

	if err := o.store.UpdateStatus(ctx, t.ID, StatusInProgress, nil, ""); err != nil {
		// The store is unreachable: leave the message's outcome undecided
		// and surface the infrastructure error to the worker loop.
		return fmt.Errorf("failed to mark task in progress: %w", err)
	}
	o.publish(ctx, EventTaskStarted, map[string]any{
		"task_id":    t.ID.String(),
		"agent_type": t.AgentType,
	})

	output, err := o.runHandler(ctx, h, t)
	if err != nil {
		retryable := !IsValidationError(err)
		o.failMessage(ctx, msg, err, retryable)
		return nil
	}

	if err := o.store.UpdateStatus(ctx, t.ID, StatusCompleted, output, ""); err != nil {
		logger.Error("failed to mark task completed",
			"task_id", t.ID,
			"error", err)
	}
	o.queue.Complete(ctx, t.ID)
	o.publish(ctx, EventTaskCompleted, map[string]any{
		"task_id":    t.ID.String(),
		"agent_type": t.AgentType,
	})

	logger.Info("task completed",
		"task_id", t.ID,
		"agent_type", t.AgentType)
	return nil
}

// runHandler validates the input and invokes the handler, converting panics
// into errors so a misbehaving handler cannot take down its worker.
func (o *Orchestrator) runHandler(ctx context.Context, h Handler, t *AgentTask) (output json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if err := h.ValidateInput(ctx, t.InputData); err != nil {
		return nil, err
	}
	return h.Process(ctx, t)
}

// failMessage records the failure outcome for a message: it marks the task
// record failed (when one exists), appends a dead-letter entry, publishes
// task_failed, and optionally hands the task to the retry manager.
func (o *Orchestrator) failMessage(ctx context.Context, msg *QueueMessage, cause error, retryable bool) {
	// Handler errors can embed connection URLs or credentials; scrub them
	// before they are persisted or dead-lettered.
	errMsg := redact.Error(cause)

	if err := o.store.UpdateStatus(ctx, msg.TaskID, StatusFailed, nil, errMsg); err != nil && !errors.Is(err, ErrTaskNotFound) {
		o.logger.Error("failed to mark task failed",
			"task_id", msg.TaskID,
			"error", err)
	}

	o.queue.MoveToDLQ(ctx, msg.TaskID, errMsg)
	// The dead-letter entry is written before the processing entry is
	// removed, so the task is briefly visible in both queues.
	o.queue.Complete(ctx, msg.TaskID)
	o.publish(ctx, EventTaskFailed, map[string]any{
		"task_id":    msg.TaskID.String(),
		"agent_type": msg.AgentType,
		"error":      errMsg,
	})

	o.logger.Error("task failed",
		"task_id", msg.TaskID,
		"agent_type", msg.AgentType,
		"error", errMsg)

	if retryable && o.retry != nil {
		o.retry.RetryTask(ctx, msg.TaskID, nil)
	}
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, data map[string]any) {
	if o.publisher == nil {
		return
	}
	o.publisher.Publish(ctx, eventType, data, nil)
}
