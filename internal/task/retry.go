package task

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// retryBatchLimit bounds how many failed tasks a single batch retry scans.
const retryBatchLimit = 100

// RetryPolicy is an immutable description of retry behavior: how many
// attempts a task gets and how long to wait between them.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of retry attempts.
	MaxAttempts int

	// InitialDelay is the wait before the first retry. The attempt counter
	// is zero-indexed, so the very first failure already waits InitialDelay
	// rather than zero.
	InitialDelay time.Duration

	// MaxDelay caps the computed delay, bounding worst-case retry latency.
	MaxDelay time.Duration

	// ExponentialBase is the growth factor between attempts (2.0 doubles
	// the delay each time).
	ExponentialBase float64

	// Jitter adds a uniformly random amount in [0, 0.25*delay] to each
	// computed delay, desynchronizing retry storms when many tasks fail at
	// once.
	Jitter bool
}

// DefaultRetryPolicy mirrors the system-wide retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        5 * time.Minute,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// Delay computes the backoff delay for a zero-indexed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(p.ExponentialBase, float64(attempt)))
	if delay > p.MaxDelay || delay < 0 {
		delay = p.MaxDelay
	}
	if p.Jitter {
		delay += time.Duration(rand.Float64() * 0.25 * float64(delay))
	}
	return delay
}

// ShouldRetry reports whether a zero-indexed attempt is still within the
// policy's attempt budget.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// RetryManager schedules delayed re-enqueues of failed tasks and provides a
// generic retry-with-backoff helper for arbitrary fallible operations.
//
// Delayed retries run as background goroutines owned by the manager: Stop
// cancels the pending delays and waits for the goroutines to finish.
type RetryManager struct {
	store     Store
	queue     *TaskQueue
	publisher Publisher
	policy    RetryPolicy
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetryManager creates a RetryManager using the given default policy.
// The publisher may be nil when no event propagation is wanted.
func NewRetryManager(store Store, queue *TaskQueue, publisher Publisher, policy RetryPolicy, logger *slog.Logger) *RetryManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &RetryManager{
		store:     store,
		queue:     queue,
		publisher: publisher,
		policy:    policy,
		logger:    logger.With("component", "retry_manager"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Stop cancels all pending delayed retries and waits for their goroutines to
// terminate. Retries whose delay had not yet elapsed are abandoned; the
// affected tasks remain failed and eligible for a later batch retry.
func (m *RetryManager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// RetryTask schedules a delayed re-enqueue of a failed task. The task must
// exist, be in failed status, and still be within the policy's attempt
// budget; otherwise nothing is scheduled and false is returned. A nil policy
// uses the manager's default.
func (m *RetryManager) RetryTask(ctx context.Context, taskID uuid.UUID, policy *RetryPolicy) bool {
	p := m.policy
	if policy != nil {
		p = *policy
	}

	t, err := m.store.GetByID(ctx, taskID)
	if err != nil {
		m.logger.Error("task not found for retry",
			"task_id", taskID,
			"error", err)
		return false
	}
	if t.Status != StatusFailed {
		m.logger.Warn("task is not in failed state, skipping retry",
			"task_id", taskID,
			"status", t.Status)
		return false
	}
	if !p.ShouldRetry(t.RetryCount) {
		m.logger.Warn("task exceeded max retry attempts",
			"task_id", taskID,
			"retry_count", t.RetryCount,
			"max_attempts", p.MaxAttempts)
		return false
	}

	delay := p.Delay(t.RetryCount)
	m.logger.Info("scheduling task retry",
		"task_id", taskID,
		"retry_count", t.RetryCount+1,
		"delay", delay)

	m.wg.Add(1)
	go m.delayedRetry(taskID, delay)
	return true
}

// delayedRetry waits out the backoff delay and then re-enqueues the task.
// The delay is cancelled by Stop.
func (m *RetryManager) delayedRetry(taskID uuid.UUID, delay time.Duration) {
	defer m.wg.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-m.ctx.Done():
		m.logger.Info("delayed retry cancelled", "task_id", taskID)
		return
	case <-timer.C:
	}

	t, err := m.store.ResetForRetry(m.ctx, taskID)
	if err != nil {
		m.logger.Error("failed to reset task for retry",
			"task_id", taskID,
			"error", err)
		return
	}

	if !m.queue.Enqueue(m.ctx, t.ID, t.AgentType, t.Priority) {
		m.logger.Error("failed to re-enqueue retried task", "task_id", taskID)
		return
	}

	if m.publisher != nil {
		m.publisher.Publish(m.ctx, EventTaskRetried, map[string]any{
			"task_id":     t.ID.String(),
			"agent_type":  t.AgentType,
			"retry_count": t.RetryCount,
		}, nil)
	}

	m.logger.Info("task retry executed",
		"task_id", taskID,
		"retry_count", t.RetryCount)
}

// RetryWithBackoff invokes op, retrying with the policy's backoff on failure
// up to MaxAttempts total invocations. It is independent of the task-queue
// retry path and may wrap any fallible operation. Unlike the queue paths it
// re-returns the final failure's cause once all attempts are exhausted, and
// it aborts early when ctx is cancelled during a backoff wait.
func (m *RetryManager) RetryWithBackoff(ctx context.Context, op func(context.Context) error, policy *RetryPolicy) error {
	p := m.policy
	if policy != nil {
		p = *policy
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 0 {
				m.logger.Info("operation succeeded after retry", "attempt", attempt+1)
			}
			return nil
		}
		lastErr = err
		m.logger.Warn("operation failed, will retry",
			"attempt", attempt+1,
			"max_attempts", p.MaxAttempts,
			"error", err)

		if attempt+1 >= p.MaxAttempts {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", p.MaxAttempts, lastErr)
}

// RetryFailedTasks scans one page of failed tasks (newest first, bounded to
// retryBatchLimit) and schedules a retry for each task still within its
// attempt budget. It returns how many retries were scheduled. A nil since
// considers failures of any age.
func (m *RetryManager) RetryFailedTasks(ctx context.Context, since *time.Time, policy *RetryPolicy) int {
	p := m.policy
	if policy != nil {
		p = *policy
	}

	failed, err := m.store.ListFailed(ctx, since, retryBatchLimit)
	if err != nil {
		m.logger.Error("failed to list failed tasks", "error", err)
		return 0
	}

	scheduled := 0
	for _, t := range failed {
		if !p.ShouldRetry(t.RetryCount) {
			continue
		}
		if m.RetryTask(ctx, t.ID, &p) {
			scheduled++
		}
	}

	m.logger.Info("batch retry completed",
		"total_failed", len(failed),
		"retried", scheduled)
	return scheduled
}
