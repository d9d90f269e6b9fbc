package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        5 * time.Minute,
		ExponentialBase: 2.0,
		Jitter:          false,
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := testPolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, policy.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryPolicyDelayCap(t *testing.T) {
	policy := testPolicy()

	// 2^9 seconds is 512s, past the 300s cap.
	assert.Equal(t, policy.MaxDelay, policy.Delay(9))
	assert.Equal(t, policy.MaxDelay, policy.Delay(50))

	// Large exponents overflow time.Duration; the cap still holds.
	assert.Equal(t, policy.MaxDelay, policy.Delay(500))
}

func TestRetryPolicyDelayMonotonic(t *testing.T) {
	policy := testPolicy()

	prev := time.Duration(0)
	for attempt := 0; attempt < 12; attempt++ {
		delay := policy.Delay(attempt)
		assert.GreaterOrEqual(t, delay, prev)
		assert.LessOrEqual(t, delay, policy.MaxDelay)
		prev = delay
	}
}

func TestRetryPolicyDelayJitter(t *testing.T) {
	policy := testPolicy()
	policy.Jitter = true

	base := 4 * time.Second
	for i := 0; i < 100; i++ {
		delay := policy.Delay(2)
		assert.GreaterOrEqual(t, delay, base)
		assert.LessOrEqual(t, delay, base+base/4)
	}
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	policy := testPolicy()

	assert.True(t, policy.ShouldRetry(0))
	assert.True(t, policy.ShouldRetry(2))
	assert.False(t, policy.ShouldRetry(3))
	assert.False(t, policy.ShouldRetry(4))
}

func TestDefaultRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()

	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, 1*time.Second, policy.InitialDelay)
	assert.Equal(t, 5*time.Minute, policy.MaxDelay)
	assert.Equal(t, 2.0, policy.ExponentialBase)
	assert.True(t, policy.Jitter)
}

func newTestRetryManager(store Store, broker *MemoryBroker, policy RetryPolicy) (*RetryManager, *TaskQueue, *MockPublisher) {
	logger := setupTestLogger()
	queue := NewTaskQueue(broker, logger)
	publisher := NewMockPublisher()
	return NewRetryManager(store, queue, publisher, policy, logger), queue, publisher
}

func TestRetryTaskSchedulesReenqueue(t *testing.T) {
	store := NewMockStore()
	broker := NewMemoryBroker()

	policy := testPolicy()
	policy.InitialDelay = 10 * time.Millisecond
	policy.MaxDelay = 50 * time.Millisecond
	manager, queue, publisher := newTestRetryManager(store, broker, policy)
	defer manager.Stop()

	failed := &AgentTask{
		ID:         uuid.New(),
		AgentType:  "research",
		Status:     StatusFailed,
		RetryCount: 1,
		CreatedAt:  time.Now().UTC(),
	}
	store.Put(failed)

	ok := manager.RetryTask(context.Background(), failed.ID, nil)
	require.True(t, ok)

	// The delayed goroutine resets the record and re-enqueues the message.
	msg := queue.Dequeue(context.Background(), time.Second)
	require.NotNil(t, msg)
	assert.Equal(t, failed.ID, msg.TaskID)
	assert.Equal(t, "research", msg.AgentType)

	updated, err := store.GetByID(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, updated.Status)
	assert.Equal(t, 2, updated.RetryCount)
	assert.Empty(t, updated.ErrorMessage)

	events := publisher.EventsOfType(EventTaskRetried)
	require.Len(t, events, 1)
	assert.Equal(t, failed.ID.String(), events[0].Data["task_id"])
}

func TestRetryTaskNotFound(t *testing.T) {
	manager, _, _ := newTestRetryManager(NewMockStore(), NewMemoryBroker(), testPolicy())
	defer manager.Stop()

	assert.False(t, manager.RetryTask(context.Background(), uuid.New(), nil))
}

func TestRetryTaskNotFailed(t *testing.T) {
	store := NewMockStore()
	manager, _, _ := newTestRetryManager(store, NewMemoryBroker(), testPolicy())
	defer manager.Stop()

	pending := &AgentTask{ID: uuid.New(), AgentType: "research", Status: StatusPending}
	store.Put(pending)

	assert.False(t, manager.RetryTask(context.Background(), pending.ID, nil))
}

func TestRetryTaskBudgetExhausted(t *testing.T) {
	store := NewMockStore()
	manager, _, _ := newTestRetryManager(store, NewMemoryBroker(), testPolicy())
	defer manager.Stop()

	exhausted := &AgentTask{
		ID:         uuid.New(),
		AgentType:  "research",
		Status:     StatusFailed,
		RetryCount: 3,
	}
	store.Put(exhausted)

	assert.False(t, manager.RetryTask(context.Background(), exhausted.ID, nil))
}

func TestRetryManagerStopCancelsPending(t *testing.T) {
	store := NewMockStore()
	broker := NewMemoryBroker()

	policy := testPolicy()
	policy.InitialDelay = 10 * time.Second
	manager, queue, _ := newTestRetryManager(store, broker, policy)

	failed := &AgentTask{ID: uuid.New(), AgentType: "research", Status: StatusFailed}
	store.Put(failed)

	require.True(t, manager.RetryTask(context.Background(), failed.ID, nil))
	manager.Stop()

	// The delay never elapsed: nothing was re-enqueued and the record is
	// still failed.
	assert.Nil(t, queue.Dequeue(context.Background(), 20*time.Millisecond))
	current, err := store.GetByID(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, current.Status)
}

func TestRetryWithBackoffSucceedsAfterFailures(t *testing.T) {
	policy := testPolicy()
	policy.InitialDelay = time.Millisecond
	policy.MaxDelay = 5 * time.Millisecond
	manager, _, _ := newTestRetryManager(NewMockStore(), NewMemoryBroker(), policy)
	defer manager.Stop()

	calls := 0
	err := manager.RetryWithBackoff(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoffExhaustsAttempts(t *testing.T) {
	policy := testPolicy()
	policy.InitialDelay = time.Millisecond
	policy.MaxDelay = 5 * time.Millisecond
	manager, _, _ := newTestRetryManager(NewMockStore(), NewMemoryBroker(), policy)
	defer manager.Stop()

	cause := errors.New("permanent")
	calls := 0
	err := manager.RetryWithBackoff(context.Background(), func(ctx context.Context) error {
		calls++
		return cause
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "all 3 attempts failed")
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoffContextCancelled(t *testing.T) {
	policy := testPolicy()
	policy.InitialDelay = 10 * time.Second
	manager, _, _ := newTestRetryManager(NewMockStore(), NewMemoryBroker(), policy)
	defer manager.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := manager.RetryWithBackoff(ctx, func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryFailedTasks(t *testing.T) {
	store := NewMockStore()
	broker := NewMemoryBroker()

	policy := testPolicy()
	policy.InitialDelay = 5 * time.Millisecond
	policy.MaxDelay = 20 * time.Millisecond
	manager, queue, _ := newTestRetryManager(store, broker, policy)
	defer manager.Stop()

	eligible := &AgentTask{ID: uuid.New(), AgentType: "research", Status: StatusFailed, RetryCount: 0, CreatedAt: time.Now().UTC()}
	exhausted := &AgentTask{ID: uuid.New(), AgentType: "research", Status: StatusFailed, RetryCount: 3, CreatedAt: time.Now().UTC()}
	completed := &AgentTask{ID: uuid.New(), AgentType: "research", Status: StatusCompleted, CreatedAt: time.Now().UTC()}
	store.Put(eligible)
	store.Put(exhausted)
	store.Put(completed)

	scheduled := manager.RetryFailedTasks(context.Background(), nil, nil)
	assert.Equal(t, 1, scheduled)

	msg := queue.Dequeue(context.Background(), time.Second)
	require.NotNil(t, msg)
	assert.Equal(t, eligible.ID, msg.TaskID)
}

func TestRetryFailedTasksSinceFilter(t *testing.T) {
	store := NewMockStore()
	manager, _, _ := newTestRetryManager(store, NewMemoryBroker(), testPolicy())
	defer manager.Stop()

	old := &AgentTask{ID: uuid.New(), AgentType: "research", Status: StatusFailed, CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	store.Put(old)

	since := time.Now().UTC().Add(-time.Hour)
	assert.Equal(t, 0, manager.RetryFailedTasks(context.Background(), &since, nil))
}
