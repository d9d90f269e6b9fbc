package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHandler implements the Handler interface for testing.
type stubHandler struct {
	validateFn func(ctx context.Context, input json.RawMessage) error
	processFn  func(ctx context.Context, t *AgentTask) (json.RawMessage, error)
}

func (h *stubHandler) ValidateInput(ctx context.Context, input json.RawMessage) error {
	if h.validateFn != nil {
		return h.validateFn(ctx, input)
	}
	return nil
}

func (h *stubHandler) Process(ctx context.Context, t *AgentTask) (json.RawMessage, error) {
	if h.processFn != nil {
		return h.processFn(ctx, t)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

type orchestratorFixture struct {
	store        *MockStore
	broker       *MemoryBroker
	queue        *TaskQueue
	publisher    *MockPublisher
	orchestrator *Orchestrator
}

func newOrchestratorFixture(t *testing.T, retry *RetryManager) *orchestratorFixture {
	t.Helper()
	logger := setupTestLogger()
	store := NewMockStore()
	broker := NewMemoryBroker()
	queue := NewTaskQueue(broker, logger)
	publisher := NewMockPublisher()

	config := OrchestratorConfig{
		WorkerCount:    2,
		DequeueTimeout: 20 * time.Millisecond,
		ErrorBackoff:   10 * time.Millisecond,
	}
	return &orchestratorFixture{
		store:        store,
		broker:       broker,
		queue:        queue,
		publisher:    publisher,
		orchestrator: NewOrchestrator(queue, store, publisher, retry, config, logger),
	}
}

func (f *orchestratorFixture) waitForStatus(t *testing.T, id uuid.UUID, want Status) *AgentTask {
	t.Helper()
	var current *AgentTask
	require.Eventually(t, func() bool {
		got, err := f.store.GetByID(context.Background(), id)
		if err != nil {
			return false
		}
		current = got
		return got.Status == want
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached status %s", id, want)
	return current
}

func TestOrchestratorProcessesTask(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.orchestrator.RegisterHandler("research", &stubHandler{
		processFn: func(ctx context.Context, task *AgentTask) (json.RawMessage, error) {
			return json.RawMessage(`{"answer":42}`), nil
		},
	})

	require.NoError(t, f.orchestrator.Start())
	defer f.orchestrator.Stop()

	submitted, err := f.orchestrator.SubmitTask(context.Background(), "research", json.RawMessage(`{"q":"x"}`), 0)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, submitted.Status)

	done := f.waitForStatus(t, submitted.ID, StatusCompleted)
	assert.JSONEq(t, `{"answer":42}`, string(done.OutputData))
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)

	// The completed task leaves every queue.
	require.Eventually(t, func() bool {
		return f.queue.Stats(context.Background()) == QueueStats{}
	}, 2*time.Second, 5*time.Millisecond)

	assert.Len(t, f.publisher.EventsOfType(EventTaskCreated), 1)
	assert.Len(t, f.publisher.EventsOfType(EventTaskStarted), 1)
	assert.Len(t, f.publisher.EventsOfType(EventTaskCompleted), 1)
	assert.Empty(t, f.publisher.EventsOfType(EventTaskFailed))
}

func TestOrchestratorHandlerFailure(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.orchestrator.RegisterHandler("research", &stubHandler{
		processFn: func(ctx context.Context, task *AgentTask) (json.RawMessage, error) {
			return nil, errors.New("upstream unavailable")
		},
	})

	require.NoError(t, f.orchestrator.Start())
	defer f.orchestrator.Stop()

	submitted, err := f.orchestrator.SubmitTask(context.Background(), "research", json.RawMessage(`{}`), 0)
	require.NoError(t, err)

	failed := f.waitForStatus(t, submitted.ID, StatusFailed)
	assert.Contains(t, failed.ErrorMessage, "upstream unavailable")
	assert.NotNil(t, failed.CompletedAt)

	letters := f.queue.DeadLetters(context.Background(), 10)
	require.Len(t, letters, 1)
	assert.Equal(t, submitted.ID, letters[0].TaskID)
	assert.Contains(t, letters[0].Error, "upstream unavailable")

	require.Eventually(t, func() bool {
		return len(f.publisher.EventsOfType(EventTaskFailed)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The failed task leaves the processing queue once dead-lettered.
	require.Eventually(t, func() bool {
		return f.queue.Stats(context.Background()).Processing == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOrchestratorValidationFailureNotRetried(t *testing.T) {
	logger := setupTestLogger()
	f := newOrchestratorFixture(t, nil)

	// Attach a real retry manager so a retryable failure would be rescheduled.
	policy := testPolicy()
	policy.InitialDelay = 5 * time.Millisecond
	retry := NewRetryManager(f.store, f.queue, f.publisher, policy, logger)
	defer retry.Stop()
	f.orchestrator.retry = retry

	f.orchestrator.RegisterHandler("research", &stubHandler{
		validateFn: func(ctx context.Context, input json.RawMessage) error {
			return NewValidationError("query is required")
		},
	})

	require.NoError(t, f.orchestrator.Start())
	defer f.orchestrator.Stop()

	submitted, err := f.orchestrator.SubmitTask(context.Background(), "research", json.RawMessage(`{}`), 0)
	require.NoError(t, err)

	failed := f.waitForStatus(t, submitted.ID, StatusFailed)
	assert.Contains(t, failed.ErrorMessage, "query is required")

	// Invalid input is a permanent failure: no retry is ever scheduled.
	time.Sleep(50 * time.Millisecond)
	current, err := f.store.GetByID(context.Background(), submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, current.Status)
	assert.Equal(t, 0, current.RetryCount)
	assert.Empty(t, f.publisher.EventsOfType(EventTaskRetried))
}

func TestOrchestratorRetriesHandlerFailure(t *testing.T) {
	logger := setupTestLogger()
	f := newOrchestratorFixture(t, nil)

	policy := testPolicy()
	policy.InitialDelay = 5 * time.Millisecond
	policy.MaxDelay = 20 * time.Millisecond
	retry := NewRetryManager(f.store, f.queue, f.publisher, policy, logger)
	defer retry.Stop()
	f.orchestrator.retry = retry

	attempts := 0
	f.orchestrator.RegisterHandler("research", &stubHandler{
		processFn: func(ctx context.Context, task *AgentTask) (json.RawMessage, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("transient upstream error")
			}
			return json.RawMessage(`{"ok":true}`), nil
		},
	})

	require.NoError(t, f.orchestrator.Start())
	defer f.orchestrator.Stop()

	submitted, err := f.orchestrator.SubmitTask(context.Background(), "research", json.RawMessage(`{}`), 0)
	require.NoError(t, err)

	done := f.waitForStatus(t, submitted.ID, StatusCompleted)
	assert.Equal(t, 1, done.RetryCount)
	assert.Len(t, f.publisher.EventsOfType(EventTaskRetried), 1)
}

func TestOrchestratorUnregisteredAgentType(t *testing.T) {
	f := newOrchestratorFixture(t, nil)

	require.NoError(t, f.orchestrator.Start())
	defer f.orchestrator.Stop()

	submitted, err := f.orchestrator.SubmitTask(context.Background(), "unknown", json.RawMessage(`{}`), 0)
	require.NoError(t, err)

	failed := f.waitForStatus(t, submitted.ID, StatusFailed)
	assert.ErrorContains(t, errors.New(failed.ErrorMessage), "no handler registered")

	letters := f.queue.DeadLetters(context.Background(), 10)
	require.Len(t, letters, 1)
	assert.Equal(t, submitted.ID, letters[0].TaskID)
}

func TestOrchestratorHandlerPanic(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.orchestrator.RegisterHandler("research", &stubHandler{
		processFn: func(ctx context.Context, task *AgentTask) (json.RawMessage, error) {
			panic("boom")
		},
	})

	require.NoError(t, f.orchestrator.Start())
	defer f.orchestrator.Stop()

	submitted, err := f.orchestrator.SubmitTask(context.Background(), "research", json.RawMessage(`{}`), 0)
	require.NoError(t, err)

	failed := f.waitForStatus(t, submitted.ID, StatusFailed)
	assert.Contains(t, failed.ErrorMessage, "handler panic")

	// The worker survived the panic and keeps processing.
	f.orchestrator.RegisterHandler("echo", &stubHandler{})
	next, err := f.orchestrator.SubmitTask(context.Background(), "echo", json.RawMessage(`{}`), 0)
	require.NoError(t, err)
	f.waitForStatus(t, next.ID, StatusCompleted)
}

func TestOrchestratorStartTwice(t *testing.T) {
	f := newOrchestratorFixture(t, nil)

	require.NoError(t, f.orchestrator.Start())
	defer f.orchestrator.Stop()

	assert.ErrorIs(t, f.orchestrator.Start(), ErrAlreadyRunning)
}

func TestOrchestratorRegisterHandlerDuringStart(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.orchestrator.RegisterHandler("echo", &stubHandler{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			f.orchestrator.RegisterHandler(fmt.Sprintf("type_%d", i), &stubHandler{})
		}
	}()

	require.NoError(t, f.orchestrator.Start())
	<-done
	f.orchestrator.Stop()
}

func TestOrchestratorStopIdempotent(t *testing.T) {
	f := newOrchestratorFixture(t, nil)

	require.NoError(t, f.orchestrator.Start())
	f.orchestrator.Stop()
	f.orchestrator.Stop()

	// A stopped orchestrator can be started again.
	require.NoError(t, f.orchestrator.Start())
	f.orchestrator.Stop()
}

func TestOrchestratorGracefulStop(t *testing.T) {
	f := newOrchestratorFixture(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	f.orchestrator.RegisterHandler("slow", &stubHandler{
		processFn: func(ctx context.Context, task *AgentTask) (json.RawMessage, error) {
			close(started)
			<-release
			return json.RawMessage(`{"ok":true}`), nil
		},
	})

	require.NoError(t, f.orchestrator.Start())

	submitted, err := f.orchestrator.SubmitTask(context.Background(), "slow", json.RawMessage(`{}`), 0)
	require.NoError(t, err)

	<-started
	stopDone := make(chan struct{})
	go func() {
		f.orchestrator.Stop()
		close(stopDone)
	}()

	// Stop must wait for the in-flight handler rather than aborting it.
	select {
	case <-stopDone:
		t.Fatal("Stop returned while a handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for Stop")
	}

	current, err := f.store.GetByID(context.Background(), submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, current.Status)
}

func TestSubmitTaskEnqueueFailure(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.broker.SetFail(true)

	submitted, err := f.orchestrator.SubmitTask(context.Background(), "research", json.RawMessage(`{}`), 0)
	require.Error(t, err)
	require.NotNil(t, submitted)
	assert.Contains(t, err.Error(), "created but not enqueued")

	// The record exists even though the message never made it to the queue.
	current, getErr := f.store.GetByID(context.Background(), submitted.ID)
	require.NoError(t, getErr)
	assert.Equal(t, StatusPending, current.Status)
	assert.Empty(t, f.publisher.EventsOfType(EventTaskCreated))
}

func TestOrchestratorStats(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.orchestrator.RegisterHandler("research", &stubHandler{})
	f.orchestrator.RegisterHandler("synthesis", &stubHandler{})

	stats := f.orchestrator.Stats(context.Background())
	assert.False(t, stats.Running)
	assert.Equal(t, 2, stats.WorkerCount)
	assert.Equal(t, []string{"research", "synthesis"}, stats.AgentTypes)

	require.NoError(t, f.orchestrator.Start())
	defer f.orchestrator.Stop()

	stats = f.orchestrator.Stats(context.Background())
	assert.True(t, stats.Running)
}
