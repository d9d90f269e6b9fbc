package maintenance

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurora-assess/agentcore/internal/task"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func newTestScheduler(config Config) (*Scheduler, *task.MockStore, *task.TaskQueue) {
	logger := setupTestLogger()
	store := task.NewMockStore()
	queue := task.NewTaskQueue(task.NewMemoryBroker(), logger)
	retry := task.NewRetryManager(store, queue, nil, task.RetryPolicy{
		MaxAttempts:     3,
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		ExponentialBase: 2.0,
	}, logger)
	return NewScheduler(store, retry, config, logger), store, queue
}

func TestRunCleanup(t *testing.T) {
	s, store, _ := newTestScheduler(Config{Retention: 24 * time.Hour})

	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC().Add(-time.Hour)
	store.Put(&task.AgentTask{ID: uuid.New(), AgentType: "research", Status: task.StatusCompleted, CompletedAt: &old})
	store.Put(&task.AgentTask{ID: uuid.New(), AgentType: "research", Status: task.StatusCompleted, CompletedAt: &recent})
	failedOld := &task.AgentTask{ID: uuid.New(), AgentType: "research", Status: task.StatusFailed, CreatedAt: old}
	store.Put(failedOld)

	s.runCleanup()

	// Only the completed task outside the retention window is removed.
	_, err := store.GetByID(context.Background(), failedOld.ID)
	assert.NoError(t, err)
	remaining, err := store.ListFailed(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestRunRetrySweep(t *testing.T) {
	config := Config{RetrySweepWindow: 24 * time.Hour}
	s, store, queue := newTestScheduler(config)
	defer s.retry.Stop()

	inWindow := &task.AgentTask{ID: uuid.New(), AgentType: "research", Status: task.StatusFailed, CreatedAt: time.Now().UTC()}
	outOfWindow := &task.AgentTask{ID: uuid.New(), AgentType: "research", Status: task.StatusFailed, CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	store.Put(inWindow)
	store.Put(outOfWindow)

	s.runRetrySweep()

	msg := queue.Dequeue(context.Background(), time.Second)
	require.NotNil(t, msg)
	assert.Equal(t, inWindow.ID, msg.TaskID)
	assert.Nil(t, queue.Dequeue(context.Background(), 20*time.Millisecond))
}

func TestSchedulerStartStop(t *testing.T) {
	s, _, _ := newTestScheduler(Config{
		CleanupSchedule:    "0 3 * * *",
		Retention:          24 * time.Hour,
		RetrySweepSchedule: "*/15 * * * *",
		RetrySweepWindow:   24 * time.Hour,
	})

	require.NoError(t, s.Start())
	s.Stop()
}

func TestSchedulerInvalidSchedule(t *testing.T) {
	s, _, _ := newTestScheduler(Config{
		CleanupSchedule:    "not a cron expression",
		RetrySweepSchedule: "*/15 * * * *",
	})

	assert.Error(t, s.Start())
}
