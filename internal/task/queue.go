package task

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Broker list keys for the three queues.
const (
	MainQueueKey       = "agent:tasks:main"
	ProcessingQueueKey = "agent:tasks:processing"
	DeadLetterQueueKey = "agent:tasks:dlq"
)

// QueueStats holds point-in-time lengths of the three queues. Each length is
// read independently; no consistency is guaranteed across the three numbers.
type QueueStats struct {
	Main       int64 `json:"main_queue"`
	Processing int64 `json:"processing_queue"`
	DeadLetter int64 `json:"dead_letter_queue"`
}

// TaskQueue is the durable hand-off point between producers and workers,
// built on the broker's FIFO lists: a main queue for pending messages, a
// processing queue marking work in flight, and a dead-letter queue for
// failures.
//
// Broker-communication failures are logged and surfaced as false/empty
// results rather than propagated: the queue favors keeping the calling loop
// alive over strict error propagation.
type TaskQueue struct {
	broker Broker
	logger *slog.Logger
}

// NewTaskQueue creates a TaskQueue on top of the given broker.
func NewTaskQueue(broker Broker, logger *slog.Logger) *TaskQueue {
	return &TaskQueue{
		broker: broker,
		logger: logger.With("component", "task_queue"),
	}
}

// Enqueue appends a message for the given task to the tail of the main
// queue. It never blocks. A false return means the message is not queued and
// the caller may retry the enqueue itself.
func (q *TaskQueue) Enqueue(ctx context.Context, taskID uuid.UUID, agentType string, priority int) bool {
	msg := QueueMessage{
		TaskID:     taskID,
		AgentType:  agentType,
		Priority:   priority,
		EnqueuedAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		q.logger.Error("failed to serialize queue message",
			"task_id", taskID,
			"error", err)
		return false
	}

	if err := q.broker.Push(ctx, MainQueueKey, payload); err != nil {
		q.logger.Error("failed to enqueue task",
			"task_id", taskID,
			"agent_type", agentType,
			"error", err)
		return false
	}

	q.logger.Info("task enqueued",
		"task_id", taskID,
		"agent_type", agentType,
		"priority", priority)
	return true
}

// Dequeue blocks for up to timeout waiting for the next message at the head
// of the main queue. On success the same serialized message is also pushed
// onto the processing queue as an at-least-once signal that work is in
// flight. A nil result is the normal "no work available" path, not an error.
func (q *TaskQueue) Dequeue(ctx context.Context, timeout time.Duration) *QueueMessage {
	payload, err := q.broker.BlockingPop(ctx, MainQueueKey, timeout)
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error("failed to dequeue task", "error", err)
		}
		return nil
	}
	if payload == nil {
		// Timed out with no message available.
		return nil
	}

	var msg QueueMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		q.logger.Error("discarding malformed queue message", "error", err)
		return nil
	}

	// The raw payload is pushed unchanged so that Complete can later remove
	// the exact same serialized entry from the processing list.
	if err := q.broker.Push(ctx, ProcessingQueueKey, payload); err != nil {
		q.logger.Error("failed to move task to processing queue",
			"task_id", msg.TaskID,
			"error", err)
	}

	q.logger.Info("task dequeued",
		"task_id", msg.TaskID,
		"agent_type", msg.AgentType)
	return &msg
}

// Complete removes the task's entry from the processing queue. After a
// successful Complete the task is absent from the processing view.
//
// The lookup scans the processing list linearly, which is O(n) in the number
// of in-flight tasks. The scan is acceptable at moderate queue depths; a
// keyed processing set would preserve the same observable contract at O(1).
func (q *TaskQueue) Complete(ctx context.Context, taskID uuid.UUID) bool {
	entries, err := q.broker.Range(ctx, ProcessingQueueKey, 0, -1)
	if err != nil {
		q.logger.Error("failed to read processing queue",
			"task_id", taskID,
			"error", err)
		return false
	}

	for _, entry := range entries {
		var msg QueueMessage
		if err := json.Unmarshal(entry, &msg); err != nil {
			continue
		}
		if msg.TaskID != taskID {
			continue
		}
		if err := q.broker.Remove(ctx, ProcessingQueueKey, entry); err != nil {
			q.logger.Error("failed to remove task from processing queue",
				"task_id", taskID,
				"error", err)
			return false
		}
		q.logger.Info("task removed from processing queue", "task_id", taskID)
		return true
	}

	return false
}

// MoveToDLQ appends a dead-letter entry for the task. The task's processing
// queue entry is not removed here: callers own that cleanup, so a task may
// transiently appear in both the processing and dead-letter views.
func (q *TaskQueue) MoveToDLQ(ctx context.Context, taskID uuid.UUID, errMsg string) bool {
	entry := DeadLetter{
		TaskID:   taskID,
		Error:    errMsg,
		FailedAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		q.logger.Error("failed to serialize dead-letter entry",
			"task_id", taskID,
			"error", err)
		return false
	}

	if err := q.broker.Push(ctx, DeadLetterQueueKey, payload); err != nil {
		q.logger.Error("failed to move task to dead-letter queue",
			"task_id", taskID,
			"error", err)
		return false
	}

	q.logger.Warn("task moved to dead-letter queue",
		"task_id", taskID,
		"error", errMsg)
	return true
}

// DeadLetters returns up to limit entries from the head of the dead-letter
// queue without removing them. Malformed entries are skipped.
func (q *TaskQueue) DeadLetters(ctx context.Context, limit int64) []DeadLetter {
	stop := limit - 1
	if limit <= 0 {
		stop = -1
	}

	entries, err := q.broker.Range(ctx, DeadLetterQueueKey, 0, stop)
	if err != nil {
		q.logger.Error("failed to read dead-letter queue", "error", err)
		return nil
	}

	letters := make([]DeadLetter, 0, len(entries))
	for _, entry := range entries {
		var dl DeadLetter
		if err := json.Unmarshal(entry, &dl); err != nil {
			continue
		}
		letters = append(letters, dl)
	}
	return letters
}

// Stats returns the current length of each queue. A length that cannot be
// read is reported as zero.
func (q *TaskQueue) Stats(ctx context.Context) QueueStats {
	return QueueStats{
		Main:       q.queueLength(ctx, MainQueueKey),
		Processing: q.queueLength(ctx, ProcessingQueueKey),
		DeadLetter: q.queueLength(ctx, DeadLetterQueueKey),
	}
}

func (q *TaskQueue) queueLength(ctx context.Context, key string) int64 {
	n, err := q.broker.Length(ctx, key)
	if err != nil {
		q.logger.Error("failed to read queue length",
			"queue", key,
			"error", err)
		return 0
	}
	return n
}
