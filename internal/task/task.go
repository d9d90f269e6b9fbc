package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of an agent task.
type Status string

// Possible task status values. A failed task may transition back to pending
// through the retry manager; completed is terminal.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// AgentTask is the persisted record for one unit of agent work. The record is
// owned by the task store; the queue only carries a lightweight QueueMessage
// referencing it by ID.
type AgentTask struct {
	ID           uuid.UUID       `json:"id"`
	AgentType    string          `json:"agent_type"`
	Status       Status          `json:"status"`
	InputData    json.RawMessage `json:"input_data"`
	OutputData   json.RawMessage `json:"output_data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	Priority     int             `json:"priority"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// QueueMessage is the ephemeral envelope that travels through the broker
// lists. It exists only inside the broker; losing the broker loses in-flight
// queue state while the task record itself survives in the store.
//
// Priority is advisory metadata: the broker lists are strict FIFO and do not
// reorder by it. Only store-level pending listings order by priority.
type QueueMessage struct {
	TaskID     uuid.UUID `json:"task_id"`
	AgentType  string    `json:"agent_type"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DeadLetter is the entry appended to the dead-letter queue when processing
// of a task fails.
type DeadLetter struct {
	TaskID   uuid.UUID `json:"task_id"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// Store is the narrow interface to the persistent task record store. The core
// treats the store as an external collaborator: it reads and updates task
// records but does not own their schema or locking. Concurrent updates to the
// same task ID are assumed to be serialized at the storage layer.
type Store interface {
	// Create persists a new task record in pending status.
	Create(ctx context.Context, agentType string, input json.RawMessage, priority int) (*AgentTask, error)

	// GetByID returns the task with the given ID, or ErrTaskNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*AgentTask, error)

	// UpdateStatus transitions a task to the given status. Entering
	// in_progress sets started_at; entering a terminal status sets
	// completed_at. Output and errorMessage are written when non-empty.
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, output json.RawMessage, errorMessage string) error

	// ResetForRetry atomically increments retry_count, resets status to
	// pending and clears error_message for a task currently in failed
	// status. Returns the updated record, or ErrTaskNotFound when the task
	// is absent or not failed.
	ResetForRetry(ctx context.Context, id uuid.UUID) (*AgentTask, error)

	// ListPending returns pending tasks ordered by priority (desc) then
	// creation time (asc). An empty agentType matches all types.
	ListPending(ctx context.Context, agentType string, limit int) ([]*AgentTask, error)

	// ListFailed returns failed tasks, newest first. A nil since returns
	// failures of any age.
	ListFailed(ctx context.Context, since *time.Time, limit int) ([]*AgentTask, error)

	// Delete removes a task record.
	Delete(ctx context.Context, id uuid.UUID) error

	// CleanupOlderThan deletes completed tasks whose completion is older
	// than the retention window, returning the number deleted.
	CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

// Broker is the FIFO list surface of the message broker used as queue
// transport. Push appends to the tail; BlockingPop removes from the head with
// a bounded wait, returning (nil, nil) when the wait times out with no
// message available. The broker guarantees that individual list operations
// are atomic with respect to each other.
type Broker interface {
	Push(ctx context.Context, key string, payload []byte) error
	BlockingPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error)
	Length(ctx context.Context, key string) (int64, error)
	Range(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	Remove(ctx context.Context, key string, payload []byte) error
}

// Handler is the capability surface an agent implementation must satisfy to
// process one task type. ValidateInput rejects structurally invalid payloads
// with a *ValidationError; Process performs the work and returns the output
// payload. The orchestrator treats a failure from either call identically:
// the task transitions to failed and is routed to the dead-letter queue.
type Handler interface {
	ValidateInput(ctx context.Context, input json.RawMessage) error
	Process(ctx context.Context, t *AgentTask) (json.RawMessage, error)
}

// Publisher publishes lifecycle events for other parts of the system to
// observe. Implementations must never block the caller on subscriber work.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data map[string]any, metadata map[string]any)
}
