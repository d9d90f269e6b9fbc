// Package api exposes the agent monitoring and management HTTP surface:
// orchestrator and queue statistics, task inspection, task submission, and
// retry triggers.
package api

import (
	"encoding/json"
	"time"

	"github.com/aurora-assess/agentcore/internal/task"
)

// SubmitTaskRequest is the payload for creating a new agent task.
type SubmitTaskRequest struct {
	AgentType string          `json:"agent_type"`
	InputData json.RawMessage `json:"input_data"`
	Priority  int             `json:"priority"`
}

// RetryTaskRequest optionally overrides the retry policy for a manual retry.
type RetryTaskRequest struct {
	MaxAttempts  int     `json:"max_attempts,omitempty"`
	InitialDelay float64 `json:"initial_delay_seconds,omitempty"`
}

// RetryFailedRequest bounds a batch retry to tasks that failed within the
// given window. Zero means no bound.
type RetryFailedRequest struct {
	SinceHours int `json:"since_hours,omitempty"`
}

// TaskResponse is the external representation of a task record.
type TaskResponse struct {
	ID           string          `json:"id"`
	AgentType    string          `json:"agent_type"`
	Status       string          `json:"status"`
	InputData    json.RawMessage `json:"input_data"`
	OutputData   json.RawMessage `json:"output_data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	Priority     int             `json:"priority"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// NewTaskResponse converts a task record to its API representation.
func NewTaskResponse(t *task.AgentTask) TaskResponse {
	return TaskResponse{
		ID:           t.ID.String(),
		AgentType:    t.AgentType,
		Status:       string(t.Status),
		InputData:    t.InputData,
		OutputData:   t.OutputData,
		ErrorMessage: t.ErrorMessage,
		RetryCount:   t.RetryCount,
		Priority:     t.Priority,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
	}
}

// NewTaskListResponse converts a slice of task records.
func NewTaskListResponse(tasks []*task.AgentTask) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, NewTaskResponse(t))
	}
	return out
}
