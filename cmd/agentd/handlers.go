package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aurora-assess/agentcore/internal/task"
)

// registerHandlers wires the agent implementations into the orchestrator.
// Deployments embed their own handlers here.
func registerHandlers(o *task.Orchestrator) {
	o.RegisterHandler("echo", &echoHandler{})
}

// echoHandler is a trivial built-in agent that returns its input. It is
// useful for smoke-testing the queue path end to end.
type echoHandler struct{}

type echoInput struct {
	Message string `json:"message"`
}

func (h *echoHandler) ValidateInput(_ context.Context, input json.RawMessage) error {
	var in echoInput
	if err := json.Unmarshal(input, &in); err != nil {
		return task.NewValidationError("input must be a JSON object")
	}
	if in.Message == "" {
		return task.NewValidationError("message is required")
	}
	return nil
}

func (h *echoHandler) Process(_ context.Context, t *task.AgentTask) (json.RawMessage, error) {
	var in echoInput
	if err := json.Unmarshal(t.InputData, &in); err != nil {
		return nil, task.NewValidationError("input must be a JSON object")
	}
	out, err := json.Marshal(map[string]any{
		"message":      in.Message,
		"processed_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
