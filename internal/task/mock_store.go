package task

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore implements the Store interface in memory for testing. Individual
// operations can be overridden through the *Fn fields; unset fields fall
// back to the built-in map-backed behavior.
type MockStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*AgentTask

	CreateFn        func(ctx context.Context, agentType string, input json.RawMessage, priority int) (*AgentTask, error)
	GetByIDFn       func(ctx context.Context, id uuid.UUID) (*AgentTask, error)
	UpdateStatusFn  func(ctx context.Context, id uuid.UUID, status Status, output json.RawMessage, errorMessage string) error
	ResetForRetryFn func(ctx context.Context, id uuid.UUID) (*AgentTask, error)
	ListFailedFn    func(ctx context.Context, since *time.Time, limit int) ([]*AgentTask, error)
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		tasks: make(map[uuid.UUID]*AgentTask),
	}
}

// Put seeds the store with a task record.
func (s *MockStore) Put(t *AgentTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
}

// Create persists a new pending task record.
func (s *MockStore) Create(ctx context.Context, agentType string, input json.RawMessage, priority int) (*AgentTask, error) {
	if s.CreateFn != nil {
		return s.CreateFn(ctx, agentType, input, priority)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t := &AgentTask{
		ID:        uuid.New(),
		AgentType: agentType,
		Status:    StatusPending,
		InputData: input,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
	s.tasks[t.ID] = t
	cp := *t
	return &cp, nil
}

// GetByID returns a copy of the stored task or ErrTaskNotFound.
func (s *MockStore) GetByID(ctx context.Context, id uuid.UUID) (*AgentTask, error) {
	if s.GetByIDFn != nil {
		return s.GetByIDFn(ctx, id)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// UpdateStatus applies the status transition, maintaining the lifecycle
// timestamps the same way the real store does.
func (s *MockStore) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, output json.RawMessage, errorMessage string) error {
	if s.UpdateStatusFn != nil {
		return s.UpdateStatusFn(ctx, id, status, output, errorMessage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}

	now := time.Now().UTC()
	t.Status = status
	switch {
	case status == StatusInProgress && t.StartedAt == nil:
		t.StartedAt = &now
	case status.Terminal() && t.CompletedAt == nil:
		t.CompletedAt = &now
	}
	if output != nil {
		t.OutputData = output
	}
	if errorMessage != "" {
		t.ErrorMessage = errorMessage
	}
	return nil
}

// ResetForRetry increments retry_count and resets a failed task to pending.
func (s *MockStore) ResetForRetry(ctx context.Context, id uuid.UUID) (*AgentTask, error) {
	if s.ResetForRetryFn != nil {
		return s.ResetForRetryFn(ctx, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != StatusFailed {
		return nil, ErrTaskNotFound
	}
	t.RetryCount++
	t.Status = StatusPending
	t.ErrorMessage = ""
	cp := *t
	return &cp, nil
}

// ListPending returns pending tasks ordered by priority desc, created asc.
func (s *MockStore) ListPending(ctx context.Context, agentType string, limit int) ([]*AgentTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AgentTask
	for _, t := range s.tasks {
		if t.Status != StatusPending {
			continue
		}
		if agentType != "" && t.AgentType != agentType {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListFailed returns failed tasks, newest first.
func (s *MockStore) ListFailed(ctx context.Context, since *time.Time, limit int) ([]*AgentTask, error) {
	if s.ListFailedFn != nil {
		return s.ListFailedFn(ctx, since, limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AgentTask
	for _, t := range s.tasks {
		if t.Status != StatusFailed {
			continue
		}
		if since != nil && t.CreatedAt.Before(*since) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes a task record.
func (s *MockStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(s.tasks, id)
	return nil
}

// CleanupOlderThan deletes completed tasks older than the retention window.
func (s *MockStore) CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention)
	var deleted int64
	for id, t := range s.tasks {
		if t.Status == StatusCompleted && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

var _ Store = (*MockStore)(nil)

// MockPublisher records published events for assertions in tests.
type MockPublisher struct {
	mu     sync.Mutex
	events []PublishedEvent
}

// PublishedEvent is one recorded Publish call.
type PublishedEvent struct {
	Type     string
	Data     map[string]any
	Metadata map[string]any
}

// NewMockPublisher creates an empty MockPublisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// Publish records the event.
func (p *MockPublisher) Publish(ctx context.Context, eventType string, data map[string]any, metadata map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, PublishedEvent{Type: eventType, Data: data, Metadata: metadata})
}

// Events returns a snapshot of all recorded events.
func (p *MockPublisher) Events() []PublishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PublishedEvent, len(p.events))
	copy(out, p.events)
	return out
}

// EventsOfType returns recorded events matching the given type.
func (p *MockPublisher) EventsOfType(eventType string) []PublishedEvent {
	var out []PublishedEvent
	for _, e := range p.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

var _ Publisher = (*MockPublisher)(nil)
