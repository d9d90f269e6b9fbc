package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aurora-assess/agentcore/internal/task"
)

// taskColumns is the select list shared by every query that scans a full
// task row.
const taskColumns = `id, agent_type, status, input_data, output_data,
	error_message, retry_count, priority, created_at, started_at, completed_at`

// DBTX abstracts the database access layer. It is implemented by both
// *sql.DB and *sql.Tx, so the store works inside or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TaskStore implements the task.Store interface on PostgreSQL.
type TaskStore struct {
	db     DBTX
	logger *slog.Logger
}

// NewTaskStore creates a TaskStore over the given connection or transaction.
func NewTaskStore(db DBTX, logger *slog.Logger) *TaskStore {
	return &TaskStore{
		db:     db,
		logger: logger.With("component", "task_store"),
	}
}

// Create persists a new task record in pending status.
func (s *TaskStore) Create(ctx context.Context, agentType string, input json.RawMessage, priority int) (*task.AgentTask, error) {
	t := &task.AgentTask{
		ID:        uuid.New(),
		AgentType: agentType,
		Status:    task.StatusPending,
		InputData: input,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO agent_tasks (id, agent_type, status, input_data, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := s.db.ExecContext(ctx, query,
		t.ID, t.AgentType, t.Status, []byte(t.InputData), t.Priority, t.CreatedAt,
	); err != nil {
		s.logger.Error("failed to create task record",
			"agent_type", agentType,
			"error", err)
		return nil, fmt.Errorf("failed to create task record: %w", mapError(err))
	}

	return t, nil
}

// GetByID returns the task with the given ID, or task.ErrTaskNotFound.
func (s *TaskStore) GetByID(ctx context.Context, id uuid.UUID) (*task.AgentTask, error) {
	query := `SELECT ` + taskColumns + ` FROM agent_tasks WHERE id = $1`
	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, mapError(err))
	}
	return t, nil
}

// UpdateStatus transitions a task to the given status. Entering in_progress
// sets started_at (exactly once); entering a terminal status sets
// completed_at (exactly once). Output and errorMessage are written only when
// provided.
func (s *TaskStore) UpdateStatus(ctx context.Context, id uuid.UUID, status task.Status, output json.RawMessage, errorMessage string) error {
	query := `
		UPDATE agent_tasks
		SET status = $2::text,
		    started_at = CASE WHEN $2::text = 'in_progress' AND started_at IS NULL THEN now() ELSE started_at END,
		    completed_at = CASE WHEN $2::text IN ('completed', 'failed') AND completed_at IS NULL THEN now() ELSE completed_at END,
		    output_data = COALESCE($3::jsonb, output_data),
		    error_message = CASE WHEN $4::text = '' THEN error_message ELSE $4::text END
		WHERE id = $1
	`

	var outputArg any
	if output != nil {
		outputArg = []byte(output)
	}

	res, err := s.db.ExecContext(ctx, query, id, status, outputArg, errorMessage)
	if err != nil {
		s.logger.Error("failed to update task status",
			"task_id", id,
			"status", status,
			"error", err)
		return fmt.Errorf("failed to update task status: %w", mapError(err))
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

// ResetForRetry atomically increments retry_count, resets a failed task to
// pending and clears its error message, returning the updated record. Tasks
// that are absent or not failed yield task.ErrTaskNotFound.
func (s *TaskStore) ResetForRetry(ctx context.Context, id uuid.UUID) (*task.AgentTask, error) {
	query := `
		UPDATE agent_tasks
		SET retry_count = retry_count + 1,
		    status = 'pending',
		    error_message = NULL,
		    completed_at = NULL
		WHERE id = $1 AND status = 'failed'
		RETURNING ` + taskColumns

	t, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to reset task %s for retry: %w", id, mapError(err))
	}
	return t, nil
}

// ListPending returns pending tasks ordered by priority (desc) then creation
// time (asc). An empty agentType matches all types.
func (s *TaskStore) ListPending(ctx context.Context, agentType string, limit int) ([]*task.AgentTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM agent_tasks
		WHERE status = 'pending' AND ($1 = '' OR agent_type = $1)
		ORDER BY priority DESC, created_at ASC
		LIMIT $2
	`
	return s.queryTasks(ctx, query, agentType, limit)
}

// ListFailed returns failed tasks, newest first. A nil since returns
// failures of any age.
func (s *TaskStore) ListFailed(ctx context.Context, since *time.Time, limit int) ([]*task.AgentTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM agent_tasks
		WHERE status = 'failed' AND ($1::timestamptz IS NULL OR created_at >= $1)
		ORDER BY created_at DESC
		LIMIT $2
	`
	return s.queryTasks(ctx, query, since, limit)
}

// Delete removes a task record.
func (s *TaskStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, mapError(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

// CleanupOlderThan deletes completed tasks whose completion is older than
// the retention window, returning the number deleted.
func (s *TaskStore) CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_tasks WHERE status = 'completed' AND completed_at < $1`,
		cutoff,
	)
	if err != nil {
		s.logger.Error("failed to clean up old tasks", "error", err)
		return 0, fmt.Errorf("failed to clean up old tasks: %w", mapError(err))
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	s.logger.Info("old tasks cleaned up",
		"count", deleted,
		"cutoff", cutoff)
	return deleted, nil
}

func (s *TaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*task.AgentTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", mapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []*task.AgentTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return out, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.AgentTask, error) {
	var (
		t            task.AgentTask
		inputData    []byte
		outputData   []byte
		errorMessage sql.NullString
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)

	if err := row.Scan(
		&t.ID, &t.AgentType, &t.Status, &inputData, &outputData,
		&errorMessage, &t.RetryCount, &t.Priority, &t.CreatedAt,
		&startedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	t.InputData = json.RawMessage(inputData)
	if outputData != nil {
		t.OutputData = json.RawMessage(outputData)
	}
	if errorMessage.Valid {
		t.ErrorMessage = errorMessage.String
	}
	if startedAt.Valid {
		started := startedAt.Time
		t.StartedAt = &started
	}
	if completedAt.Valid {
		completed := completedAt.Time
		t.CompletedAt = &completed
	}
	return &t, nil
}

var _ task.Store = (*TaskStore)(nil)
