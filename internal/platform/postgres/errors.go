package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aurora-assess/agentcore/internal/task"
)

// PostgreSQL error codes the store cares about.
const (
	uniqueViolationCode = "23505"
)

// mapError translates database errors into the task package's domain errors,
// wrapping the original error to preserve context.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", task.ErrTaskNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return fmt.Errorf("%w: %v", task.ErrDuplicateTask, err)
	}

	return err
}
