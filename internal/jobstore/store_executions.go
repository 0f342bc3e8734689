package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"doctranslate/internal/events"
)

// CreateExecution journals a new RUNNING execution. A name that is already
// journaled fails with ErrExecutionExists.
func (s *Store) CreateExecution(ctx context.Context, exec Execution) error {
	if exec.Name == "" || exec.Pipeline == "" {
		return fmt.Errorf("%w: execution name and pipeline are required", ErrInvalid)
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = s.now()
	}
	if exec.Status == "" {
		exec.Status = ExecutionRunning
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
             ON CONFLICT(name) DO NOTHING`,
			exec.Name, exec.Pipeline, nullableString(exec.JobID), nullableJSON(exec.Input), nil,
			string(exec.Status), nil, exec.StartedAt.UTC().Format(timeLayout),
			nullableTime(exec.Deadline), nil, nil,
		)
		if err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("%w: %s", ErrExecutionExists, exec.Name)
		}
		return nil
	})
}

// FinishExecution records the terminal state of a RUNNING execution. Failed,
// timed-out and aborted executions also append an execution.failed event in
// the same transaction. Finishing an execution that already finished is a
// no-op.
func (s *Store) FinishExecution(ctx context.Context, name string, status ExecutionStatus, output json.RawMessage, errMsg string) error {
	if status == ExecutionRunning || status == "" {
		return fmt.Errorf("%w: %q is not a terminal execution status", ErrInvalid, status)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		exec, err := loadExecution(ctx, tx, name)
		if err != nil {
			return err
		}
		if exec.Status != ExecutionRunning {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE executions SET status = ?, output = ?, error = ?, finished_at = ? WHERE name = ?",
			string(status), nullableJSON(output), nullableString(errMsg), s.timestamp(), name,
		); err != nil {
			return fmt.Errorf("finish execution: %w", err)
		}
		if status == ExecutionSucceeded {
			return nil
		}
		_, err = s.appendEvent(ctx, tx, events.TopicExecutionFailed, exec.JobID, events.ExecutionFailure{
			Execution: name,
			Pipeline:  exec.Pipeline,
			JobID:     exec.JobID,
			Status:    string(status),
			Error:     errMsg,
		})
		return err
	})
}

// TouchExecution refreshes the heartbeat of a RUNNING execution.
func (s *Store) TouchExecution(ctx context.Context, name string) error {
	if _, err := s.execWithRetry(ctx,
		"UPDATE executions SET heartbeat_at = ? WHERE name = ? AND status = ?",
		s.timestamp(), name, string(ExecutionRunning),
	); err != nil {
		return fmt.Errorf("touch execution: %w", err)
	}
	return nil
}

// Execution returns one journaled execution.
func (s *Store) Execution(ctx context.Context, name string) (*Execution, error) {
	return loadExecution(ensureContext(ctx), s.db, name)
}

// ListExecutions returns journaled executions, newest first.
func (s *Store) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+makePlaceholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	if filter.JobID != "" {
		clauses = append(clauses, "job_id = ?")
		args = append(args, filter.JobID)
	}
	query := "SELECT " + executionColumns + " FROM executions"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC, name"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// StaleExecutions returns RUNNING executions whose last heartbeat (or start,
// when none was recorded) is older than cutoff.
func (s *Store) StaleExecutions(ctx context.Context, cutoff time.Time) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		"SELECT "+executionColumns+" FROM executions WHERE status = ? AND COALESCE(heartbeat_at, started_at) < ? ORDER BY started_at",
		string(ExecutionRunning), cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("list stale executions: %w", err)
	}
	defer rows.Close()
	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// SaveCheckpoint records the output of a completed step. An existing
// checkpoint for the same path is kept.
func (s *Store) SaveCheckpoint(ctx context.Context, execution, path string, output json.RawMessage) error {
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO checkpoints (execution, path, output, created_at) VALUES (?, ?, ?, ?)
         ON CONFLICT(execution, path) DO NOTHING`,
		execution, path, nullableJSON(output), s.timestamp(),
	); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", path, err)
	}
	return nil
}

// LoadCheckpoint returns the recorded output of a step, if any.
func (s *Store) LoadCheckpoint(ctx context.Context, execution, path string) (json.RawMessage, bool, error) {
	var output sql.NullString
	err := s.db.QueryRowContext(ensureContext(ctx),
		"SELECT output FROM checkpoints WHERE execution = ? AND path = ?",
		execution, path,
	).Scan(&output)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	if !output.Valid {
		return json.RawMessage("null"), true, nil
	}
	return json.RawMessage(output.String), true, nil
}

func loadExecution(ctx context.Context, q queryer, name string) (*Execution, error) {
	exec, err := scanExecution(q.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM executions WHERE name = ?", name))
	if err != nil {
		if errors.Is(notFound(err), ErrNotFound) {
			return nil, fmt.Errorf("%w: execution %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("load execution: %w", err)
	}
	return exec, nil
}
