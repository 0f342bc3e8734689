package jobstore

import (
	"context"
	"fmt"
	"time"
)

// Summary counts jobs and executions for status output.
type Summary struct {
	Jobs       map[Status]int          `json:"jobs"`
	Executions map[ExecutionStatus]int `json:"executions"`
	Callbacks  int                     `json:"callbacks"`
	OutboxHead int64                   `json:"outboxHead"`
}

// Stats returns a count of jobs grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Summarize aggregates store state for diagnostic output.
func (s *Store) Summarize(ctx context.Context) (Summary, error) {
	ctx = ensureContext(ctx)
	jobs, err := s.Stats(ctx)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{Jobs: jobs, Executions: make(map[ExecutionStatus]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM executions GROUP BY status`)
	if err != nil {
		return Summary{}, fmt.Errorf("execution stats: %w", err)
	}
	for rows.Next() {
		var status ExecutionStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			_ = rows.Close()
			return Summary{}, err
		}
		summary.Executions[status] = count
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return Summary{}, err
	}
	_ = rows.Close()

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM callbacks`).Scan(&summary.Callbacks); err != nil {
		return Summary{}, fmt.Errorf("callback stats: %w", err)
	}
	if summary.OutboxHead, err = s.LatestSeq(ctx); err != nil {
		return Summary{}, err
	}
	return summary, nil
}

// PurgeExecutions removes finished executions (and their checkpoints) that
// ended before cutoff.
func (s *Store) PurgeExecutions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`DELETE FROM executions WHERE status != ? AND finished_at IS NOT NULL AND finished_at < ?`,
		string(ExecutionRunning), cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("purge executions: %w", err)
	}
	return res.RowsAffected()
}
