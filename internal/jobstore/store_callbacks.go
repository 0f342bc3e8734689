package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// RegisterCallback claims the (purpose, key) slot for a suspended step. An
// occupied slot, parked or not, fails with ErrCallbackExists.
func (s *Store) RegisterCallback(ctx context.Context, cb Callback) error {
	if cb.Purpose == "" || cb.Key == "" || cb.Token == "" {
		return fmt.Errorf("%w: callback purpose, key and token are required", ErrInvalid)
	}
	res, err := s.execWithRetry(ctx,
		`INSERT INTO callbacks (`+callbackColumns+`) VALUES (?, ?, ?, ?, ?, NULL, ?)
         ON CONFLICT(purpose, key) DO NOTHING`,
		cb.Purpose, cb.Key, cb.Token, nullableString(cb.Execution), nullableString(cb.Path), s.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("insert callback: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrCallbackExists, cb.Purpose, cb.Key)
	}
	return nil
}

// ParkCallback stores an early delivery for (purpose, key). A newer delivery
// replaces an older parked payload. A slot already holding a token fails with
// ErrCallbackExists so the caller resolves it instead.
func (s *Store) ParkCallback(ctx context.Context, purpose, key string, payload json.RawMessage) error {
	res, err := s.execWithRetry(ctx,
		`INSERT INTO callbacks (`+callbackColumns+`) VALUES (?, ?, NULL, NULL, NULL, ?, ?)
         ON CONFLICT(purpose, key) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at
         WHERE callbacks.token IS NULL`,
		purpose, key, nullableJSON(payload), s.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("park callback: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrCallbackExists, purpose, key)
	}
	return nil
}

// ClaimParkedCallback attaches a token to a parked delivery and returns the
// parked row. A slot that is missing or already claimed fails with
// ErrConditionFailed.
func (s *Store) ClaimParkedCallback(ctx context.Context, cb Callback) (*Callback, error) {
	var claimed *Callback
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE callbacks SET token = ?, execution = ?, step_path = ?
             WHERE purpose = ? AND key = ? AND token IS NULL`,
			cb.Token, nullableString(cb.Execution), nullableString(cb.Path), cb.Purpose, cb.Key,
		)
		if err != nil {
			return fmt.Errorf("claim callback: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("%w: no parked delivery for %s/%s", ErrConditionFailed, cb.Purpose, cb.Key)
		}
		row, err := loadCallback(ctx, tx, "purpose = ? AND key = ?", cb.Purpose, cb.Key)
		if err != nil {
			return err
		}
		claimed = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CallbackByKey returns the row occupying (purpose, key).
func (s *Store) CallbackByKey(ctx context.Context, purpose, key string) (*Callback, error) {
	return loadCallback(ensureContext(ctx), s.db, "purpose = ? AND key = ?", purpose, key)
}

// CallbackByToken returns the row holding token.
func (s *Store) CallbackByToken(ctx context.Context, token string) (*Callback, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty callback token", ErrNotFound)
	}
	return loadCallback(ensureContext(ctx), s.db, "token = ?", token)
}

// DeleteCallback removes the row holding token.
func (s *Store) DeleteCallback(ctx context.Context, token string) error {
	res, err := s.execWithRetry(ctx, "DELETE FROM callbacks WHERE token = ?", token)
	if err != nil {
		return fmt.Errorf("delete callback: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: callback token", ErrNotFound)
	}
	return nil
}

// DeleteParkedCallback removes a parked delivery for (purpose, key).
func (s *Store) DeleteParkedCallback(ctx context.Context, purpose, key string) error {
	if _, err := s.execWithRetry(ctx,
		"DELETE FROM callbacks WHERE purpose = ? AND key = ? AND token IS NULL",
		purpose, key,
	); err != nil {
		return fmt.Errorf("delete parked callback: %w", err)
	}
	return nil
}

// ReleaseCallbacks removes every token held by execution and returns how
// many rows were removed.
func (s *Store) ReleaseCallbacks(ctx context.Context, execution string) (int64, error) {
	res, err := s.execWithRetry(ctx, "DELETE FROM callbacks WHERE execution = ?", execution)
	if err != nil {
		return 0, fmt.Errorf("release callbacks: %w", err)
	}
	return res.RowsAffected()
}

// ListCallbacks returns outstanding tokens and parked deliveries.
func (s *Store) ListCallbacks(ctx context.Context) ([]*Callback, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), "SELECT "+callbackColumns+" FROM callbacks ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("list callbacks: %w", err)
	}
	defer rows.Close()
	var out []*Callback
	for rows.Next() {
		cb, err := scanCallback(rows)
		if err != nil {
			return nil, fmt.Errorf("scan callback: %w", err)
		}
		out = append(out, cb)
	}
	return out, rows.Err()
}

func loadCallback(ctx context.Context, q queryer, where string, args ...any) (*Callback, error) {
	cb, err := scanCallback(q.QueryRowContext(ctx, "SELECT "+callbackColumns+" FROM callbacks WHERE "+where, args...))
	if err != nil {
		if errors.Is(notFound(err), ErrNotFound) {
			return nil, fmt.Errorf("%w: callback", ErrNotFound)
		}
		return nil, fmt.Errorf("load callback: %w", err)
	}
	return cb, nil
}
