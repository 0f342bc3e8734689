package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"doctranslate/internal/events"
)

func (s *Store) appendEvent(ctx context.Context, tx *sql.Tx, topic, key string, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	res, err := tx.ExecContext(ctx,
		"INSERT INTO outbox (event_id, topic, key, payload, created_at) VALUES (?, ?, ?, ?, ?)",
		events.NewID(), topic, nullableString(key), string(data), s.timestamp(),
	)
	if err != nil {
		return 0, fmt.Errorf("append %s event: %w", topic, err)
	}
	return res.LastInsertId()
}

// Emit appends an event to the outbox outside any other write.
func (s *Store) Emit(ctx context.Context, topic, key string, payload any) (int64, error) {
	ctx = ensureContext(ctx)
	var seq int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		seq, err = s.appendEvent(ctx, tx, topic, key, payload)
		return err
	})
	return seq, err
}

// EventsSince returns up to limit outbox events with a sequence number above
// after, in sequence order.
func (s *Store) EventsSince(ctx context.Context, after int64, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ensureContext(ctx),
		"SELECT seq, event_id, topic, key, payload, created_at FROM outbox WHERE seq > ? ORDER BY seq LIMIT ?",
		after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	defer rows.Close()
	var out []events.Event
	for rows.Next() {
		var (
			evt        events.Event
			key        sql.NullString
			payload    sql.NullString
			createdRaw string
		)
		if err := rows.Scan(&evt.Seq, &evt.ID, &evt.Topic, &key, &payload, &createdRaw); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		evt.Key = key.String
		evt.Payload = rawJSON(payload)
		if created, err := parseTimeString(createdRaw); err == nil {
			evt.Time = created
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// LatestSeq returns the highest outbox sequence number, or zero.
func (s *Store) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ensureContext(ctx), "SELECT MAX(seq) FROM outbox").Scan(&seq); err != nil {
		return 0, fmt.Errorf("read outbox head: %w", err)
	}
	return seq.Int64, nil
}

// LoadCursor returns the stored position of a named outbox reader.
func (s *Store) LoadCursor(ctx context.Context, name string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ensureContext(ctx), "SELECT seq FROM cursors WHERE name = ?", name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor %s: %w", name, err)
	}
	return seq, nil
}

// SaveCursor stores the position of a named outbox reader.
func (s *Store) SaveCursor(ctx context.Context, name string, seq int64) error {
	if _, err := s.execWithRetry(ctx,
		"INSERT INTO cursors (name, seq) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET seq = excluded.seq",
		name, seq,
	); err != nil {
		return fmt.Errorf("save cursor %s: %w", name, err)
	}
	return nil
}

// PruneEvents deletes outbox events created before cutoff that every cursor
// has already passed.
func (s *Store) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`DELETE FROM outbox WHERE created_at < ?
         AND seq <= COALESCE((SELECT MIN(seq) FROM cursors), 0)`,
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune outbox: %w", err)
	}
	return res.RowsAffected()
}
