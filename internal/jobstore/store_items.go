package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"doctranslate/internal/events"
)

// CreateItem inserts an item unless (JobID, ItemID) already exists, in which
// case the stored item is returned with created=false. Re-running a parse
// therefore never duplicates items.
func (s *Store) CreateItem(ctx context.Context, req NewItem) (item *Item, created bool, err error) {
	ctx = ensureContext(ctx)
	req.JobID = strings.TrimSpace(req.JobID)
	req.ItemID = strings.TrimSpace(req.ItemID)
	if req.JobID == "" || req.ItemID == "" {
		return nil, false, fmt.Errorf("%w: item requires job id and item id", ErrInvalid)
	}
	if req.Type == "" {
		req.Type = ItemText
	}
	if req.Status == "" {
		req.Status = ItemProcessing
	}
	if err := authorize(ctx, req.JobID); err != nil {
		return nil, false, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := loadJob(ctx, tx, req.JobID)
		if err != nil {
			return err
		}
		if req.Owner == "" {
			req.Owner = job.Identity
		}
		now := s.timestamp()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
             ON CONFLICT(job_id, item_id) DO NOTHING`,
			req.JobID, req.ItemID, string(req.Type), req.Order, nullableString(req.Parent),
			nullableString(req.Input), nullableString(req.Output), nullableString(req.ModelID),
			string(req.Status), req.Owner, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		stored, err := loadItem(ctx, tx, req.JobID, req.ItemID)
		if err != nil {
			return err
		}
		item, created = stored, affected > 0
		if !created {
			return nil
		}
		return s.appendItemChange(ctx, tx, nil, stored)
	})
	if err != nil {
		return nil, false, err
	}
	return item, created, nil
}

// Item returns one item.
func (s *Store) Item(ctx context.Context, jobID, itemID string) (*Item, error) {
	return loadItem(ensureContext(ctx), s.db, jobID, itemID)
}

// Items returns the job's items in order.
func (s *Store) Items(ctx context.Context, jobID string) ([]*Item, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM items WHERE job_id = ? ORDER BY item_order, item_id",
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UpdateItem applies update to one item. Unchanged values do not produce a
// change record.
func (s *Store) UpdateItem(ctx context.Context, jobID, itemID string, update ItemUpdate) (*Item, error) {
	ctx = ensureContext(ctx)
	if err := authorize(ctx, jobID); err != nil {
		return nil, err
	}
	var result *Item
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		before, err := loadItem(ctx, tx, jobID, itemID)
		if err != nil {
			return err
		}
		if len(update.Expect) > 0 && !slices.Contains(update.Expect, before.Status) {
			return fmt.Errorf("%w: item %s/%s is %s", ErrConditionFailed, jobID, itemID, before.Status)
		}
		var (
			sets []string
			args []any
		)
		if update.Status != nil && *update.Status != before.Status {
			sets = append(sets, "status = ?")
			args = append(args, string(*update.Status))
		}
		if update.Input != nil && *update.Input != before.Input {
			sets = append(sets, "input = ?")
			args = append(args, nullableString(*update.Input))
		}
		if update.Output != nil && *update.Output != before.Output {
			sets = append(sets, "output = ?")
			args = append(args, nullableString(*update.Output))
		}
		if update.ModelID != nil && *update.ModelID != before.ModelID {
			sets = append(sets, "model_id = ?")
			args = append(args, nullableString(*update.ModelID))
		}
		if len(sets) == 0 {
			result = before
			return nil
		}
		sets = append(sets, "updated_at = ?")
		args = append(args, s.timestamp(), jobID, itemID)
		if _, err := tx.ExecContext(ctx,
			"UPDATE items SET "+strings.Join(sets, ", ")+" WHERE job_id = ? AND item_id = ?",
			args...,
		); err != nil {
			return fmt.Errorf("update item: %w", err)
		}
		after, err := loadItem(ctx, tx, jobID, itemID)
		if err != nil {
			return err
		}
		result = after
		return s.appendItemChange(ctx, tx, before, after)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetItemStatus is a shorthand for UpdateItem changing only the status.
func (s *Store) SetItemStatus(ctx context.Context, jobID, itemID string, status ItemStatus, expect ...ItemStatus) (*Item, error) {
	return s.UpdateItem(ctx, jobID, itemID, ItemUpdate{Status: &status, Expect: expect})
}

func loadItem(ctx context.Context, q queryer, jobID, itemID string) (*Item, error) {
	item, err := scanItem(q.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM items WHERE job_id = ? AND item_id = ?",
		jobID, itemID,
	))
	if err != nil {
		if errors.Is(notFound(err), ErrNotFound) {
			return nil, fmt.Errorf("%w: item %s/%s", ErrNotFound, jobID, itemID)
		}
		return nil, fmt.Errorf("load item: %w", err)
	}
	return item, nil
}

func (s *Store) appendItemChange(ctx context.Context, tx *sql.Tx, before, after *Item) error {
	change := Change{Entity: EntityItem}
	var err error
	if before != nil {
		change.JobID, change.ItemID = before.JobID, before.ItemID
		if change.Before, err = json.Marshal(before); err != nil {
			return fmt.Errorf("marshal item image: %w", err)
		}
	}
	if after != nil {
		change.JobID, change.ItemID = after.JobID, after.ItemID
		if change.After, err = json.Marshal(after); err != nil {
			return fmt.Errorf("marshal item image: %w", err)
		}
	}
	_, err = s.appendEvent(ctx, tx, events.TopicJobChanged, change.JobID, change)
	return err
}
