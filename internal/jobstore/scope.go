package jobstore

import (
	"context"
	"fmt"
)

// Scope is a Store view bound to one job. Stages obtain a Scope for the job
// their execution serves so no call can address another job's rows.
type Scope struct {
	store *Store
	jobID string
}

// Scope returns a view bound to jobID. It fails with ErrForbidden when ctx is
// bound to a different job.
func (s *Store) Scope(ctx context.Context, jobID string) (*Scope, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: empty job id", ErrInvalid)
	}
	if err := authorize(ctx, jobID); err != nil {
		return nil, err
	}
	return &Scope{store: s, jobID: jobID}, nil
}

// JobID returns the bound job id.
func (sc *Scope) JobID() string { return sc.jobID }

// Job reads the bound job.
func (sc *Scope) Job(ctx context.Context) (*Job, error) {
	return sc.store.Job(ctx, sc.jobID)
}

// SetStatus moves the bound job; see Store.SetStatus.
func (sc *Scope) SetStatus(ctx context.Context, to Status, expect ...Status) (*Job, error) {
	return sc.store.SetStatus(ctx, sc.jobID, to, expect...)
}

// MarkUploaded records the bound job's content and moves it to UPLOADED.
func (sc *Scope) MarkUploaded(ctx context.Context, contentKey, contentType string) (*Job, error) {
	return sc.store.MarkUploaded(ctx, sc.jobID, contentKey, contentType)
}

// MarkProcessing moves the bound job from UPLOADED to PROCESSING.
func (sc *Scope) MarkProcessing(ctx context.Context) (*Job, error) {
	return sc.store.MarkProcessing(ctx, sc.jobID)
}

// SetLanguageStatus records one language state of the bound job.
func (sc *Scope) SetLanguageStatus(ctx context.Context, lang, status string) (*Job, error) {
	return sc.store.SetLanguageStatus(ctx, sc.jobID, lang, status)
}

// SetLanguageKey records one language artifact of the bound job.
func (sc *Scope) SetLanguageKey(ctx context.Context, lang, key string) (*Job, error) {
	return sc.store.SetLanguageKey(ctx, sc.jobID, lang, key)
}

// SetLanguageCallback stores one language token of the bound job.
func (sc *Scope) SetLanguageCallback(ctx context.Context, lang, token string) (*Job, error) {
	return sc.store.SetLanguageCallback(ctx, sc.jobID, lang, token)
}

// ClearLanguageCallback clears one language token of the bound job.
func (sc *Scope) ClearLanguageCallback(ctx context.Context, lang, token string) (*Job, error) {
	return sc.store.ClearLanguageCallback(ctx, sc.jobID, lang, token)
}

// AdvancePIIStatus moves the bound job's classification state.
func (sc *Scope) AdvancePIIStatus(ctx context.Context, to PIIStatus) (*Job, error) {
	return sc.store.AdvancePIIStatus(ctx, sc.jobID, to)
}

// SetPIICallback stores the bound job's classification token.
func (sc *Scope) SetPIICallback(ctx context.Context, token string) (*Job, error) {
	return sc.store.SetPIICallback(ctx, sc.jobID, token)
}

// ClearPIICallback clears the bound job's classification token.
func (sc *Scope) ClearPIICallback(ctx context.Context, token string) (*Job, error) {
	return sc.store.ClearPIICallback(ctx, sc.jobID, token)
}

// CreateItem inserts an item under the bound job.
func (sc *Scope) CreateItem(ctx context.Context, req NewItem) (*Item, bool, error) {
	req.JobID = sc.jobID
	return sc.store.CreateItem(ctx, req)
}

// Item reads one item of the bound job.
func (sc *Scope) Item(ctx context.Context, itemID string) (*Item, error) {
	return sc.store.Item(ctx, sc.jobID, itemID)
}

// Items lists the bound job's items.
func (sc *Scope) Items(ctx context.Context) ([]*Item, error) {
	return sc.store.Items(ctx, sc.jobID)
}

// UpdateItem changes one item of the bound job.
func (sc *Scope) UpdateItem(ctx context.Context, itemID string, update ItemUpdate) (*Item, error) {
	return sc.store.UpdateItem(ctx, sc.jobID, itemID, update)
}

// SetItemStatus changes the status of one item of the bound job.
func (sc *Scope) SetItemStatus(ctx context.Context, itemID string, status ItemStatus, expect ...ItemStatus) (*Item, error) {
	return sc.store.SetItemStatus(ctx, sc.jobID, itemID, status, expect...)
}
