// Package callback issues and resolves the opaque tokens a suspended pipeline
// step waits on.
//
// A token belongs to exactly one (purpose, key) slot. Completions may race
// ahead of the suspension that expects them; such deliveries are parked on
// the slot and handed to the step as soon as it suspends.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"doctranslate/internal/jobstore"
)

var (
	// ErrOutstanding indicates another suspension already holds the slot.
	ErrOutstanding = errors.New("callback already outstanding")
	// ErrUnknownToken indicates a token that was never issued or has been
	// consumed.
	ErrUnknownToken = errors.New("unknown callback token")
)

const slotAttempts = 3

// Registration identifies a suspended step.
type Registration struct {
	Purpose   string `json:"purpose"`
	Key       string `json:"key"`
	Execution string `json:"execution"`
	Path      string `json:"path"`
}

// Ticket is the result of suspending. When Delivered is set the completion
// had already arrived and Payload holds it.
type Ticket struct {
	Token     string
	Payload   json.RawMessage
	Delivered bool
}

// Delivery is the result of routing a completion. Parked is set when no step
// waits yet.
type Delivery struct {
	Token        string
	Registration Registration
	Parked       bool
}

// Registry persists callback slots in the job store.
type Registry struct {
	store *jobstore.Store
}

// NewRegistry constructs a registry over store.
func NewRegistry(store *jobstore.Store) *Registry {
	return &Registry{store: store}
}

// Suspend issues a token for reg. Replaying the same execution path returns
// the token issued the first time; a slot held by anyone else fails with
// ErrOutstanding and leaves the first token valid.
func (r *Registry) Suspend(ctx context.Context, reg Registration) (Ticket, error) {
	if reg.Purpose == "" || reg.Key == "" {
		return Ticket{}, fmt.Errorf("suspend: purpose and key are required")
	}
	for attempt := 0; attempt < slotAttempts; attempt++ {
		token := uuid.NewString()
		candidate := jobstore.Callback{
			Purpose:   reg.Purpose,
			Key:       reg.Key,
			Token:     token,
			Execution: reg.Execution,
			Path:      reg.Path,
		}
		err := r.store.RegisterCallback(ctx, candidate)
		if err == nil {
			return Ticket{Token: token}, nil
		}
		if !errors.Is(err, jobstore.ErrCallbackExists) {
			return Ticket{}, err
		}

		existing, err := r.store.CallbackByKey(ctx, reg.Purpose, reg.Key)
		if errors.Is(err, jobstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return Ticket{}, err
		}
		if existing.Parked() {
			claimed, err := r.store.ClaimParkedCallback(ctx, candidate)
			if errors.Is(err, jobstore.ErrConditionFailed) {
				continue
			}
			if err != nil {
				return Ticket{}, err
			}
			return Ticket{Token: token, Payload: claimed.Payload, Delivered: true}, nil
		}
		if existing.Execution == reg.Execution && existing.Path == reg.Path {
			return Ticket{Token: existing.Token}, nil
		}
		return Ticket{}, fmt.Errorf("%w: %s/%s is held by %s", ErrOutstanding, reg.Purpose, reg.Key, existing.Execution)
	}
	return Ticket{}, fmt.Errorf("suspend %s/%s: slot changed %d times", reg.Purpose, reg.Key, slotAttempts)
}

// Resolve returns the registration behind token.
func (r *Registry) Resolve(ctx context.Context, token string) (Registration, error) {
	cb, err := r.store.CallbackByToken(ctx, token)
	if errors.Is(err, jobstore.ErrNotFound) {
		return Registration{}, ErrUnknownToken
	}
	if err != nil {
		return Registration{}, err
	}
	return registrationOf(cb), nil
}

// Complete consumes token. A consumed or unknown token fails with
// ErrUnknownToken.
func (r *Registry) Complete(ctx context.Context, token string) error {
	err := r.store.DeleteCallback(ctx, token)
	if errors.Is(err, jobstore.ErrNotFound) {
		return ErrUnknownToken
	}
	return err
}

// Deliver finds the token waiting on (purpose, key). When nothing waits yet the
// payload is parked for the next Suspend on that slot.
func (r *Registry) Deliver(ctx context.Context, purpose, key string, payload json.RawMessage) (Delivery, error) {
	for attempt := 0; attempt < slotAttempts; attempt++ {
		existing, err := r.store.CallbackByKey(ctx, purpose, key)
		if err != nil && !errors.Is(err, jobstore.ErrNotFound) {
			return Delivery{}, err
		}
		if err == nil && !existing.Parked() {
			return Delivery{Token: existing.Token, Registration: registrationOf(existing)}, nil
		}
		err = r.store.ParkCallback(ctx, purpose, key, payload)
		if errors.Is(err, jobstore.ErrCallbackExists) {
			continue
		}
		if err != nil {
			return Delivery{}, err
		}
		return Delivery{Parked: true, Registration: Registration{Purpose: purpose, Key: key}}, nil
	}
	return Delivery{}, fmt.Errorf("deliver %s/%s: slot changed %d times", purpose, key, slotAttempts)
}

// Clear removes whatever occupies (purpose, key), token or parked delivery.
func (r *Registry) Clear(ctx context.Context, purpose, key string) error {
	cb, err := r.store.CallbackByKey(ctx, purpose, key)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cb.Parked() {
		return r.store.DeleteParkedCallback(ctx, purpose, key)
	}
	if err := r.store.DeleteCallback(ctx, cb.Token); err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		return err
	}
	return nil
}

// Release drops every token held by execution. Parked deliveries are kept.
func (r *Registry) Release(ctx context.Context, execution string) (int64, error) {
	if execution == "" {
		return 0, nil
	}
	return r.store.ReleaseCallbacks(ctx, execution)
}

// List returns outstanding tokens and parked deliveries.
func (r *Registry) List(ctx context.Context) ([]*jobstore.Callback, error) {
	return r.store.ListCallbacks(ctx)
}

func registrationOf(cb *jobstore.Callback) Registration {
	return Registration{
		Purpose:   cb.Purpose,
		Key:       cb.Key,
		Execution: cb.Execution,
		Path:      cb.Path,
	}
}
