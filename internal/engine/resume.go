package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"doctranslate/internal/callback"
	"doctranslate/internal/logging"
	"doctranslate/internal/services"
)

// Resume hands payload to the step suspended on token. The payload is
// journaled before the token is consumed, so a resume is never lost to a
// restart. Unknown or consumed tokens fail with callback.ErrUnknownToken.
func (e *Engine) Resume(ctx context.Context, token string, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return services.Wrap(services.ErrValidation, "engine", "resume", "payload is not valid JSON", nil)
	}
	reg, err := e.callbacks.Resolve(ctx, token)
	if err != nil {
		return err
	}
	if err := e.store.SaveCheckpoint(ctx, reg.Execution, reg.Path, payload); err != nil {
		return err
	}
	if err := e.callbacks.Complete(ctx, token); err != nil {
		return err
	}
	e.wake(reg.Execution, reg.Path)
	e.logger.Info("execution resumed",
		logging.Execution(reg.Execution),
		logging.String("purpose", reg.Purpose),
		logging.String("key", reg.Key),
	)
	return nil
}

// Deliver resumes whichever step waits on (purpose, key). When none waits
// yet the payload is parked and handed over as soon as one suspends.
func (e *Engine) Deliver(ctx context.Context, purpose, key string, payload json.RawMessage) (callback.Delivery, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return callback.Delivery{}, services.Wrap(services.ErrValidation, "engine", "deliver", "payload is not valid JSON", nil)
	}
	for attempt := 0; ; attempt++ {
		delivery, err := e.callbacks.Deliver(ctx, purpose, key, payload)
		if err != nil {
			return delivery, err
		}
		if delivery.Parked {
			e.logger.Info("completion parked until its step suspends",
				logging.String("purpose", purpose),
				logging.String("key", key),
			)
			return delivery, nil
		}
		err = e.Resume(ctx, delivery.Token, payload)
		if errors.Is(err, callback.ErrUnknownToken) && attempt == 0 {
			// consumed between lookup and resume; route again
			continue
		}
		return delivery, err
	}
}

// await blocks until a payload is journaled for (execution, path). The
// journal is polled so resumes recorded by another process are observed.
func (e *Engine) await(ctx context.Context, execution, path string) (json.RawMessage, error) {
	wake := e.waiter(execution, path)
	defer e.dropWaiter(execution, path)

	ticker := time.NewTicker(e.opts.ResumePollInterval)
	defer ticker.Stop()
	for {
		payload, ok, err := e.store.LoadCheckpoint(ctx, execution, path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			return nil, err
		}
		if ok {
			return payload, nil
		}
		select {
		case <-wake:
			wake = nil
		case <-ticker.C:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}

func waiterKey(execution, path string) string {
	return execution + "\x00" + path
}

func (e *Engine) waiter(execution, path string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := waiterKey(execution, path)
	ch, ok := e.waiters[key]
	if !ok {
		ch = make(chan struct{})
		e.waiters[key] = ch
	}
	return ch
}

func (e *Engine) dropWaiter(execution, path string) {
	e.mu.Lock()
	delete(e.waiters, waiterKey(execution, path))
	e.mu.Unlock()
}

func (e *Engine) wake(execution, path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := waiterKey(execution, path)
	if ch, ok := e.waiters[key]; ok {
		close(ch)
		delete(e.waiters, key)
	}
}
