package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"doctranslate/internal/callback"
	"doctranslate/internal/logging"
	"doctranslate/internal/services"
)

// run interprets the step tree of one execution.
type run struct {
	engine *Engine
	name   string
}

func (r *run) exec(ctx context.Context, step Step, path string, input json.RawMessage) (json.RawMessage, error) {
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	switch s := step.(type) {
	case *TaskStep:
		return r.task(ctx, s, path, input)
	case *SequenceStep:
		state := input
		for i, child := range s.Steps {
			out, err := r.exec(ctx, child, childPath(path, i), state)
			if err != nil {
				return nil, err
			}
			state = out
		}
		return state, nil
	case *ChoiceStep:
		return r.choice(ctx, s, path, input)
	case *ParallelStep:
		results := r.fanOut(ctx, len(s.Branches), 0, func(i int) (Step, json.RawMessage) {
			return s.Branches[i], input
		}, path)
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return collect(ctx, s.Collect, input, results)
	case *MapStep:
		return r.mapItems(ctx, s, path, input)
	case *SuspendStep:
		return r.suspend(ctx, s, path, input)
	case *RetryStep:
		return r.retry(ctx, s, path, input)
	case *CatchStep:
		out, err := r.exec(ctx, s.Step, childPath(path, 0), input)
		if err == nil || ctx.Err() != nil {
			return out, err
		}
		if s.Matches != nil && !s.Matches(err) {
			return nil, err
		}
		logging.WithContext(ctx, r.engine.logger).Info("step failed; running handler",
			logging.String("step", describe(s.Step)),
			logging.Error(err),
		)
		caught, merr := json.Marshal(Caught{Input: input, Error: err.Error()})
		if merr != nil {
			return nil, merr
		}
		return r.exec(ctx, s.Handler, path+".catch", caught)
	case *SubflowStep:
		p, err := r.engine.pipeline(s.Pipeline)
		if err != nil {
			return nil, err
		}
		return r.exec(ctx, p.Root, path+".sub", input)
	default:
		return nil, fmt.Errorf("%w: unsupported step at %s", ErrInvalidPipeline, path)
	}
}

func (r *run) task(ctx context.Context, s *TaskStep, path string, input json.RawMessage) (json.RawMessage, error) {
	if out, ok, err := r.checkpoint(ctx, path); err != nil || ok {
		return out, err
	}
	out, err := s.Fn(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	if out == nil {
		out = input
	}
	if err := r.save(ctx, path, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *run) choice(ctx context.Context, s *ChoiceStep, path string, input json.RawMessage) (json.RawMessage, error) {
	decisionPath := path + "/choice"
	index := -1
	raw, ok, err := r.checkpoint(ctx, decisionPath)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := json.Unmarshal(raw, &index); err != nil {
			return nil, fmt.Errorf("%s: decode decision: %w", s.Name, err)
		}
	} else {
		for i, branch := range s.Branches {
			matched, err := branch.When(ctx, input)
			if err != nil {
				return nil, fmt.Errorf("%s: branch %d: %w", s.Name, i, err)
			}
			if matched {
				index = i
				break
			}
		}
		decision, _ := json.Marshal(index)
		if err := r.save(ctx, decisionPath, decision); err != nil {
			return nil, err
		}
	}
	switch {
	case index >= len(s.Branches):
		return nil, fmt.Errorf("%s: recorded branch %d no longer exists", s.Name, index)
	case index >= 0:
		return r.exec(ctx, s.Branches[index].Then, childPath(path, index), input)
	case s.Otherwise != nil:
		return r.exec(ctx, s.Otherwise, path+".default", input)
	default:
		return input, nil
	}
}

func (r *run) mapItems(ctx context.Context, s *MapStep, path string, input json.RawMessage) (json.RawMessage, error) {
	itemsPath := path + "/items"
	var items []json.RawMessage
	raw, ok, err := r.checkpoint(ctx, itemsPath)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%s: decode items: %w", s.Name, err)
		}
	} else {
		items, err = s.Items(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("%s: select items: %w", s.Name, err)
		}
		encoded, err := json.Marshal(items)
		if err != nil {
			return nil, fmt.Errorf("%s: encode items: %w", s.Name, err)
		}
		if err := r.save(ctx, itemsPath, encoded); err != nil {
			return nil, err
		}
	}
	results := r.fanOut(ctx, len(items), s.MaxConcurrency, func(i int) (Step, json.RawMessage) {
		return s.Item, items[i]
	}, path)
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}
	return collect(ctx, s.Collect, input, results)
}

// fanOut runs n branches, at most limit at once, and records each outcome.
// A failing branch never cancels its siblings.
func (r *run) fanOut(ctx context.Context, n, limit int, branch func(int) (Step, json.RawMessage), path string) []BranchResult {
	results := make([]BranchResult, n)
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := 0; i < n; i++ {
		step, input := branch(i)
		g.Go(func() error {
			out, err := r.exec(ctx, step, childPath(path, i), input)
			if err != nil {
				results[i] = BranchResult{Error: err.Error()}
				return nil
			}
			results[i] = BranchResult{Output: out}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func collect(ctx context.Context, fn CollectFunc, input json.RawMessage, results []BranchResult) (json.RawMessage, error) {
	if fn != nil {
		return fn(ctx, input, results)
	}
	return json.Marshal(results)
}

func (r *run) suspend(ctx context.Context, s *SuspendStep, path string, input json.RawMessage) (json.RawMessage, error) {
	if payload, ok, err := r.checkpoint(ctx, path); err != nil {
		return nil, err
	} else if ok {
		token, err := r.issuedToken(ctx, path)
		if err != nil {
			return nil, err
		}
		return s.output(withResumeToken(ctx, token), input, payload)
	}

	key, err := s.Key(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%s: correlation key: %w", s.Name, err)
	}
	if key == "" {
		return nil, services.Wrap(services.ErrValidation, s.Name, "suspend", "empty correlation key", nil)
	}
	ticket, err := r.engine.callbacks.Suspend(ctx, callback.Registration{
		Purpose:   s.Purpose,
		Key:       key,
		Execution: r.name,
		Path:      path,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	if err := r.saveIssuedToken(ctx, path, ticket.Token); err != nil {
		return nil, err
	}
	ctx = withResumeToken(ctx, ticket.Token)
	logger := logging.WithContext(ctx, r.engine.logger)

	if ticket.Delivered {
		if err := r.save(ctx, path, ticket.Payload); err != nil {
			return nil, err
		}
		if err := r.engine.callbacks.Complete(ctx, ticket.Token); err != nil && !errors.Is(err, callback.ErrUnknownToken) {
			return nil, err
		}
		logger.Info("completion was already parked",
			logging.String("step", s.Name),
			logging.String("purpose", s.Purpose),
			logging.String("key", key),
		)
		return s.output(ctx, input, ticket.Payload)
	}

	if s.OnToken != nil {
		if err := s.OnToken(ctx, input, ticket.Token); err != nil {
			return nil, fmt.Errorf("%s: store token: %w", s.Name, err)
		}
	}
	logger.Info("execution suspended",
		logging.String("step", s.Name),
		logging.String("purpose", s.Purpose),
		logging.String("key", key),
	)
	payload, err := r.engine.await(ctx, r.name, path)
	if err != nil {
		return nil, err
	}
	return s.output(ctx, input, payload)
}

// tokenPath is the journal slot holding the token issued at path. Child
// paths use '.', so the suffix never collides with a step.
func tokenPath(path string) string { return path + "/token" }

func (r *run) saveIssuedToken(ctx context.Context, path, token string) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return err
	}
	return r.save(ctx, tokenPath(path), raw)
}

// issuedToken returns the token journaled for the suspend step at path, or
// "" for executions journaled before tokens were recorded.
func (r *run) issuedToken(ctx context.Context, path string) (string, error) {
	raw, ok, err := r.checkpoint(ctx, tokenPath(path))
	if err != nil || !ok {
		return "", err
	}
	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		return "", fmt.Errorf("decode token at %s: %w", path, err)
	}
	return token, nil
}

func (s *SuspendStep) output(ctx context.Context, input, payload json.RawMessage) (json.RawMessage, error) {
	if s.Output == nil {
		return payload, nil
	}
	out, err := s.Output(ctx, input, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	return out, nil
}

func (r *run) retry(ctx context.Context, s *RetryStep, path string, input json.RawMessage) (json.RawMessage, error) {
	logger := logging.WithContext(ctx, r.engine.logger)
	for attempt := 1; ; attempt++ {
		out, err := r.exec(ctx, s.Step, childPath(path, 0), input)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		if attempt >= s.Policy.MaxAttempts || !s.Policy.retryable(err) {
			return nil, err
		}
		delay := s.Policy.delay(attempt)
		logger.Info("retrying step",
			logging.String("step", describe(s.Step)),
			logging.Int("attempt", attempt+1),
			logging.Int("max_attempts", s.Policy.MaxAttempts),
			logging.Duration("delay", delay),
			logging.Error(err),
		)
		if err := r.engine.opts.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (r *run) checkpoint(ctx context.Context, path string) (json.RawMessage, bool, error) {
	out, ok, err := r.engine.store.LoadCheckpoint(ctx, r.name, path)
	if err != nil && ctx.Err() != nil {
		return nil, false, context.Cause(ctx)
	}
	return out, ok, err
}

func (r *run) save(ctx context.Context, path string, output json.RawMessage) error {
	err := r.engine.store.SaveCheckpoint(ctx, r.name, path, output)
	if err != nil && ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}
