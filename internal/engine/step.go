package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"doctranslate/internal/services"
)

// Step is one node of a pipeline tree. The set of step kinds is closed; build
// steps with the constructors in this file.
type Step interface {
	kind() string
}

// TaskFunc performs one unit of work on the state document. A nil output
// passes the input through unchanged.
type TaskFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// TaskStep runs a function. Its output is checkpointed on success.
type TaskStep struct {
	Name string
	Fn   TaskFunc
}

// Task builds a TaskStep.
func Task(name string, fn TaskFunc) *TaskStep {
	return &TaskStep{Name: name, Fn: fn}
}

// TaskOf builds a TaskStep around a typed function. The state document is
// decoded into I and the result encoded from O.
func TaskOf[I, O any](name string, fn func(context.Context, I) (O, error)) *TaskStep {
	return Task(name, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in I
		if err := decodeState(input, &in); err != nil {
			return nil, services.Wrap(services.ErrValidation, name, "decode input", "", err)
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})
}

// SequenceStep runs its steps in order, feeding each output to the next.
type SequenceStep struct {
	Steps []Step
}

// Sequence builds a SequenceStep.
func Sequence(steps ...Step) *SequenceStep {
	return &SequenceStep{Steps: steps}
}

// Predicate decides a Choice branch.
type Predicate func(ctx context.Context, input json.RawMessage) (bool, error)

// ChoiceBranch pairs a predicate with the step it selects.
type ChoiceBranch struct {
	When Predicate
	Then Step
}

// When builds a ChoiceBranch.
func When(pred Predicate, then Step) ChoiceBranch {
	return ChoiceBranch{When: pred, Then: then}
}

// ChoiceStep runs the first branch whose predicate holds, else Otherwise.
// With no match and no Otherwise the input passes through. The decision is
// checkpointed so a replay follows the same branch.
type ChoiceStep struct {
	Name      string
	Branches  []ChoiceBranch
	Otherwise Step
}

// Choice builds a ChoiceStep. otherwise may be nil.
func Choice(name string, otherwise Step, branches ...ChoiceBranch) *ChoiceStep {
	return &ChoiceStep{Name: name, Branches: branches, Otherwise: otherwise}
}

// FieldEquals is a Predicate comparing a top-level field of the state
// document with want.
func FieldEquals(field string, want any) Predicate {
	wantJSON, err := json.Marshal(want)
	return func(_ context.Context, input json.RawMessage) (bool, error) {
		if err != nil {
			return false, err
		}
		var doc map[string]json.RawMessage
		if err := decodeState(input, &doc); err != nil {
			return false, err
		}
		got, ok := doc[field]
		if !ok {
			return false, nil
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, got); err != nil {
			return false, err
		}
		return bytes.Equal(compact.Bytes(), wantJSON), nil
	}
}

// BranchResult is the outcome of one Parallel branch or Map item.
type BranchResult struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Failed reports whether the branch ended in error.
func (r BranchResult) Failed() bool {
	return r.Error != ""
}

// CollectFunc merges branch results into the state handed to the next step.
type CollectFunc func(ctx context.Context, input json.RawMessage, results []BranchResult) (json.RawMessage, error)

// ParallelStep runs every branch on the same input concurrently. Without a
// Collect function the output is the []BranchResult array.
type ParallelStep struct {
	Name     string
	Branches []Step
	Collect  CollectFunc
}

// Parallel builds a ParallelStep.
func Parallel(name string, branches ...Step) *ParallelStep {
	return &ParallelStep{Name: name, Branches: branches}
}

// WithCollect sets the merge function.
func (s *ParallelStep) WithCollect(fn CollectFunc) *ParallelStep {
	s.Collect = fn
	return s
}

// ItemsFunc selects the Map items from the state document.
type ItemsFunc func(ctx context.Context, input json.RawMessage) ([]json.RawMessage, error)

// MapStep runs Item once per element produced by Items, at most
// MaxConcurrency at a time (unbounded when zero).
type MapStep struct {
	Name           string
	Items          ItemsFunc
	Item           Step
	MaxConcurrency int
	Collect        CollectFunc
}

// Map builds a MapStep.
func Map(name string, items ItemsFunc, item Step, maxConcurrency int) *MapStep {
	return &MapStep{Name: name, Items: items, Item: item, MaxConcurrency: maxConcurrency}
}

// WithCollect sets the merge function.
func (s *MapStep) WithCollect(fn CollectFunc) *MapStep {
	s.Collect = fn
	return s
}

// ItemsOf builds an ItemsFunc around a typed selector.
func ItemsOf[I, T any](fn func(context.Context, I) ([]T, error)) ItemsFunc {
	return func(ctx context.Context, input json.RawMessage) ([]json.RawMessage, error) {
		var in I
		if err := decodeState(input, &in); err != nil {
			return nil, err
		}
		values, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		items := make([]json.RawMessage, 0, len(values))
		for _, value := range values {
			raw, err := json.Marshal(value)
			if err != nil {
				return nil, err
			}
			items = append(items, raw)
		}
		return items, nil
	}
}

// KeyFunc derives the correlation key a Suspend step waits on.
type KeyFunc func(ctx context.Context, input json.RawMessage) (string, error)

// TokenFunc receives the callback token issued to a Suspend step. It may run
// again with the same token when the execution is replayed.
type TokenFunc func(ctx context.Context, input json.RawMessage, token string) error

type resumeTokenKey struct{}

func withResumeToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, resumeTokenKey{}, token)
}

// ResumeToken returns the callback token a Suspend step was resumed
// through. It is set while the step's ResumeFunc runs.
func ResumeToken(ctx context.Context) string {
	token, _ := ctx.Value(resumeTokenKey{}).(string)
	return token
}

// ResumeFunc shapes the resume payload into the step output.
type ResumeFunc func(ctx context.Context, input, payload json.RawMessage) (json.RawMessage, error)

// SuspendStep parks the execution until a payload is delivered for its
// (Purpose, Key) slot. The output is the payload, or Output's result.
type SuspendStep struct {
	Name    string
	Purpose string
	Key     KeyFunc
	OnToken TokenFunc
	Output  ResumeFunc
}

// Suspend builds a SuspendStep.
func Suspend(name, purpose string, key KeyFunc) *SuspendStep {
	return &SuspendStep{Name: name, Purpose: purpose, Key: key}
}

// WithOnToken sets the token hook.
func (s *SuspendStep) WithOnToken(fn TokenFunc) *SuspendStep {
	s.OnToken = fn
	return s
}

// WithOutput sets the payload shaper.
func (s *SuspendStep) WithOutput(fn ResumeFunc) *SuspendStep {
	s.Output = fn
	return s
}

// RetryPolicy controls how a failed step is retried. The delay before
// attempt n+1 is Interval * BackoffRate^(n-1), capped at MaxInterval.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
	BackoffRate float64
	MaxInterval time.Duration
	// Retryable filters errors worth another attempt. Defaults to
	// services.IsRetryable.
	Retryable func(error) bool
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.Interval <= 0 {
		return 0
	}
	rate := p.BackoffRate
	if rate < 1 {
		rate = 1
	}
	d := float64(p.Interval)
	for i := 1; i < attempt; i++ {
		d *= rate
		if p.MaxInterval > 0 && d >= float64(p.MaxInterval) {
			return p.MaxInterval
		}
	}
	if p.MaxInterval > 0 && time.Duration(d) > p.MaxInterval {
		return p.MaxInterval
	}
	return time.Duration(d)
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return services.IsRetryable(err)
}

// RetryStep reruns Step until it succeeds or the policy is exhausted, in
// which case the last error is returned.
type RetryStep struct {
	Step   Step
	Policy RetryPolicy
}

// Retry builds a RetryStep.
func Retry(step Step, policy RetryPolicy) *RetryStep {
	return &RetryStep{Step: step, Policy: policy}
}

// Caught is the state handed to a Catch handler.
type Caught struct {
	Input json.RawMessage `json:"input"`
	Error string          `json:"error"`
}

// CatchStep runs Handler with a Caught document when Step fails. Matches
// narrows the errors handled; nil handles every error except cancellation.
type CatchStep struct {
	Step    Step
	Handler Step
	Matches func(error) bool
}

// Catch builds a CatchStep.
func Catch(step, handler Step) *CatchStep {
	return &CatchStep{Step: step, Handler: handler}
}

// SubflowStep runs the root of another registered pipeline inline, within
// the calling execution.
type SubflowStep struct {
	Pipeline string
}

// Subflow builds a SubflowStep.
func Subflow(pipeline string) *SubflowStep {
	return &SubflowStep{Pipeline: pipeline}
}

func (*TaskStep) kind() string     { return "task" }
func (*SequenceStep) kind() string { return "sequence" }
func (*ChoiceStep) kind() string   { return "choice" }
func (*ParallelStep) kind() string { return "parallel" }
func (*MapStep) kind() string      { return "map" }
func (*SuspendStep) kind() string  { return "suspend" }
func (*RetryStep) kind() string    { return "retry" }
func (*CatchStep) kind() string    { return "catch" }
func (*SubflowStep) kind() string  { return "subflow" }

// describe names a step for logs and error messages.
func describe(step Step) string {
	switch s := step.(type) {
	case *TaskStep:
		return s.Name
	case *ChoiceStep:
		return s.Name
	case *ParallelStep:
		return s.Name
	case *MapStep:
		return s.Name
	case *SuspendStep:
		return s.Name
	case *RetryStep:
		return describe(s.Step)
	case *CatchStep:
		return describe(s.Step)
	case *SubflowStep:
		return s.Pipeline
	case nil:
		return "<nil>"
	default:
		return step.kind()
	}
}

// decodeState unmarshals a state document, treating empty and null input as
// the zero value.
func decodeState(input json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	return nil
}

// Decode unmarshals a state document into v. Empty and null documents leave
// v untouched.
func Decode(input json.RawMessage, v any) error {
	return decodeState(input, v)
}
