package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"doctranslate/internal/callback"
	"doctranslate/internal/engine"
	"doctranslate/internal/events"
	"doctranslate/internal/jobstore"
	"doctranslate/internal/services"
	"doctranslate/internal/testsupport"
)

type harness struct {
	engine    *engine.Engine
	store     *jobstore.Store
	callbacks *callback.Registry
}

func newHarness(t *testing.T, opts engine.Options) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	return newHarnessOn(t, store, opts)
}

func newHarnessOn(t *testing.T, store *jobstore.Store, opts engine.Options) *harness {
	t.Helper()
	if opts.ResumePollInterval == 0 {
		opts.ResumePollInterval = 20 * time.Millisecond
	}
	callbacks := callback.NewRegistry(store)
	eng := engine.New(store, callbacks, opts)
	t.Cleanup(func() { eng.Close() })
	return &harness{engine: eng, store: store, callbacks: callbacks}
}

func (h *harness) register(t *testing.T, p *engine.Pipeline) {
	t.Helper()
	if err := h.engine.Register(p); err != nil {
		t.Fatalf("Register(%s): %v", p.Name, err)
	}
}

type counter struct {
	N int `json:"n"`
}

func addOne() *engine.TaskStep {
	return engine.TaskOf("add-one", func(_ context.Context, in counter) (counter, error) {
		return counter{N: in.N + 1}, nil
	})
}

func waitFor(t *testing.T, exec *engine.Execution) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		t.Fatalf("execution %s did not finish", exec.Name)
	}
	return out, err
}

func TestSequenceFeedsEachOutputForward(t *testing.T) {
	h := newHarness(t, engine.Options{})
	h.register(t, &engine.Pipeline{Name: "count", Root: engine.Sequence(addOne(), addOne(), addOne())})

	out, err := h.engine.Run(context.Background(), "count", json.RawMessage(`{"n":1}`))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	var got counter
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if got.N != 4 {
		t.Fatalf("n = %d, want 4", got.N)
	}
}

func TestTaskWithNilOutputPassesInputThrough(t *testing.T) {
	h := newHarness(t, engine.Options{})
	h.register(t, &engine.Pipeline{Name: "noop", Root: engine.Task("side-effect", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})})

	out, err := h.engine.Run(context.Background(), "noop", json.RawMessage(`{"keep":true}`))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(out) != `{"keep":true}` {
		t.Fatalf("output = %s", out)
	}
}

func TestChoiceSelectsFirstMatchingBranch(t *testing.T) {
	h := newHarness(t, engine.Options{})
	label := func(name string) *engine.TaskStep {
		return engine.Task(name, func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.Marshal(name)
		})
	}
	h.register(t, &engine.Pipeline{Name: "route", Root: engine.Choice("route",
		label("fallback"),
		engine.When(engine.FieldEquals("proceed", false), label("skip")),
		engine.When(engine.FieldEquals("proceed", true), label("work")),
	)})

	tests := []struct {
		input string
		want  string
	}{
		{`{"proceed":true}`, `"work"`},
		{`{"proceed":false}`, `"skip"`},
		{`{}`, `"fallback"`},
	}
	for _, tt := range tests {
		out, err := h.engine.Run(context.Background(), "route", json.RawMessage(tt.input))
		if err != nil {
			t.Fatalf("Run(%s) failed: %v", tt.input, err)
		}
		if string(out) != tt.want {
			t.Fatalf("Run(%s) = %s, want %s", tt.input, out, tt.want)
		}
	}
}

func TestParallelIsolatesBranchFailures(t *testing.T) {
	h := newHarness(t, engine.Options{})
	fail := engine.Task("fail", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	h.register(t, &engine.Pipeline{Name: "fan", Root: engine.Parallel("fan", addOne(), fail, addOne())})

	out, err := h.engine.Run(context.Background(), "fan", json.RawMessage(`{"n":0}`))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	var results []engine.BranchResult
	if err := json.Unmarshal(out, &results); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Failed() || results[2].Failed() {
		t.Fatalf("healthy branches reported failure: %+v", results)
	}
	if !results[1].Failed() || results[1].Error != "fail: boom" {
		t.Fatalf("failing branch result = %+v", results[1])
	}
}

func TestMapBoundsConcurrencyAndCollects(t *testing.T) {
	h := newHarness(t, engine.Options{})
	var inFlight, peak atomic.Int32
	item := engine.TaskOf("square", func(_ context.Context, n int) (int, error) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return n * n, nil
	})
	items := engine.ItemsOf(func(_ context.Context, in []int) ([]int, error) { return in, nil })
	sum := func(_ context.Context, _ json.RawMessage, results []engine.BranchResult) (json.RawMessage, error) {
		total := 0
		for _, r := range results {
			var v int
			if err := json.Unmarshal(r.Output, &v); err != nil {
				return nil, err
			}
			total += v
		}
		return json.Marshal(total)
	}
	h.register(t, &engine.Pipeline{Name: "squares", Root: engine.Map("squares", items, item, 2).WithCollect(sum)})

	out, err := h.engine.Run(context.Background(), "squares", json.RawMessage(`[1,2,3,4,5,6]`))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(out) != "91" {
		t.Fatalf("sum = %s, want 91", out)
	}
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency %d exceeds limit 2", peak.Load())
	}
}

func TestRetryBacksOffAndSucceeds(t *testing.T) {
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	h := newHarness(t, engine.Options{Sleep: func(_ context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}})
	var attempts atomic.Int32
	flaky := engine.Task("flaky", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		if attempts.Add(1) < 4 {
			return nil, services.ErrTransient
		}
		return json.RawMessage(`"ok"`), nil
	})
	h.register(t, &engine.Pipeline{Name: "flaky", Root: engine.Retry(flaky, engine.RetryPolicy{
		MaxAttempts: 5,
		Interval:    100 * time.Millisecond,
		BackoffRate: 2,
		MaxInterval: 300 * time.Millisecond,
	})})

	out, err := h.engine.Run(context.Background(), "flaky", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(out) != `"ok"` {
		t.Fatalf("output = %s", out)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(delays) != fmt.Sprint(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
}

func TestRetryExhaustionReturnsLastError(t *testing.T) {
	h := newHarness(t, engine.Options{Sleep: func(context.Context, time.Duration) error { return nil }})
	var attempts atomic.Int32
	h.register(t, &engine.Pipeline{Name: "doomed", Root: engine.Retry(
		engine.Task("doomed", func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, fmt.Errorf("%w: attempt %d", services.ErrTransient, attempts.Add(1))
		}),
		engine.RetryPolicy{MaxAttempts: 3},
	)})

	_, err := h.engine.Run(context.Background(), "doomed", nil)
	if err == nil || err.Error() != "doomed: transient failure: attempt 3" {
		t.Fatalf("expected last attempt's error, got %v", err)
	}
	if attempts.Load() != 3 {
		t.Fatalf("attempts = %d, want 3", attempts.Load())
	}
}

func TestRetrySkipsNonRetryableErrors(t *testing.T) {
	h := newHarness(t, engine.Options{Sleep: func(context.Context, time.Duration) error { return nil }})
	var attempts atomic.Int32
	h.register(t, &engine.Pipeline{Name: "invalid", Root: engine.Retry(
		engine.Task("invalid", func(context.Context, json.RawMessage) (json.RawMessage, error) {
			attempts.Add(1)
			return nil, services.ErrValidation
		}),
		engine.RetryPolicy{MaxAttempts: 10},
	)})

	if _, err := h.engine.Run(context.Background(), "invalid", nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Fatalf("attempts = %d, want 1", attempts.Load())
	}
}

func TestCatchHandsErrorToHandler(t *testing.T) {
	h := newHarness(t, engine.Options{})
	fail := engine.Task("fail", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("broken")
	})
	handler := engine.TaskOf("handle", func(_ context.Context, caught engine.Caught) (string, error) {
		return "recovered from " + caught.Error + " with " + string(caught.Input), nil
	})
	h.register(t, &engine.Pipeline{Name: "guarded", Root: engine.Catch(fail, handler)})

	out, err := h.engine.Run(context.Background(), "guarded", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	var msg string
	if err := json.Unmarshal(out, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg != `recovered from fail: broken with {"a":1}` {
		t.Fatalf("handler output = %q", msg)
	}
}

func TestSubflowRunsRegisteredPipeline(t *testing.T) {
	h := newHarness(t, engine.Options{})
	h.register(t, &engine.Pipeline{Name: "inner", Root: engine.Sequence(addOne(), addOne())})
	h.register(t, &engine.Pipeline{Name: "outer", Root: engine.Sequence(addOne(), engine.Subflow("inner"))})

	out, err := h.engine.Run(context.Background(), "outer", json.RawMessage(`{"n":0}`))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(out) != `{"n":3}` {
		t.Fatalf("output = %s", out)
	}
}

func suspendPipeline(name string, tokens chan<- string) *engine.Pipeline {
	key := func(_ context.Context, input json.RawMessage) (string, error) {
		var in struct {
			Key string `json:"key"`
		}
		err := engine.Decode(input, &in)
		return in.Key, err
	}
	return &engine.Pipeline{
		Name: name,
		Root: engine.Suspend("await", "test", key).WithOnToken(func(_ context.Context, _ json.RawMessage, token string) error {
			tokens <- token
			return nil
		}),
	}
}

func receiveToken(t *testing.T, tokens <-chan string) string {
	t.Helper()
	select {
	case token := <-tokens:
		return token
	case <-time.After(5 * time.Second):
		t.Fatal("no token issued")
		return ""
	}
}

func TestSuspendResumeByToken(t *testing.T) {
	h := newHarness(t, engine.Options{})
	tokens := make(chan string, 4)
	h.register(t, suspendPipeline("wait", tokens))
	ctx := context.Background()

	exec, err := h.engine.RunAsync(ctx, "wait", json.RawMessage(`{"key":"ext-1"}`), engine.ExecutionName("job1", "wait", 1))
	if err != nil {
		t.Fatalf("RunAsync failed: %v", err)
	}
	token := receiveToken(t, tokens)

	if err := h.engine.Resume(ctx, token, json.RawMessage(`{"status":"COMPLETED"}`)); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	out, err := waitFor(t, exec)
	if err != nil {
		t.Fatalf("execution failed: %v", err)
	}
	if string(out) != `{"status":"COMPLETED"}` {
		t.Fatalf("output = %s", out)
	}
	if exec.Status() != jobstore.ExecutionSucceeded {
		t.Fatalf("status = %s", exec.Status())
	}
	if err := h.engine.Resume(ctx, token, nil); !errors.Is(err, callback.ErrUnknownToken) {
		t.Fatalf("second resume should fail with ErrUnknownToken, got %v", err)
	}

	rec, err := h.store.Execution(ctx, exec.Name)
	if err != nil {
		t.Fatalf("Execution failed: %v", err)
	}
	if rec.Status != jobstore.ExecutionSucceeded || rec.JobID != "job1" {
		t.Fatalf("journal = %+v", rec)
	}
}

func TestDeliverRoutesByCorrelationKey(t *testing.T) {
	h := newHarness(t, engine.Options{})
	tokens := make(chan string, 4)
	h.register(t, suspendPipeline("wait", tokens))
	ctx := context.Background()

	exec, err := h.engine.RunAsync(ctx, "wait", json.RawMessage(`{"key":"ext-2"}`), "")
	if err != nil {
		t.Fatalf("RunAsync failed: %v", err)
	}
	receiveToken(t, tokens)

	delivery, err := h.engine.Deliver(ctx, "test", "ext-2", json.RawMessage(`"done"`))
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if delivery.Parked {
		t.Fatal("delivery to a waiting step should not park")
	}
	if out, err := waitFor(t, exec); err != nil || string(out) != `"done"` {
		t.Fatalf("execution = %s, %v", out, err)
	}
}

func TestDeliverBeforeSuspendIsParked(t *testing.T) {
	h := newHarness(t, engine.Options{})
	tokens := make(chan string, 4)
	h.register(t, suspendPipeline("wait", tokens))
	ctx := context.Background()

	delivery, err := h.engine.Deliver(ctx, "test", "early", json.RawMessage(`"early-result"`))
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if !delivery.Parked {
		t.Fatal("expected the early completion to be parked")
	}

	out, err := h.engine.Run(ctx, "wait", json.RawMessage(`{"key":"early"}`))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if string(out) != `"early-result"` {
		t.Fatalf("output = %s", out)
	}
	select {
	case token := <-tokens:
		t.Fatalf("OnToken should not run for a parked completion, got %s", token)
	default:
	}
	remaining, err := h.callbacks.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected the slot to be consumed, got %+v", remaining)
	}
}

func TestRunAsyncDeduplicatesByName(t *testing.T) {
	h := newHarness(t, engine.Options{})
	var runs atomic.Int32
	h.register(t, &engine.Pipeline{Name: "once", Root: engine.Task("once", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		runs.Add(1)
		return nil, nil
	})})
	ctx := context.Background()
	name := engine.ExecutionName("job2", "once", 7)

	first, err := h.engine.RunAsync(ctx, "once", nil, name)
	if err != nil {
		t.Fatalf("RunAsync failed: %v", err)
	}
	if _, err := waitFor(t, first); err != nil {
		t.Fatalf("first execution failed: %v", err)
	}
	second, err := h.engine.RunAsync(ctx, "once", nil, name)
	if err != nil {
		t.Fatalf("duplicate RunAsync returned error: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("expected duplicate handle")
	}
	if runs.Load() != 1 {
		t.Fatalf("task ran %d times", runs.Load())
	}
}

func TestAbortReleasesTokensAndEmitsFailure(t *testing.T) {
	var finished atomic.Value
	h := newHarness(t, engine.Options{OnFinish: func(_ context.Context, r engine.Result) { finished.Store(r) }})
	tokens := make(chan string, 4)
	h.register(t, suspendPipeline("wait", tokens))
	ctx := context.Background()

	exec, err := h.engine.RunAsync(ctx, "wait", json.RawMessage(`{"key":"ext-3"}`), engine.ExecutionName("job3", "wait", 1))
	if err != nil {
		t.Fatalf("RunAsync failed: %v", err)
	}
	receiveToken(t, tokens)

	if err := h.engine.Abort(ctx, exec.Name); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if _, err := waitFor(t, exec); !errors.Is(err, engine.ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if exec.Status() != jobstore.ExecutionAborted {
		t.Fatalf("status = %s", exec.Status())
	}
	result, ok := finished.Load().(engine.Result)
	if !ok || result.Status != jobstore.ExecutionAborted || result.JobID != "job3" {
		t.Fatalf("OnFinish result = %+v", result)
	}

	remaining, err := h.callbacks.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected tokens to be released, got %+v", remaining)
	}

	evts, err := h.store.EventsSince(ctx, 0, 100)
	if err != nil {
		t.Fatalf("EventsSince failed: %v", err)
	}
	var failure events.ExecutionFailure
	for _, evt := range evts {
		if evt.Topic == events.TopicExecutionFailed {
			if err := evt.Decode(&failure); err != nil {
				t.Fatalf("decode: %v", err)
			}
		}
	}
	if failure.Execution != exec.Name || failure.Status != string(jobstore.ExecutionAborted) || failure.Pipeline != "wait" {
		t.Fatalf("execution.failed payload = %+v", failure)
	}

	if err := h.engine.Abort(ctx, exec.Name); !errors.Is(err, engine.ErrNotRunning) {
		t.Fatalf("aborting a finished execution should fail, got %v", err)
	}
}

func TestTimeoutEndsSuspendedExecution(t *testing.T) {
	h := newHarness(t, engine.Options{})
	tokens := make(chan string, 4)
	p := suspendPipeline("slow", tokens)
	p.Timeout = 100 * time.Millisecond
	h.register(t, p)

	exec, err := h.engine.RunAsync(context.Background(), "slow", json.RawMessage(`{"key":"never"}`), "")
	if err != nil {
		t.Fatalf("RunAsync failed: %v", err)
	}
	if _, err := waitFor(t, exec); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if exec.Status() != jobstore.ExecutionTimedOut {
		t.Fatalf("status = %s", exec.Status())
	}
}

func TestRecoverReplaysCheckpointedSteps(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	var prepared atomic.Int32
	tokens := make(chan string, 4)
	build := func() *engine.Pipeline {
		p := suspendPipeline("resumable", tokens)
		prepare := engine.Task("prepare", func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
			prepared.Add(1)
			return input, nil
		})
		p.Root = engine.Sequence(prepare, p.Root)
		return p
	}

	first := newHarnessOn(t, store, engine.Options{})
	first.register(t, build())
	exec, err := first.engine.RunAsync(ctx, "resumable", json.RawMessage(`{"key":"ext-4"}`), engine.ExecutionName("job4", "resumable", 1))
	if err != nil {
		t.Fatalf("RunAsync failed: %v", err)
	}
	token := receiveToken(t, tokens)
	if err := first.engine.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	<-exec.Done()
	if exec.Status() != "" {
		t.Fatalf("interrupted execution should not finish, got %s", exec.Status())
	}
	rec, err := store.Execution(ctx, exec.Name)
	if err != nil || rec.Status != jobstore.ExecutionRunning {
		t.Fatalf("journal after shutdown = %+v, %v", rec, err)
	}

	second := newHarnessOn(t, store, engine.Options{})
	second.register(t, build())
	recovered, err := second.engine.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered %d executions, want 1", recovered)
	}
	if replayed := receiveToken(t, tokens); replayed != token {
		t.Fatalf("replay issued token %s, want original %s", replayed, token)
	}
	if err := second.engine.Resume(ctx, token, json.RawMessage(`"resumed"`)); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	testsupport.Eventually(t, 5*time.Second, func() bool {
		rec, err := store.Execution(ctx, exec.Name)
		return err == nil && rec.Status == jobstore.ExecutionSucceeded
	}, "recovered execution never succeeded")
	if prepared.Load() != 1 {
		t.Fatalf("checkpointed task ran %d times", prepared.Load())
	}
}

func TestRecoverFailsUnregisteredPipelines(t *testing.T) {
	h := newHarness(t, engine.Options{})
	ctx := context.Background()
	if err := h.store.CreateExecution(ctx, jobstore.Execution{Name: "job5_gone-1", Pipeline: "gone", JobID: "job5"}); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}
	recovered, err := h.engine.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if recovered != 0 {
		t.Fatalf("recovered = %d", recovered)
	}
	rec, err := h.store.Execution(ctx, "job5_gone-1")
	if err != nil {
		t.Fatalf("Execution failed: %v", err)
	}
	if rec.Status != jobstore.ExecutionFailed {
		t.Fatalf("status = %s", rec.Status)
	}
}

func TestTasksCarryExecutionJobID(t *testing.T) {
	h := newHarness(t, engine.Options{})
	h.register(t, &engine.Pipeline{Name: "whoami", Root: engine.Task("whoami", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		id, _ := services.JobIDFromContext(ctx)
		return json.Marshal(id)
	})})

	exec, err := h.engine.RunAsync(context.Background(), "whoami", nil, engine.ExecutionName("job6", "whoami", "a"))
	if err != nil {
		t.Fatalf("RunAsync failed: %v", err)
	}
	out, err := waitFor(t, exec)
	if err != nil || string(out) != `"job6"` {
		t.Fatalf("output = %s, %v", out, err)
	}
}

func TestRegisterRejectsInvalidPipelines(t *testing.T) {
	h := newHarness(t, engine.Options{})
	tests := []struct {
		name string
		p    *engine.Pipeline
	}{
		{"empty name", &engine.Pipeline{Root: addOne()}},
		{"underscore", &engine.Pipeline{Name: "a_b", Root: addOne()}},
		{"nil root", &engine.Pipeline{Name: "nil-root"}},
		{"empty sequence", &engine.Pipeline{Name: "empty", Root: engine.Sequence()}},
		{"zero attempts", &engine.Pipeline{Name: "retry", Root: engine.Retry(addOne(), engine.RetryPolicy{})}},
		{"suspend without key", &engine.Pipeline{Name: "suspend", Root: engine.Suspend("s", "p", nil)}},
	}
	for _, tt := range tests {
		if err := h.engine.Register(tt.p); !errors.Is(err, engine.ErrInvalidPipeline) {
			t.Fatalf("%s: expected ErrInvalidPipeline, got %v", tt.name, err)
		}
	}
	h.register(t, &engine.Pipeline{Name: "ok", Root: addOne()})
	if err := h.engine.Register(&engine.Pipeline{Name: "ok", Root: addOne()}); !errors.Is(err, engine.ErrInvalidPipeline) {
		t.Fatalf("duplicate register should fail, got %v", err)
	}
	if _, err := h.engine.Run(context.Background(), "missing", nil); !errors.Is(err, engine.ErrUnknownPipeline) {
		t.Fatalf("expected ErrUnknownPipeline, got %v", err)
	}
}

func TestExecutionNames(t *testing.T) {
	name := engine.ExecutionName("4f0c", "translate", 42)
	if name != "4f0c_translate-42" {
		t.Fatalf("name = %s", name)
	}
	if got := engine.JobIDFromExecution(name); got != "4f0c" {
		t.Fatalf("job id = %s", got)
	}
	if got := engine.JobIDFromExecution("no-job"); got != "" {
		t.Fatalf("expected empty job id, got %s", got)
	}
	if a, b := engine.NewDiscriminator(), engine.NewDiscriminator(); a == b {
		t.Fatal("discriminators must be unique")
	}
}
