package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"doctranslate/internal/jobstore"
	"doctranslate/internal/logging"
	"doctranslate/internal/metrics"
	"doctranslate/internal/services"
)

// Execution is a handle on one pipeline run. A Duplicate handle refers to an
// execution started earlier under the same name; it is already Done and
// carries no result.
type Execution struct {
	Name      string
	Pipeline  string
	Duplicate bool

	done   chan struct{}
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	status jobstore.ExecutionStatus
	output json.RawMessage
	err    error
}

func newExecution(name, pipeline string) *Execution {
	return &Execution{Name: name, Pipeline: pipeline, done: make(chan struct{})}
}

func duplicateExecution(name, pipeline string) *Execution {
	exec := newExecution(name, pipeline)
	exec.Duplicate = true
	close(exec.done)
	return exec
}

// Done is closed when the execution stops in this process.
func (x *Execution) Done() <-chan struct{} {
	return x.done
}

// Wait blocks until the execution stops and returns its output and error.
func (x *Execution) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-x.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.output, x.err
}

// Status returns the terminal status once Done. It is empty for duplicates
// and for executions interrupted by shutdown.
func (x *Execution) Status() jobstore.ExecutionStatus {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status
}

func (x *Execution) finish(status jobstore.ExecutionStatus, output json.RawMessage, err error) {
	x.mu.Lock()
	x.status = status
	x.output = output
	x.err = err
	x.mu.Unlock()
	close(x.done)
}

// Run executes a pipeline to completion under a fresh name and returns its
// output. The job id carried by ctx, if any, prefixes the name. A canceled
// ctx stops the wait, not the execution.
func (e *Engine) Run(ctx context.Context, pipeline string, input json.RawMessage) (json.RawMessage, error) {
	jobID, _ := services.JobIDFromContext(ctx)
	exec, err := e.RunAsync(ctx, pipeline, input, ExecutionName(jobID, pipeline, NewDiscriminator()))
	if err != nil {
		return nil, err
	}
	return exec.Wait(ctx)
}

// RunAsync journals and starts an execution named name (generated when
// empty). When name was already used the returned handle has Duplicate set
// and nothing runs.
func (e *Engine) RunAsync(ctx context.Context, pipeline string, input json.RawMessage, name string) (*Execution, error) {
	p, err := e.pipeline(pipeline)
	if err != nil {
		return nil, err
	}
	if name == "" {
		jobID, _ := services.JobIDFromContext(ctx)
		name = ExecutionName(jobID, pipeline, NewDiscriminator())
	}
	if len(input) == 0 {
		input = json.RawMessage("null")
	}
	if !json.Valid(input) {
		return nil, services.Wrap(services.ErrValidation, pipeline, "start", "input is not valid JSON", nil)
	}

	started := time.Now().UTC()
	var deadline *time.Time
	if p.Timeout > 0 {
		at := started.Add(p.Timeout)
		deadline = &at
	}
	err = e.store.CreateExecution(ctx, jobstore.Execution{
		Name:      name,
		Pipeline:  p.Name,
		JobID:     JobIDFromExecution(name),
		Input:     input,
		StartedAt: started,
		Deadline:  deadline,
	})
	if errors.Is(err, jobstore.ErrExecutionExists) {
		e.logger.Debug("duplicate execution ignored",
			logging.Execution(name),
			logging.String(logging.FieldPipeline, p.Name),
		)
		return duplicateExecution(name, p.Name), nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal execution %s: %w", name, err)
	}

	exec := newExecution(name, p.Name)
	if err := e.start(exec, p, input, started, deadline); err != nil {
		return nil, err
	}
	return exec, nil
}

// Recover restarts every RUNNING journal entry that is not live in this
// process. Executions of pipelines that are no longer registered are failed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	records, err := e.store.ListExecutions(ctx, jobstore.ExecutionFilter{
		Statuses: []jobstore.ExecutionStatus{jobstore.ExecutionRunning},
	})
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, rec := range records {
		if e.isLive(rec.Name) {
			continue
		}
		p, err := e.pipeline(rec.Pipeline)
		if err != nil {
			logging.WarnWithContext(e.logger, "abandoning execution of unregistered pipeline", "execution_abandoned",
				logging.Execution(rec.Name),
				logging.String(logging.FieldPipeline, rec.Pipeline),
				logging.String(logging.FieldImpact, "execution marked FAILED"),
				logging.String(logging.FieldErrorHint, "register the pipeline or abort the execution"),
			)
			_ = e.finishRecord(ctx, rec.Name, rec.Pipeline, jobstore.ExecutionFailed, nil, err)
			continue
		}
		exec := newExecution(rec.Name, p.Name)
		if err := e.start(exec, p, rec.Input, rec.StartedAt, rec.Deadline); err != nil {
			return recovered, err
		}
		recovered++
		e.logger.Info("recovered execution",
			logging.Execution(rec.Name),
			logging.String(logging.FieldPipeline, p.Name),
		)
	}
	return recovered, nil
}

// Abort cancels a live execution, or marks a RUNNING journal entry that is
// not live in this process as ABORTED.
func (e *Engine) Abort(ctx context.Context, name string) error {
	e.mu.Lock()
	exec := e.live[name]
	e.mu.Unlock()
	if exec != nil {
		exec.cancel(ErrAborted)
		return nil
	}
	rec, err := e.store.Execution(ctx, name)
	if err != nil {
		return err
	}
	if rec.Status != jobstore.ExecutionRunning {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, name, rec.Status)
	}
	return e.finishRecord(ctx, name, rec.Pipeline, jobstore.ExecutionAborted, nil, ErrAborted)
}

// Stale returns RUNNING executions that are not live here and whose
// heartbeat is older than the configured timeout.
func (e *Engine) Stale(ctx context.Context) ([]*jobstore.Execution, error) {
	if e.opts.HeartbeatTimeout <= 0 {
		return nil, nil
	}
	records, err := e.store.StaleExecutions(ctx, time.Now().Add(-e.opts.HeartbeatTimeout))
	if err != nil {
		return nil, err
	}
	out := records[:0]
	for _, rec := range records {
		if !e.isLive(rec.Name) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (e *Engine) isLive(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.live[name]
	return ok
}

func (e *Engine) start(exec *Execution, p *Pipeline, input json.RawMessage, started time.Time, deadline *time.Time) error {
	ctx, cancel := context.WithCancelCause(e.ctx)
	exec.cancel = cancel

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel(ErrClosed)
		return ErrClosed
	}
	e.live[exec.Name] = exec
	e.wg.Add(1)
	e.mu.Unlock()

	go e.execute(ctx, exec, p, input, started, deadline)
	return nil
}

func (e *Engine) execute(ctx context.Context, exec *Execution, p *Pipeline, input json.RawMessage, started time.Time, deadline *time.Time) {
	defer e.wg.Done()
	defer exec.cancel(nil)

	if deadline != nil {
		var stop context.CancelFunc
		ctx, stop = context.WithDeadline(ctx, *deadline)
		defer stop()
	}
	ctx = services.WithExecution(ctx, exec.Name)
	ctx = services.WithStage(ctx, p.Name)
	if jobID := JobIDFromExecution(exec.Name); jobID != "" {
		ctx = services.WithJobID(ctx, jobID)
	}
	logger := logging.WithContext(ctx, e.logger)
	logger.Info("execution started", logging.String(logging.FieldPipeline, p.Name))
	metrics.ExecutionStarted(p.Name)

	var hb sync.WaitGroup
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hb.Add(1)
	go e.heartbeatLoop(hbCtx, &hb, exec.Name)

	r := &run{engine: e, name: exec.Name}
	output, err := r.exec(ctx, p.Root, rootPath, input)
	stopHeartbeat()
	hb.Wait()

	elapsed := time.Since(started)
	status := classify(ctx, err)
	if status == "" {
		logger.Info("execution interrupted by shutdown; left for recovery")
		metrics.ExecutionInterrupted(p.Name)
		e.forget(exec.Name)
		exec.finish("", nil, err)
		return
	}

	if status != jobstore.ExecutionSucceeded {
		output = nil
		logging.WarnWithContext(logger, "execution failed", "execution_failed",
			logging.String(logging.FieldPipeline, p.Name),
			logging.String("status", string(status)),
			logging.Duration("elapsed", elapsed),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "inspect the execution journal for the failing step"),
		)
	} else {
		logger.Info("execution succeeded",
			logging.String(logging.FieldPipeline, p.Name),
			logging.Duration("elapsed", elapsed),
		)
	}
	_ = e.finishRecord(context.WithoutCancel(ctx), exec.Name, p.Name, status, output, err)
	metrics.ExecutionFinished(p.Name, string(status), elapsed)
	e.forget(exec.Name)
	exec.finish(status, output, err)
}

// finishRecord journals a terminal status, releases the execution's tokens
// and runs OnFinish.
func (e *Engine) finishRecord(ctx context.Context, name, pipeline string, status jobstore.ExecutionStatus, output json.RawMessage, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := e.store.FinishExecution(ctx, name, status, output, msg); err != nil {
		logging.ErrorWithContext(e.logger, "journal execution finish failed", "journal_failed",
			logging.Execution(name),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the database; the execution stays RUNNING until recovered"),
		)
		return err
	}
	if released, err := e.callbacks.Release(ctx, name); err != nil {
		e.logger.Warn("release callback tokens failed", logging.Execution(name), logging.Error(err))
	} else if released > 0 {
		e.logger.Debug("released callback tokens", logging.Execution(name), logging.Int64("count", released))
	}
	if e.opts.OnFinish != nil {
		e.opts.OnFinish(ctx, Result{
			Name:     name,
			Pipeline: pipeline,
			JobID:    JobIDFromExecution(name),
			Status:   status,
			Output:   output,
			Err:      cause,
		})
	}
	return nil
}

func (e *Engine) forget(name string) {
	e.mu.Lock()
	delete(e.live, name)
	e.mu.Unlock()
}

// classify maps the outcome of a run onto a terminal status. An empty
// status means the engine is shutting down and the execution must stay
// RUNNING.
func classify(ctx context.Context, err error) jobstore.ExecutionStatus {
	if err == nil {
		return jobstore.ExecutionSucceeded
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrAborted):
		return jobstore.ExecutionAborted
	case errors.Is(cause, errShutdown):
		return ""
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return jobstore.ExecutionTimedOut
	default:
		return jobstore.ExecutionFailed
	}
}
