package engine

import "errors"

var (
	// ErrUnknownPipeline indicates a pipeline name that was never registered.
	ErrUnknownPipeline = errors.New("unknown pipeline")
	// ErrInvalidPipeline indicates a pipeline that failed validation.
	ErrInvalidPipeline = errors.New("invalid pipeline")
	// ErrAborted is the cancellation cause of an aborted execution.
	ErrAborted = errors.New("execution aborted")
	// ErrNotRunning indicates an abort of an execution that already finished.
	ErrNotRunning = errors.New("execution not running")
	// ErrClosed indicates the engine was closed.
	ErrClosed = errors.New("engine closed")

	errShutdown = errors.New("engine shutting down")
)
