package jobstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConditionFailed indicates a conditional write whose condition did
	// not hold. The stored value is left untouched.
	ErrConditionFailed = errors.New("condition failed")
	// ErrStatusRegression indicates a job status write that would move the
	// job backwards. It wraps ErrConditionFailed.
	ErrStatusRegression = fmt.Errorf("%w: status regression", ErrConditionFailed)
	// ErrForbidden indicates a pipeline execution touching rows outside its
	// own job.
	ErrForbidden = errors.New("forbidden: execution may only update its own job")
	// ErrInvalid indicates a malformed create request.
	ErrInvalid = errors.New("invalid request")
	// ErrExecutionExists indicates an execution name collision.
	ErrExecutionExists = errors.New("execution already exists")
	// ErrCallbackExists indicates a callback row already occupies the
	// (purpose, key) slot.
	ErrCallbackExists = errors.New("callback already registered")
)
