package scheduler

import "errors"

var (
	// ErrNoWorkAvailable means no test can use the requesting worker right now.
	// Workers see it as a "no_work" answer, not as a failure.
	ErrNoWorkAvailable = errors.New("no work available")
	// ErrUnknownTask means the task was never issued or is not held by the caller.
	ErrUnknownTask = errors.New("unknown task")
	// ErrMalformedResult means a reported result was inconsistent. The task is
	// flagged and stays active.
	ErrMalformedResult = errors.New("malformed result")
	ErrTestNotFound    = errors.New("test not found")
	ErrInvalidTest     = errors.New("invalid test")
	// ErrInvalidTransition wraps a rejected operator status change.
	ErrInvalidTransition = errors.New("invalid state transition")
)
