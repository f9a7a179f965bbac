package pulltask

import "errors"

var (
	// ErrScriptFailed is the failure reported for a non-zero exit status
	ErrScriptFailed = errors.New("Script execution failed")
	// ErrMissingExitStatus is the failure reported when a task is finalized before any terminal event
	ErrMissingExitStatus = errors.New("Script finished without an exit status")

	ErrInvalidInput   = errors.New("invalid task input")
	ErrUnknownTask    = errors.New("unknown task")
	ErrAlreadyStarted = errors.New("task already started")
	// ErrTaskClosed is returned for events delivered to a terminated or stopped task
	ErrTaskClosed = errors.New("task no longer accepts events")
	// ErrNotAwaiting is returned for events delivered to a task that never finished starting
	ErrNotAwaiting   = errors.New("task is not awaiting events")
	ErrStateNotFound = errors.New("task state not found")
)
