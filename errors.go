package mare

import "errors"

// Sentinel errors returned by the public API for programmer-visible misuse.
var (
	// ErrAlreadyLaunched is returned by Launch/AddDependency when the task
	// has already left the UNLAUNCHED state.
	ErrAlreadyLaunched = errors.New("mare: task already launched")

	// ErrNotRunning reports a runtime that is not running. No operation in
	// this package returns it; operations after Shutdown report
	// ErrShuttingDown.
	ErrNotRunning = errors.New("mare: runtime not running")

	// ErrCyclicDependency is returned by AddDependency when pred and succ
	// are the same task. Longer cycles are not detected.
	ErrCyclicDependency = errors.New("mare: cyclic task dependency")

	// ErrNilBody is returned by CreateTask/LaunchFunc when body is nil.
	ErrNilBody = errors.New("mare: task body must not be nil")

	// ErrNilHandle is returned when a nil task handle is passed where a
	// live one is required.
	ErrNilHandle = errors.New("mare: nil task handle")

	// ErrCanceled is returned by WaitFor when the waited task or group was
	// canceled rather than completed normally.
	ErrCanceled = errors.New("mare: canceled")

	// ErrShuttingDown is returned by Launch, and by a WaitFor made from
	// inside a running task, once Shutdown has begun. CreateTask does not
	// check for shutdown.
	ErrShuttingDown = errors.New("mare: runtime is shutting down")
)

// errAbortTask is the internal panic value AbortOnCancel raises to unwind a
// running task's body. It is recovered exactly once, in the worker's
// dispatch loop, and never escapes to user code as a returned error.
type errAbortTask struct{}

func (errAbortTask) Error() string { return "mare: task aborted via cancellation" }
