package schedz

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies the reason a scheduler operation failed, mirroring the
// error kinds in §7 of the specification.
type Kind int

const (
	// KindCancelled marks a cooperative, expected outcome: a task or timer
	// arming was cancelled before it resolved.
	KindCancelled Kind = iota
	// KindException marks user code on a worker that panicked or returned
	// an error.
	KindException
	// KindStopped marks an attempted submission to a stopped worker.
	KindStopped
	// KindAbortRequested marks an explicit Abort() reaching the driver.
	KindAbortRequested
	// KindNever marks a driver that found no pending events and no live
	// producer that could ever unblock it — a diagnosed deadlock.
	KindNever
	// KindInvariant marks an internal invariant violation (double reap,
	// pid reuse, channel misuse, negative pending count). These indicate
	// scheduler bugs, never user input.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindCancelled:
		return "cancelled"
	case KindException:
		return "exception"
	case KindStopped:
		return "stopped"
	case KindAbortRequested:
		return "abort_requested"
	case KindNever:
		return "never"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Fault wraps a scheduler-level failure with the component path that
// raised it, following the reference library's Error[T] pattern: a single
// rich error type instead of one bespoke type per failure mode.
type Fault struct {
	Err       error
	Path      []string
	Timestamp time.Time
	Duration  time.Duration
	Kind      Kind
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f == nil {
		return "<nil>"
	}
	path := "unknown"
	if len(f.Path) > 0 {
		path = f.Path[0]
		for _, p := range f.Path[1:] {
			path += " -> " + p
		}
	}
	if f.Err != nil {
		return fmt.Sprintf("%s: %s failed: %v", f.Kind, path, f.Err)
	}
	return fmt.Sprintf("%s: %s failed", f.Kind, path)
}

// Unwrap supports errors.Is/errors.As against the underlying cause.
func (f *Fault) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// Is matches against the sentinel errors below by Kind, so callers can
// write errors.Is(err, schedz.ErrCancelled) without reaching into Fault.
func (f *Fault) Is(target error) bool {
	switch target {
	case ErrCancelled:
		return f.Kind == KindCancelled
	case ErrStopped:
		return f.Kind == KindStopped
	case ErrAbortRequested:
		return f.Kind == KindAbortRequested
	case ErrNeverCompletable:
		return f.Kind == KindNever
	}
	return false
}

func newFault(kind Kind, path string, err error) *Fault {
	return &Fault{Kind: kind, Path: []string{path}, Err: err, Timestamp: time.Now()}
}

// newFaultAt is newFault with an explicit timestamp, used wherever a
// scheduler's own clockz.Clock is in scope so Fault.Timestamp stays
// reproducible under a fake clock in tests.
func newFaultAt(kind Kind, path string, err error, at time.Time) *Fault {
	return &Fault{Kind: kind, Path: []string{path}, Err: err, Timestamp: at}
}

// Sentinel errors checked with errors.Is. They are also the values
// returned directly where the spec does not demand a path (e.g. Await
// returning a cancelled-task error).
var (
	// ErrCancelled is returned by Await/Schedule when the corresponding
	// cell was filled with a cancellation instead of a result.
	ErrCancelled = errors.New("schedz: cancelled")
	// ErrStopped is returned by add_work/Async when a worker has already
	// been told to stop accepting new jobs.
	ErrStopped = errors.New("schedz: worker stopped")
	// ErrAbortRequested is the abort reason returned by Run and RunResult
	// when Abort() reached the driver.
	ErrAbortRequested = errors.New("schedz: abort requested")
	// ErrNeverCompletable is the abort reason returned when the driver
	// finds zero pending events and an empty channel: no fiber can ever
	// be resumed again.
	ErrNeverCompletable = errors.New("schedz: no pending work can ever complete (deadlock)")
	// ErrChannelClosed is the internal Closed status returned by the event
	// channel's Get when it is closed and empty. It only escapes during
	// shutdown-path assertions.
	ErrChannelClosed = errors.New("schedz: event channel closed")
	// ErrNoScheduler is returned when a primitive is called outside of a
	// running scheduler (see Design Note: process-wide scheduler context).
	ErrNoScheduler = errors.New("schedz: no scheduler in context")
)

// Exception wraps a panic or error raised by user code running on a
// worker, capturing a best-effort stack trace the way the specification's
// Exception(e, backtrace) does.
type Exception struct {
	Cause   error
	Stack   string
	Message string
}

func (e *Exception) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "schedz: worker job panicked"
}

func (e *Exception) Unwrap() error { return e.Cause }
