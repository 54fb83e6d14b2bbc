package schedz

import (
	"context"
	"os/exec"
	"syscall"
	"time"

	"github.com/zoobzio/capitan"
)

// Task is a handle to work submitted with Async: a typed view over the
// Cell a worker's job resolves into (§4.2/§3).
type Task[T any] struct {
	thread *Thread
	ticket uint64
	cell   *Cell[any]
}

// CreateThread starts a new worker goroutine and returns a handle to it
// (§4.2's create_thread). ctx must carry a Scheduler installed by Run.
func CreateThread(ctx context.Context) (*Thread, error) {
	s, err := FromContext(ctx)
	if err != nil {
		return nil, err
	}
	return s.CreateThread(), nil
}

// StopThread refuses new work on t, drains its queue, and joins its
// goroutine (§4.2's complete_tasks_and_stop).
func StopThread(ctx context.Context, t *Thread) error {
	s, err := FromContext(ctx)
	if err != nil {
		return err
	}
	s.StopThread(t)
	return nil
}

// Async submits f to run on thread and returns a Task awaitable with
// Await/AwaitNoCancel (§4.2's add_work).
func Async[T any](ctx context.Context, thread *Thread, f func() (T, error)) (*Task[T], error) {
	cell, ticket, err := thread.addWork(func() (any, error) { return f() })
	if err != nil {
		return nil, err
	}
	return &Task[T]{thread: thread, ticket: ticket, cell: cell}, nil
}

// Await suspends the calling fiber until task resolves or ctx is done
// (§4.2/Cell's suspension contract).
func Await[T any](ctx context.Context, task *Task[T]) (T, error) {
	var zero T
	val, err := task.cell.Await(ctx)
	if err != nil {
		return zero, err
	}
	if val == nil {
		return zero, nil
	}
	return val.(T), nil
}

// AwaitNoCancel is Await without a cancellable suspension point: it
// cannot return early even if ctx is later cancelled, matching the
// specification's separate non-cancellable primitive.
func AwaitNoCancel[T any](task *Task[T]) (T, error) {
	var zero T
	val, err := task.cell.AwaitNoCancel()
	if err != nil {
		return zero, err
	}
	if val == nil {
		return zero, nil
	}
	return val.(T), nil
}

// CancelTask removes task's job from its thread's queue if it has not
// started yet, then delivers a Cancelled completion through the event
// channel so events_pending accounting stays exact regardless of whether
// the cancel won the race against the worker already starting the job
// (§4.2, and worker.go's cancelIfNotConsumed doc comment).
func CancelTask[T any](ctx context.Context, task *Task[T]) error {
	s, err := FromContext(ctx)
	if err != nil {
		return err
	}
	cell, ok := task.thread.cancelIfNotConsumed(task.ticket)
	if !ok {
		return nil
	}
	s.emit(newJobCompleted(func() { cell.Fill(nil, ErrCancelled) }))
	capitan.Info(s.ctx, SignalWorkerCancelled, FieldWorkerID.Field(task.thread.id))
	return nil
}

// CreateTimer allocates a fresh, unarmed Timer (§4.3's create_timer).
func CreateTimer(ctx context.Context, delay time.Duration) (*Timer, error) {
	s, err := FromContext(ctx)
	if err != nil {
		return nil, err
	}
	return s.timers.createTimer(s, delay), nil
}

// SetDelay mutates timer's delay for future arms; an already-armed
// deadline is unaffected (§9 Open Question, resolved in SPEC_FULL.md).
func SetDelay(timer *Timer, delay time.Duration) {
	timer.SetDelay(delay)
}

// Schedule arms (or replaces/debounces) timer and, once it resolves,
// calls f and returns its result. If a prior arming is displaced its
// fiber sees ErrCancelled immediately (§4.3).
func Schedule[T any](ctx context.Context, timer *Timer, f func() (T, error)) (T, error) {
	var zero T
	val, err := timer.sched.timers.schedule(ctx, timer.sched, timer, func() (any, error) { return f() })
	if err != nil {
		return zero, err
	}
	if val == nil {
		return zero, nil
	}
	return val.(T), nil
}

// CancelTimer disarms timer if it is currently armed (§4.3).
func CancelTimer(timer *Timer) {
	timer.sched.timers.cancelTimer(timer.sched, timer)
}

// Sleep suspends the calling fiber for d. Unlike Schedule/CancelTimer,
// sleepers are one-shot and never individually cancellable (§3, §4.3).
func Sleep(ctx context.Context, d time.Duration) error {
	s, err := FromContext(ctx)
	if err != nil {
		return err
	}
	return s.timers.sleep(ctx, s, d)
}

// Detach runs f as a background fiber whose completion is accounted for
// deadlock-detection purposes but not awaited by anyone.
func Detach(ctx context.Context, f func(ctx context.Context) (any, error)) error {
	s, err := FromContext(ctx)
	if err != nil {
		return err
	}
	s.Detach(f)
	return nil
}

// ProcessHandle is a registered child process awaitable with
// WaitForProcess/WaitForProcessWithTimeout (§4.4).
type ProcessHandle struct {
	pid  int
	cell *Cell[*ProcessResult]
}

// Pid returns the OS process id this handle watches.
func (h *ProcessHandle) Pid() int { return h.pid }

// StartProcess starts cmd and registers its pid with the process watcher
// (§4.4's register, fronted by an idiomatic os/exec start). Handles the
// zombie race transparently: if the child exits before registration
// completes, the result is still delivered correctly.
func StartProcess(ctx context.Context, cmd *exec.Cmd) (*ProcessHandle, error) {
	s, err := FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	cell := s.processes.register(cmd.Process.Pid, cmd.Process)
	return &ProcessHandle{pid: cmd.Process.Pid, cell: cell}, nil
}

// RegisterProcess registers a pid this runtime did not itself start (for
// example, one discovered out of band), with no *os.Process handle
// available for Killall to signal.
func RegisterProcess(ctx context.Context, pid int) (*ProcessHandle, error) {
	s, err := FromContext(ctx)
	if err != nil {
		return nil, err
	}
	cell := s.processes.register(pid, nil)
	return &ProcessHandle{pid: pid, cell: cell}, nil
}

// WaitForProcess suspends the calling fiber until handle's process exits
// (§4.4's await/join).
func WaitForProcess(ctx context.Context, handle *ProcessHandle) (*ProcessResult, error) {
	return handle.cell.Await(ctx)
}

// WaitForProcessWithTimeout is the supplemented convenience primitive
// SPEC_FULL.md adds: it derives a deadline from the scheduler's own Clock
// (rather than time.After) so it behaves correctly under
// clockz.NewFakeClock() in tests.
func WaitForProcessWithTimeout(ctx context.Context, handle *ProcessHandle, d time.Duration) (*ProcessResult, error) {
	s, err := FromContext(ctx)
	if err != nil {
		return nil, err
	}
	tctx, cancel := s.clock.WithTimeout(ctx, d)
	defer cancel()
	return handle.cell.Await(tctx)
}

// Killall signals every currently-registered process that owns an
// *os.Process handle (§4.4's killall).
func Killall(ctx context.Context, sig syscall.Signal) error {
	s, err := FromContext(ctx)
	if err != nil {
		return err
	}
	s.processes.killall(sig)
	return nil
}

// Abort requests early termination of the running scheduler (§4.5).
func Abort(ctx context.Context) error {
	s, err := FromContext(ctx)
	if err != nil {
		return err
	}
	s.Abort()
	return nil
}

// GetStats returns a point-in-time load snapshot for the running
// scheduler.
func GetStats(ctx context.Context) (Stats, error) {
	s, err := FromContext(ctx)
	if err != nil {
		return Stats{}, err
	}
	return s.Stats(), nil
}
