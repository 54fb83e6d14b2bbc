package schedz

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Config holds the options Run/RunResult take (SPEC_FULL.md's ambient
// configuration surface). Every field has a default chosen to match the
// specification's own defaults (100ms timer resolution, SIGCHLD/SIGUSR1).
type Config struct {
	// TimerResolution is the tick cadence of the timer wheel (§2, default
	// 100ms).
	TimerResolution time.Duration
	// Clock is the time source every timer, sleeper, and worker span uses.
	// Swap in clockz.NewFakeClock() for deterministic tests.
	Clock clockz.Clock
	// SignalMask is the set of signals the process watcher's reaper
	// listens for on POSIX. Go cannot express a true per-goroutine
	// sigprocmask (worker.go's doc comment explains the substitution this
	// project uses instead), but the reaper's own subscription list is
	// genuinely configurable, so it is exposed here rather than hardcoded.
	SignalMask []os.Signal
	// EventQueueWarnDepth, when positive, makes the driver emit a
	// capitan.Warn signal once the event channel's queued-but-undrained
	// length reaches it — a soft backpressure signal, since the channel
	// itself (container/list backed) has no hard capacity to enforce.
	EventQueueWarnDepth int
	// WorkerCount is how many Thread goroutines Run starts up front via
	// CreateThread before running the root fiber. Additional threads may
	// still be created later with CreateThread.
	WorkerCount int
}

// Option mutates a Config. Functional options match the reference
// library's With* constructor pattern.
type Option func(*Config)

func WithTimerResolution(d time.Duration) Option {
	return func(c *Config) { c.TimerResolution = d }
}

func WithClock(clock clockz.Clock) Option {
	return func(c *Config) { c.Clock = clock }
}

func WithSignalMask(sigs ...os.Signal) Option {
	return func(c *Config) { c.SignalMask = sigs }
}

func WithEventChannelCapacity(n int) Option {
	return func(c *Config) { c.EventQueueWarnDepth = n }
}

func WithWorkerCount(n int) Option {
	return func(c *Config) { c.WorkerCount = n }
}

func defaultConfig() Config {
	return Config{
		TimerResolution:     100 * time.Millisecond,
		Clock:               clockz.RealClock,
		SignalMask:          []os.Signal{syscall.SIGCHLD, syscall.SIGUSR1},
		EventQueueWarnDepth: 0,
		WorkerCount:         0,
	}
}

// SchedulerEvent is emitted via hookz at the two scheduler lifecycle
// transitions Run drives through.
type SchedulerEvent struct {
	Phase     string
	Timestamp time.Time
}

var (
	lifecycleStarted = hookz.Key("scheduler.started")
	lifecycleStopped = hookz.Key("scheduler.stopped")
)

const (
	schedulerPendingGauge = metricz.Key("scheduler.events_pending")
	schedulerWorkerGauge  = metricz.Key("scheduler.workers.count")
)

// Scheduler is the runtime data model of §3: the event channel, the
// events_pending counter, the timer wheel, the worker threads, and the
// process watcher, all reachable from any fiber through the context
// installed by Run (context.go).
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	ch      *eventChannel
	pending *atomicPendingGauge

	timers    *timerWheel
	processes *processWatcher

	clock   clockz.Clock
	hooks   *hookz.Hooks[SchedulerEvent]
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	cfg     Config

	workersMu    sync.Mutex
	workers      []*Thread
	nextWorkerID int

	running atomic.Bool
}

// New constructs a Scheduler without running it. Most callers want Run or
// RunResult instead; New is exposed for callers that need to drive the
// fiber driver loop themselves (e.g. embedding schedz in a larger event
// loop).
func New(parent context.Context, opts ...Option) *Scheduler {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockz.RealClock
	}
	if cfg.TimerResolution <= 0 {
		cfg.TimerResolution = 100 * time.Millisecond
	}
	if cfg.WorkerCount < 0 {
		cfg.WorkerCount = 0
	}

	s := &Scheduler{
		ch:      newEventChannel(),
		pending: &atomicPendingGauge{},
		clock:   cfg.Clock,
		hooks:   hookz.New[SchedulerEvent](),
		metrics: metricz.New(),
		tracer:  tracez.New(),
		cfg:     cfg,
	}
	s.metrics.Gauge(schedulerPendingGauge)
	s.metrics.Gauge(schedulerWorkerGauge)
	s.metrics.Counter(driverTicksTotal)

	ctx, cancel := context.WithCancel(withScheduler(parent, s))
	s.ctx = ctx
	s.cancel = cancel

	s.timers = newTimerWheel(cfg.Clock, cfg.TimerResolution)
	s.processes = newProcessWatcher(s, cfg.SignalMask)

	for i := 0; i < cfg.WorkerCount; i++ {
		s.CreateThread()
	}

	return s
}

// CreateThread starts a new worker goroutine (§4.2) and returns a handle
// to it. Safe to call at any point while the scheduler is running.
func (s *Scheduler) CreateThread() *Thread {
	s.workersMu.Lock()
	id := s.nextWorkerID
	s.nextWorkerID++
	t := createThread(s, id)
	s.workers = append(s.workers, t)
	s.metrics.Gauge(schedulerWorkerGauge).Set(float64(len(s.workers)))
	s.workersMu.Unlock()
	return t
}

// StopThread drains and joins t, removing it from the scheduler's worker
// list.
func (s *Scheduler) StopThread(t *Thread) {
	t.stop()
	s.workersMu.Lock()
	for i, w := range s.workers {
		if w == t {
			s.workers = append(s.workers[:i], s.workers[i+1:]...)
			break
		}
	}
	s.metrics.Gauge(schedulerWorkerGauge).Set(float64(len(s.workers)))
	s.workersMu.Unlock()
}

// Abort requests early termination of the running driver loop (§4.5):
// the next iter() to observe the Abort sentinel returns ErrAbortRequested
// from Run/RunResult instead of waiting for the root fiber to finish
// naturally. A no-op once the scheduler has already stopped.
func (s *Scheduler) Abort() {
	if !s.running.Load() {
		return
	}
	s.emit(abortEvent)
	capitan.Info(s.ctx, SignalDriverAborted)
}

// emit delivers events to the event channel, swallowing the "send on
// closed channel" panic (channel.go, invariant 2) rather than letting it
// escape. Every producer computes its result first and only reaches here
// afterwards, so by the time shutdown has cancelled the scheduler's
// context and moved on to closing the channel, a producer still mid-send
// is racing a shutdown that has already won — there is nothing left to
// observe the event, so dropping it is correct. drainPending is what
// keeps this race from happening for the one producer (the root fiber
// itself) shutdown actually waits on.
func (s *Scheduler) emit(events ...Event) {
	defer func() { recover() }() //nolint:errcheck
	s.ch.SendMany(events...)
}

// Detach runs f as a background fiber not awaited by anyone: its
// completion is still accounted in events_pending (so the driver won't
// mistake it for deadlock) but Run does not wait on it specifically. Any
// error f returns is only observable through f's own side effects, the
// Go analogue of the specification's fire-and-forget detached fiber.
func (s *Scheduler) Detach(f func(ctx context.Context) (any, error)) {
	cell := NewCell[any]()
	s.pending.Add(1)
	go func() {
		val, err := s.protectedRoot(f)
		s.emit(newJobCompleted(func() { cell.Fill(val, err) }))
	}()
}

func (s *Scheduler) protectedRoot(f func(ctx context.Context) (any, error)) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Exception{
				Message: fmt.Sprintf("root fiber panicked: %v", r),
				Stack:   string(debug.Stack()),
			}
		}
	}()
	return f(s.ctx)
}

// Stats is a point-in-time snapshot of scheduler load, the supplemented
// diagnostics surface SPEC_FULL.md adds on top of the specification's
// core model.
type Stats struct {
	PendingEvents   int64
	Workers         int
	ActiveTimers    int
	ActiveProcesses int
}

func (s *Scheduler) Stats() Stats {
	s.workersMu.Lock()
	workers := len(s.workers)
	s.workersMu.Unlock()

	s.timers.mu.Lock()
	timerCount := len(s.timers.timers)
	s.timers.mu.Unlock()

	s.processes.mu.Lock()
	procCount := len(s.processes.table)
	s.processes.mu.Unlock()

	return Stats{
		PendingEvents:   s.pending.Load(),
		Workers:         workers,
		ActiveTimers:    timerCount,
		ActiveProcesses: procCount,
	}
}

// OnLifecycle subscribes to the two phases Run/RunResult emit: "started"
// right before the root fiber begins, and "stopped" once shutdown is
// complete.
func (s *Scheduler) OnLifecycle(handler func(context.Context, SchedulerEvent) error) error {
	_, err := s.hooks.Hook(lifecycleStarted, handler)
	if err != nil {
		return err
	}
	_, err = s.hooks.Hook(lifecycleStopped, handler)
	return err
}

// Run executes f as the root fiber and blocks until it completes or Abort
// is called (ErrAbortRequested). Run does not detect deadlock: the root
// fiber holds a pending slot until it returns, so a root fiber blocked on a
// cell nothing will fill keeps Run blocked and ErrNeverCompletable is never
// returned from here. It always tears the scheduler down before
// returning: worker threads are stopped, armed timers and registered
// processes are cancelled, and the event channel is closed.
func Run(parent context.Context, f func(ctx context.Context) (any, error), opts ...Option) (any, error) {
	s := New(parent, opts...)
	return s.run(f)
}

// RunResult is Run generic over T, the ergonomic entry point most callers
// use instead of threading `any` through their own code.
func RunResult[T any](parent context.Context, f func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	val, err := Run(parent, func(ctx context.Context) (any, error) {
		return f(ctx)
	}, opts...)
	var zero T
	if err != nil {
		return zero, err
	}
	if val == nil {
		return zero, nil
	}
	return val.(T), nil
}

func (s *Scheduler) run(f func(ctx context.Context) (any, error)) (any, error) {
	s.running.Store(true)
	capitan.Info(s.ctx, SignalSchedulerStarted)
	_ = s.hooks.Emit(s.ctx, lifecycleStarted, SchedulerEvent{Phase: "started", Timestamp: s.clock.Now()}) //nolint:errcheck

	go s.timers.run(s, s.ctx.Done())

	root := NewCell[any]()
	s.pending.Add(1)
	go func() {
		val, err := s.protectedRoot(f)
		s.emit(newJobCompleted(func() { root.Fill(val, err) }))
	}()

	var runErr error
	for {
		if root.Resolved() {
			break
		}
		if err := s.iter(); err != nil {
			runErr = err
			break
		}
	}

	s.shutdown()

	if runErr != nil {
		return nil, runErr
	}
	return root.AwaitNoCancel()
}

// shutdown stops every worker, cancels every armed timer and registered
// process, and closes the event channel. It is safe to call exactly once
// per Scheduler, which run() guarantees.
func (s *Scheduler) shutdown() {
	s.running.Store(false)

	s.workersMu.Lock()
	workers := s.workers
	s.workers = nil
	s.workersMu.Unlock()
	for _, t := range workers {
		t.stop()
	}

	s.timers.cancelTimers(s)
	s.processes.cancelAll()
	s.processes.close()

	// Cancelling here, before the channel closes, wakes any fiber still
	// blocked on a ctx-aware Await (the root fiber included) so it can
	// unwind and deliver its own completion. drainPending applies those
	// completions while the channel is still open, so the root fiber's
	// own send never races Close below.
	s.cancel()
	s.drainPending()

	if !s.ch.IsEmpty() {
		capitan.Warn(s.ctx, SignalSchedulerStopped,
			FieldPendingCount.Field(s.ch.Len()),
			FieldReason.Field("shutdown reached with undrained events"))
	}
	s.ch.Close()

	_ = s.hooks.Emit(context.Background(), lifecycleStopped, SchedulerEvent{Phase: "stopped", Timestamp: s.clock.Now()}) //nolint:errcheck
	s.hooks.Close()
	s.timers.tracer.Close()
	s.tracer.Close()
	capitan.Info(context.Background(), SignalSchedulerStopped)
}

// drainPending applies completions for whatever is still accounted in
// events_pending after cancellation — normally just the root fiber's own
// slot, plus any Detach'd fiber still unwinding. Workers are already
// joined and timers/processes already cancelled directly above, so
// nothing else reaches the channel from this point on. A fiber blocked
// in AwaitNoCancel ignores the cancellation above by design and can make
// this loop block indefinitely; that is the documented cost of
// AwaitNoCancel, not a bug introduced here.
func (s *Scheduler) drainPending() {
	for s.pending.Load() > 0 {
		ev, status := s.ch.Get()
		if status == statusClosed {
			return
		}
		if ev.isAbort {
			continue
		}
		ev.fill()
		s.pending.Add(-1)
	}
}
