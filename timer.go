package schedz

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// TimerID identifies a Timer for the lifetime of a Scheduler.
type TimerID uint64

// resolved is the sentinel value a timer's cell is filled with when its
// arming elapses (as opposed to being cancelled).
type resolved struct{}

// Timer is the specification's { delay, id, scheduler } value (§3). Its
// delay is mutable (SetDelay) and every Timer has at most one active
// arming at a time (invariant 3).
type Timer struct {
	sched *Scheduler
	id    TimerID
	mu    sync.Mutex
	delay time.Duration
}

// ID returns the timer's identity, stable for its lifetime.
func (t *Timer) ID() TimerID { return t.id }

// SetDelay mutates the delay used by future arms of this timer. Per the
// Open Question in §9 (and SPEC_FULL.md's decision), this has no effect on
// an already-armed timer: the currently scheduled deadline is not
// recomputed, only the next Schedule call picks up the new value.
func (t *Timer) SetDelay(d time.Duration) {
	t.mu.Lock()
	t.delay = d
	t.mu.Unlock()
}

// Delay returns the timer's current delay.
func (t *Timer) Delay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delay
}

// activeTimer materializes one arming of a Timer (§3).
type activeTimer struct {
	deadline time.Time
	cell     *Cell[any]
}

// sleeperEntry is a one-shot, never-individually-cancelled sleeper (§3).
type sleeperEntry struct {
	deadline time.Time
	cell     *Cell[any]
}

// TimerEvent is emitted via hookz for timer lifecycle transitions.
type TimerEvent struct {
	TimerID   TimerID
	Delay     time.Duration
	Debounced bool
	Timestamp time.Time
}

const (
	timerFiresTotal     = metricz.Key("timer.fires.total")
	timerDebouncedTotal = metricz.Key("timer.debounced.total")
	timerCancelledTotal = metricz.Key("timer.cancelled.total")
	timerArmedGauge     = metricz.Key("timer.armed.count")
	sleepersFiredTotal  = metricz.Key("timer.sleepers.fired.total")
)

// timerWheel holds the pending timers and sleepers (§4.3) and runs the
// dedicated tick loop. It is embedded in Scheduler rather than exposed
// directly, matching the data model in §3 ("a timer mutex guarding the
// timer table and sleeper list" lives on the Scheduler).
type timerWheel struct {
	mu         sync.Mutex
	timers     map[TimerID]*activeTimer
	sleepers   []*sleeperEntry
	nextID     atomic.Uint64
	resolution time.Duration
	clock      clockz.Clock
	hooks      *hookz.Hooks[TimerEvent]
	metrics    *metricz.Registry
	tracer     *tracez.Tracer
}

func newTimerWheel(clock clockz.Clock, resolution time.Duration) *timerWheel {
	tw := &timerWheel{
		timers:     make(map[TimerID]*activeTimer),
		resolution: resolution,
		clock:      clock,
		hooks:      hookz.New[TimerEvent](),
		metrics:    metricz.New(),
		tracer:     tracez.New(),
	}
	tw.metrics.Counter(timerFiresTotal)
	tw.metrics.Counter(timerDebouncedTotal)
	tw.metrics.Counter(timerCancelledTotal)
	tw.metrics.Gauge(timerArmedGauge)
	tw.metrics.Counter(sleepersFiredTotal)
	return tw
}

// createTimer allocates a fresh id with no scheduling side effect (§4.3).
func (tw *timerWheel) createTimer(s *Scheduler, delay time.Duration) *Timer {
	id := TimerID(tw.nextID.Add(1))
	return &Timer{sched: s, id: id, delay: delay}
}

// schedule implements the arm/replace/debounce contract of §4.3.
func (tw *timerWheel) schedule(ctx context.Context, s *Scheduler, timer *Timer, f func() (any, error)) (any, error) {
	delay := timer.Delay()

	tw.mu.Lock()
	now := tw.clock.Now()
	displaced, hadPrior := tw.timers[timer.id]
	newCell := NewCell[any]()
	tw.timers[timer.id] = &activeTimer{
		deadline: now.Add(delay),
		cell:     newCell,
	}
	if !hadPrior {
		s.pending.Add(1)
	}
	tw.metrics.Gauge(timerArmedGauge).Set(float64(len(tw.timers)))
	tw.mu.Unlock()

	if hadPrior {
		// The displaced cell was never independently accounted in
		// events_pending — only the newest arming holds that run's one
		// counted slot — so this fill bypasses the event channel
		// entirely and resolves synchronously, giving debounce its
		// immediate-cancellation behaviour (S2/Testable Property 5).
		displaced.cell.Fill(nil, ErrCancelled)
		tw.metrics.Counter(timerDebouncedTotal).Inc()
		_ = tw.hooks.Emit(ctx, debounceEvent, TimerEvent{TimerID: timer.id, Delay: delay, Debounced: true, Timestamp: now}) //nolint:errcheck
		capitan.Info(ctx, SignalTimerDisplaced, FieldTimerID.Field(int(timer.id)))
	}
	capitan.Info(ctx, SignalTimerArmed, FieldTimerID.Field(int(timer.id)), FieldDelay.Field(delay.Seconds()))

	_, err := newCell.Await(ctx)
	if err != nil {
		return nil, err
	}
	return f()
}

// cancelTimer removes the armed timer if present, delivering its
// cancellation through the event channel so events_pending is
// decremented the same way every other resolution is: by iter()
// dequeuing the JobCompleted event (invariant 1).
func (tw *timerWheel) cancelTimer(s *Scheduler, timer *Timer) {
	tw.mu.Lock()
	at, ok := tw.timers[timer.id]
	if ok {
		delete(tw.timers, timer.id)
		tw.metrics.Gauge(timerArmedGauge).Set(float64(len(tw.timers)))
	}
	tw.mu.Unlock()
	if !ok {
		return
	}
	tw.metrics.Counter(timerCancelledTotal).Inc()
	cell := at.cell
	s.emit(newJobCompleted(func() { cell.Fill(nil, ErrCancelled) }))
	capitan.Info(s.ctx, SignalTimerCancelled, FieldTimerID.Field(int(timer.id)))
}

// sleep appends a one-shot, non-cancellable sleeper and blocks the
// calling goroutine (fiber) on its cell.
func (tw *timerWheel) sleep(ctx context.Context, s *Scheduler, d time.Duration) error {
	cell := NewCell[any]()
	tw.mu.Lock()
	tw.sleepers = append(tw.sleepers, &sleeperEntry{deadline: tw.clock.Now().Add(d), cell: cell})
	tw.mu.Unlock()
	s.pending.Add(1)

	_, err := cell.Await(ctx)
	return err
}

// cancelTimers is the shutdown helper that drains every armed timer with
// Cancelled fills directly, without routing through the event channel: by
// the time it runs the scheduler is already tearing down and no driver
// will ever dequeue again. Each armed timer was counted in s.pending when
// schedule armed it, so cancelTimers must decrement pending by the same
// count here or the shutdown drain that follows waits for completions
// that will never arrive. Pending sleepers are dropped the same way: their
// slots are released and their cells are left unfilled.
func (tw *timerWheel) cancelTimers(s *Scheduler) {
	tw.mu.Lock()
	timers := tw.timers
	tw.timers = make(map[TimerID]*activeTimer)
	sleepers := len(tw.sleepers)
	tw.sleepers = nil
	tw.mu.Unlock()
	if n := len(timers) + sleepers; n > 0 {
		s.pending.Add(-int64(n))
	}
	for _, at := range timers {
		at.cell.Fill(nil, ErrCancelled)
	}
	capitan.Emit(context.Background(), SignalTimersDrained, FieldPendingCount.Field(len(timers)))
}

// tickFill pairs a fill event with the deadline it was due to fire at, so
// a single tick's fills can be delivered in temporal order even when the
// 100ms-resolution wakeup causes several unrelated timers/sleepers with
// different original delays to elapse in the same pass (§4.3).
type tickFill struct {
	deadline time.Time
	event    Event
}

// tick runs one pass of the timer loop (§4.3): partition elapsed
// sleepers, filter elapsed timers in place, and batch-enqueue all fills
// sorted by original scheduled time for temporal fairness.
func (tw *timerWheel) tick(s *Scheduler) {
	now := tw.clock.Now()
	var fills []tickFill

	var firedTimers, firedSleepers int

	tw.mu.Lock()
	if len(tw.sleepers) > 0 {
		remaining := tw.sleepers[:0]
		for _, sl := range tw.sleepers {
			sl := sl
			if !sl.deadline.After(now) {
				firedSleepers++
				fills = append(fills, tickFill{
					deadline: sl.deadline,
					event:    newJobCompleted(func() { sl.cell.Fill(resolved{}, nil) }),
				})
			} else {
				remaining = append(remaining, sl)
			}
		}
		tw.sleepers = remaining
	}
	if len(tw.timers) > 0 {
		for id, at := range tw.timers {
			at := at
			if !at.deadline.After(now) {
				firedTimers++
				delete(tw.timers, id)
				fills = append(fills, tickFill{
					deadline: at.deadline,
					event:    newJobCompleted(func() { at.cell.Fill(resolved{}, nil) }),
				})
			}
		}
		tw.metrics.Gauge(timerArmedGauge).Set(float64(len(tw.timers)))
	}
	tw.mu.Unlock()

	if len(fills) == 0 {
		return
	}

	sort.SliceStable(fills, func(i, j int) bool { return fills[i].deadline.Before(fills[j].deadline) })
	events := make([]Event, len(fills))
	for i, f := range fills {
		events[i] = f.event
	}
	tw.metrics.Counter(timerFiresTotal).Add(float64(len(events)))
	if firedSleepers > 0 {
		tw.metrics.Counter(sleepersFiredTotal).Add(float64(firedSleepers))
		capitan.Info(s.ctx, SignalSleeperFired, FieldPendingCount.Field(firedSleepers))
	}
	if firedTimers > 0 {
		capitan.Info(s.ctx, SignalTimerFired, FieldPendingCount.Field(firedTimers))
	}
	s.emit(events...)
}

// run is the dedicated tick-loop thread (§2, §5): it wakes at
// timer_resolution cadence until stopped.
func (tw *timerWheel) run(s *Scheduler, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-tw.clock.After(tw.resolution):
			tw.tick(s)
		}
	}
}

// OnDebounce registers a handler invoked whenever Schedule collapses a
// prior arming (the debounce event hookz surface SPEC_FULL.md calls for).
func (tw *timerWheel) OnDebounce(handler func(context.Context, TimerEvent) error) error {
	_, err := tw.hooks.Hook(debounceEvent, handler)
	return err
}

var debounceEvent = hookz.Key("timer.debounced")
