package schedz

import (
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

const driverTicksTotal = metricz.Key("driver.ticks.total")

var driverSpan = tracez.Key("driver.iter")

// iter is the fiber driver's single dispatch step (§4.5). Run/RunResult
// call it in a loop until the root fiber's cell resolves. Each call either
// applies exactly one completion (decrementing events_pending in
// lockstep, invariant 1) or returns a terminal error:
//
//   - events_pending == 0 with a non-empty channel is an invariant
//     violation and panics rather than returning an error, since it means
//     a producer delivered an event without having reserved its slot.
//   - events_pending == 0 with an empty channel means nothing outstanding
//     can ever produce a fill: ErrNeverCompletable (deadlock).
//   - the channel reports Closed: ErrChannelClosed (shutdown raced a
//     producer, which should not happen under normal operation).
//   - the dequeued event is the Abort sentinel: ErrAbortRequested.
func (s *Scheduler) iter() error {
	if s.pending.Load() == 0 {
		if !s.ch.IsEmpty() {
			panic("schedz: events_pending is zero but the event channel is not empty")
		}
		capitan.Warn(s.ctx, SignalDriverNever)
		return newFaultAt(KindNever, "driver", ErrNeverCompletable, s.clock.Now())
	}

	if s.cfg.EventQueueWarnDepth > 0 {
		if depth := s.ch.Len(); depth >= s.cfg.EventQueueWarnDepth {
			capitan.Warn(s.ctx, SignalEventQueueDeep, FieldPendingCount.Field(depth))
		}
	}

	ctx, span := s.tracer.StartSpan(s.ctx, driverSpan)
	defer span.Finish()

	ev, status := s.ch.Get()
	if status == statusClosed {
		return newFaultAt(KindInvariant, "driver", ErrChannelClosed, s.clock.Now())
	}
	if ev.isAbort {
		capitan.Info(ctx, SignalDriverAborted)
		return newFaultAt(KindAbortRequested, "driver", ErrAbortRequested, s.clock.Now())
	}

	ev.fill()
	s.pending.Add(-1)
	s.metrics.Counter(driverTicksTotal).Inc()
	return nil
}
