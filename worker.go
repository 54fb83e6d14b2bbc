package schedz

import (
	"container/list"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// job is the Pending(f, cell) pair §4.2 describes: an opaque blocking
// thunk and the cell its result resolves.
type job struct {
	run    func() (any, error)
	cell   *Cell[any]
	ticket uint64
}

// Thread wraps one dedicated goroutine running a FIFO queue of blocking
// jobs (§4.2). Go has no portable per-thread signal mask, so the
// specification's "workers block SIGCHLD/SIGUSR1" discipline is realized
// differently here: no worker goroutine ever calls signal.Notify, so it
// never observes those signals regardless of which OS thread it happens
// to run on — only the process watcher (process_unix.go) calls signal.Notify,
// which satisfies the same "signals reach only the watcher" invariant
// without a real sigprocmask.
type Thread struct {
	sched     *Scheduler
	mu        sync.Mutex
	queue     *list.List
	wake      chan struct{}
	stopped   bool
	done      chan struct{}
	nextTick  uint64
	id        int
	metrics   *metricz.Registry
	tracer    *tracez.Tracer
}

const (
	workerJobsQueuedTotal    = metricz.Key("worker.jobs.queued.total")
	workerJobsRanTotal       = metricz.Key("worker.jobs.ran.total")
	workerJobsFailedTotal    = metricz.Key("worker.jobs.failed.total")
	workerJobsCancelledTotal = metricz.Key("worker.jobs.cancelled.total")
	workerQueueDepth         = metricz.Key("worker.queue.depth")
)

// createThread allocates a new worker thread owned by s and starts its
// run loop. It is the internal implementation behind the public
// CreateThread primitive.
func createThread(s *Scheduler, id int) *Thread {
	t := &Thread{
		sched:   s,
		queue:   list.New(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		id:      id,
		metrics: metricz.New(),
		tracer:  tracez.New(),
	}
	t.metrics.Counter(workerJobsQueuedTotal)
	t.metrics.Counter(workerJobsRanTotal)
	t.metrics.Counter(workerJobsFailedTotal)
	t.metrics.Counter(workerJobsCancelledTotal)
	t.metrics.Gauge(workerQueueDepth)

	go t.loop()

	capitan.Info(s.ctx, SignalWorkerStarted, FieldWorkerID.Field(id))
	return t
}

func (t *Thread) loop() {
	defer close(t.done)
	for {
		t.mu.Lock()
		if t.stopped && t.queue.Len() == 0 {
			t.mu.Unlock()
			return
		}
		front := t.queue.Front()
		if front == nil {
			t.mu.Unlock()
			<-t.wake
			continue
		}
		t.queue.Remove(front)
		t.metrics.Gauge(workerQueueDepth).Set(float64(t.queue.Len()))
		t.mu.Unlock()

		j := front.Value.(*job)
		t.runJob(j)
	}
}

func (t *Thread) runJob(j *job) {
	ctx, span := t.tracer.StartSpan(t.sched.ctx, tracez.Key("worker.job"))
	defer span.Finish()

	val, err := t.protectedCall(j.run)
	if err != nil {
		t.metrics.Counter(workerJobsFailedTotal).Inc()
		capitan.Info(ctx, SignalWorkerJobFailed, FieldWorkerID.Field(t.id))
	} else {
		t.metrics.Counter(workerJobsRanTotal).Inc()
	}

	// The fill happens on the driver goroutine, not here: the event
	// carries the action, and iter() applies it exactly once when the
	// event is dequeued (§4.5). This is what lets events_pending stay in
	// lockstep with channel dequeues (invariant 1) regardless of which
	// component produced the completion.
	cell, v, e := j.cell, val, err
	t.sched.emit(newJobCompleted(func() { cell.Fill(v, e) }))
	capitan.Info(ctx, SignalWorkerJobRan, FieldWorkerID.Field(t.id))
}

// protectedCall runs f, converting a panic into an Exception the way
// §4.2 describes: "if f raises/aborts with an error and backtrace, the
// result is Error(Exception(e))".
func (t *Thread) protectedCall(f func() (any, error)) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Exception{
				Message: fmt.Sprintf("worker job panicked: %v", r),
				Stack:   string(debug.Stack()),
			}
		}
	}()
	return f()
}

// addWork enqueues f on this thread, incrementing events_pending before
// the job is observably queued (§4.2's add_work contract). It returns a
// ticket usable with cancelIfNotConsumed, or ErrStopped if the thread has
// already been told to stop.
func (t *Thread) addWork(f func() (any, error)) (*Cell[any], uint64, error) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil, 0, ErrStopped
	}
	t.sched.pending.Add(1)
	t.nextTick++
	ticket := t.nextTick
	cell := NewCell[any]()
	t.queue.PushBack(&job{run: f, cell: cell, ticket: ticket})
	t.metrics.Counter(workerJobsQueuedTotal).Inc()
	t.metrics.Gauge(workerQueueDepth).Set(float64(t.queue.Len()))
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}

	capitan.Info(t.sched.ctx, SignalWorkerJobQueued, FieldWorkerID.Field(t.id), FieldQueueDepth.Field(t.queue.Len()))
	return cell, ticket, nil
}

// cancelIfNotConsumed removes the job identified by ticket if it has not
// yet started. Per §4.2, a successful removal does not itself fill the
// cell or decrement events_pending — the caller must still deliver a
// JobCompleted event so the channel remains the single source of
// decrements (invariant 1).
func (t *Thread) cancelIfNotConsumed(ticket uint64) (*Cell[any], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for e := t.queue.Front(); e != nil; e = e.Next() {
		j := e.Value.(*job)
		if j.ticket == ticket {
			t.queue.Remove(e)
			t.metrics.Counter(workerJobsCancelledTotal).Inc()
			t.metrics.Gauge(workerQueueDepth).Set(float64(t.queue.Len()))
			return j.cell, true
		}
	}
	return nil, false
}

// stop refuses new work, drains the queue to completion, then joins the
// goroutine — §4.2's complete_tasks_and_stop.
func (t *Thread) stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	<-t.done

	capitan.Info(t.sched.ctx, SignalWorkerStopped, FieldWorkerID.Field(t.id))
	t.tracer.Close()
}

// Metrics exposes this thread's metrics registry for diagnostics.
func (t *Thread) Metrics() *metricz.Registry { return t.metrics }

// atomicPendingGauge is the scheduler's events_pending counter, a lock-free
// atomic. It does not update the scheduler.events_pending metric gauge.
type atomicPendingGauge struct {
	n atomic.Int64
}

func (g *atomicPendingGauge) Add(delta int64) int64 { return g.n.Add(delta) }
func (g *atomicPendingGauge) Load() int64           { return g.n.Load() }
