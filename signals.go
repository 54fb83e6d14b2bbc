package schedz

import "github.com/zoobzio/capitan"

// Signal constants for scheduler lifecycle events. Signals follow the
// pattern: <component>.<event>, matching the reference library's
// signals.go.
const (
	// Scheduler / driver signals.
	SignalSchedulerStarted capitan.Signal = "scheduler.started"
	SignalSchedulerStopped capitan.Signal = "scheduler.stopped"
	SignalDriverAborted    capitan.Signal = "driver.aborted"
	SignalDriverNever      capitan.Signal = "driver.never"
	SignalEventQueueDeep   capitan.Signal = "driver.event_queue.deep"

	// Worker signals.
	SignalWorkerStarted   capitan.Signal = "worker.started"
	SignalWorkerStopped   capitan.Signal = "worker.stopped"
	SignalWorkerJobQueued capitan.Signal = "worker.job.queued"
	SignalWorkerJobRan    capitan.Signal = "worker.job.ran"
	SignalWorkerJobFailed capitan.Signal = "worker.job.failed"
	SignalWorkerCancelled capitan.Signal = "worker.job.cancelled"

	// Timer signals.
	SignalTimerArmed      capitan.Signal = "timer.armed"
	SignalTimerDisplaced  capitan.Signal = "timer.displaced"
	SignalTimerFired      capitan.Signal = "timer.fired"
	SignalTimerCancelled  capitan.Signal = "timer.cancelled"
	SignalSleeperFired    capitan.Signal = "sleeper.fired"
	SignalTimersDrained   capitan.Signal = "timers.drained"

	// Process watcher signals.
	SignalProcessRegistered capitan.Signal = "process.registered"
	SignalProcessZombieRace capitan.Signal = "process.zombie_race"
	SignalProcessReaped     capitan.Signal = "process.reaped"
	SignalProcessKillAll    capitan.Signal = "process.killall"
)

// Field keys, typed per value the way the reference library pairs
// capitan.Signal constants with capitan.NewXKey field keys.
var (
	FieldTimerID      = capitan.NewIntKey("timer_id")
	FieldDelay        = capitan.NewFloat64Key("delay_seconds")
	FieldPID          = capitan.NewIntKey("pid")
	FieldSignal       = capitan.NewIntKey("signal")
	FieldWorkerID     = capitan.NewIntKey("worker_id")
	FieldQueueDepth   = capitan.NewIntKey("queue_depth")
	FieldPendingCount = capitan.NewIntKey("events_pending")
	FieldReason       = capitan.NewStringKey("reason")
)
