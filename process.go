package schedz

import (
	"os"
	"sync"
	"syscall"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// ProcessResult is the outcome of a reaped child process (§3/§4.4): either
// a clean exit code or the signal that killed it.
type ProcessResult struct {
	Pid      int
	ExitCode int
	Signal   int
	Signaled bool
}

// procEntry is a Running(process) table row (§3). proc is nil when the
// caller registered a bare pid it does not own a *os.Process handle for.
type procEntry struct {
	pid  int
	proc *os.Process
	cell *Cell[*ProcessResult]
}

const (
	processRegisteredTotal = metricz.Key("process.registered.total")
	processReapedTotal     = metricz.Key("process.reaped.total")
	processZombieRaceTotal = metricz.Key("process.zombie_race.total")
	processTableDepth      = metricz.Key("process.table.depth")
)

// processWatcher is the pid table and reaper thread described in §4.4: a
// Running(process) | Zombie(status) table, a register/await/killall
// surface, and a dedicated reaper goroutine. The reaper is platform
// specific (process_unix.go, process_windows.go); everything else here is
// shared.
type processWatcher struct {
	sched   *Scheduler
	mu      sync.Mutex
	table   map[int]*procEntry
	zombies map[int]*ProcessResult
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	signals []os.Signal
	stop    chan struct{}
	stopped sync.Once
}

func newProcessWatcher(s *Scheduler, signals []os.Signal) *processWatcher {
	pw := &processWatcher{
		sched:   s,
		table:   make(map[int]*procEntry),
		zombies: make(map[int]*ProcessResult),
		metrics: metricz.New(),
		tracer:  tracez.New(),
		signals: signals,
		stop:    make(chan struct{}),
	}
	pw.metrics.Counter(processRegisteredTotal)
	pw.metrics.Counter(processReapedTotal)
	pw.metrics.Counter(processZombieRaceTotal)
	pw.metrics.Gauge(processTableDepth)
	go pw.platformReap(pw.stop)
	return pw
}

// register inserts pid as Running and returns the cell its eventual
// ProcessResult resolves into. If the reaper already observed pid exit
// before register was called — the zombie race §4.4 names explicitly —
// the result is delivered immediately instead of being lost.
func (pw *processWatcher) register(pid int, proc *os.Process) *Cell[*ProcessResult] {
	cell := NewCell[*ProcessResult]()

	pw.mu.Lock()
	if result, ok := pw.zombies[pid]; ok {
		delete(pw.zombies, pid)
		pw.mu.Unlock()

		pw.sched.pending.Add(1)
		pw.metrics.Counter(processZombieRaceTotal).Inc()
		pw.sched.emit(newJobCompleted(func() { cell.Fill(result, nil) }))
		capitan.Info(pw.sched.ctx, SignalProcessZombieRace, FieldPID.Field(pid))
		return cell
	}

	entry := &procEntry{pid: pid, proc: proc, cell: cell}
	pw.table[pid] = entry
	pw.metrics.Gauge(processTableDepth).Set(float64(len(pw.table)))
	pw.mu.Unlock()

	pw.sched.pending.Add(1)
	pw.metrics.Counter(processRegisteredTotal).Inc()
	capitan.Info(pw.sched.ctx, SignalProcessRegistered, FieldPID.Field(pid))

	pw.onRegistered(entry)
	return cell
}

// reapOne is called by the platform reaper once it has confirmed pid
// exited. If nothing has registered pid yet, the result is parked in the
// zombie table for register to pick up later.
func (pw *processWatcher) reapOne(pid int, result *ProcessResult) {
	pw.mu.Lock()
	entry, ok := pw.table[pid]
	if !ok {
		pw.zombies[pid] = result
		pw.mu.Unlock()
		return
	}
	delete(pw.table, pid)
	pw.metrics.Gauge(processTableDepth).Set(float64(len(pw.table)))
	pw.mu.Unlock()

	pw.metrics.Counter(processReapedTotal).Inc()
	cell := entry.cell
	pw.sched.emit(newJobCompleted(func() { cell.Fill(result, nil) }))
	capitan.Info(pw.sched.ctx, SignalProcessReaped, FieldPID.Field(pid))
}

// killall signals every currently-registered process, skipping entries
// registered from a bare pid with no owned *os.Process handle.
func (pw *processWatcher) killall(sig syscall.Signal) {
	pw.mu.Lock()
	entries := make([]*procEntry, 0, len(pw.table))
	for _, e := range pw.table {
		entries = append(entries, e)
	}
	pw.mu.Unlock()

	for _, e := range entries {
		if e.proc != nil {
			_ = e.proc.Signal(sig)
		}
	}
	capitan.Info(pw.sched.ctx, SignalProcessKillAll, FieldSignal.Field(int(sig)))
}

// close stops the reaper goroutine. Any still-registered processes are
// left unresolved; shutdown cancels their cells the same way cancelTimers
// does for timers.
func (pw *processWatcher) close() {
	pw.stopped.Do(func() { close(pw.stop) })
}

// cancelAll resolves every still-registered process directly, bypassing
// the event channel the way shutdown teardown always has. Each of these
// cells was counted in sched.pending when register armed it, so cancelAll
// must decrement pending by the same count or the shutdown drain that
// follows it waits for a completion that will never arrive.
func (pw *processWatcher) cancelAll() {
	pw.mu.Lock()
	table := pw.table
	pw.table = make(map[int]*procEntry)
	pw.mu.Unlock()
	if len(table) > 0 {
		pw.sched.pending.Add(-int64(len(table)))
	}
	for _, e := range table {
		e.cell.Fill(nil, ErrCancelled)
	}
}
