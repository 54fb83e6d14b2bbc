//go:build !windows

package schedz

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// onRegistered runs one WNOHANG sweep right after registration, so a child
// that exited before it was in the table (its SIGCHLD already consumed by
// a sweep that did not know the pid) is still reaped. All other reaping is
// driven by SIGCHLD plus the batch sweep in drainExited.
func (pw *processWatcher) onRegistered(*procEntry) { pw.drainExited() }

// platformReap is the POSIX reaper thread (§4.4, §5): it blocks on
// SIGCHLD/SIGUSR1 via signal.Notify and, on wake, non-blockingly Wait4's
// every currently-registered pid. This goroutine is the only one in the
// process that ever calls signal.Notify for these signals, which is the
// Go-idiomatic substitute for the specification's "workers block
// SIGCHLD/SIGUSR1": Go has no portable per-goroutine sigprocmask, but
// routing all delivery through a single dedicated receiver achieves the
// same effect — no other goroutine ever observes these signals.
func (pw *processWatcher) platformReap(stop <-chan struct{}) {
	sigs := pw.signals
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGCHLD, syscall.SIGUSR1}
	}
	sigCh := make(chan os.Signal, 16)
	signal.Notify(sigCh, sigs...)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-stop:
			return
		case <-sigCh:
			pw.drainExited()
		}
	}
}

// drainExited sweeps every registered pid with a non-blocking Wait4,
// reaping any that have exited since the last sweep. Batching the sweep
// rather than waiting on one pid per signal absorbs coalesced/missed
// SIGCHLD deliveries, a known POSIX hazard the sweep is immune to.
func (pw *processWatcher) drainExited() {
	pw.mu.Lock()
	pids := make([]int, 0, len(pw.table))
	for pid := range pw.table {
		pids = append(pids, pid)
	}
	pw.mu.Unlock()

	for _, pid := range pids {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		if err != nil || wpid != pid {
			continue
		}
		pw.reapOne(pid, waitStatusResult(pid, ws))
	}
}

func waitStatusResult(pid int, ws unix.WaitStatus) *ProcessResult {
	r := &ProcessResult{Pid: pid}
	switch {
	case ws.Signaled():
		r.Signaled = true
		r.Signal = int(ws.Signal())
	default:
		r.ExitCode = ws.ExitStatus()
	}
	return r
}
