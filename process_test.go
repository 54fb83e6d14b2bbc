package schedz

import (
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

// TestProcessWatcherZombieRaceDeliversImmediately covers the zombie race
// §4.4 names explicitly: if the reaper observes a pid exit before
// anything has registered it, the result must not be lost — it is parked
// until register arrives, then delivered right away.
func TestProcessWatcherZombieRaceDeliversImmediately(t *testing.T) {
	s := newTestScheduler(t, clockz.NewFakeClock())
	defer s.shutdown()

	const pid = 999999 // not a real OS pid; only used as a table key here
	s.processes.reapOne(pid, &ProcessResult{Pid: pid, ExitCode: 7})

	cell := s.processes.register(pid, nil)
	driveUntil(t, s, func() bool { return cell.Resolved() }, time.Second)

	result, err := cell.AwaitNoCancel()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 7 {
		t.Fatalf("ExitCode = %d, want 7", result.ExitCode)
	}
}

func TestProcessWatcherRegisterThenReap(t *testing.T) {
	s := newTestScheduler(t, clockz.NewFakeClock())
	defer s.shutdown()

	const pid = 888888
	cell := s.processes.register(pid, nil)
	if cell.Resolved() {
		t.Fatal("expected cell to be unresolved before the pid is reaped")
	}

	s.processes.reapOne(pid, &ProcessResult{Pid: pid, Signaled: true, Signal: 9})
	driveUntil(t, s, func() bool { return cell.Resolved() }, time.Second)

	result, err := cell.AwaitNoCancel()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Signaled || result.Signal != 9 {
		t.Fatalf("got %+v, want Signaled=true Signal=9", result)
	}
}

func TestProcessWatcherCancelAllResolvesOutstanding(t *testing.T) {
	s := newTestScheduler(t, clockz.NewFakeClock())

	cell := s.processes.register(777777, nil)
	s.processes.cancelAll()

	_, err := cell.AwaitNoCancel()
	if err == nil || err.Error() != ErrCancelled.Error() {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	s.shutdown()
}
