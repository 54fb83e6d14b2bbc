package schedz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func newTestScheduler(t *testing.T, clock clockz.Clock) *Scheduler {
	t.Helper()
	return New(context.Background(), WithClock(clock), WithTimerResolution(10*time.Millisecond), WithWorkerCount(0))
}

// driveUntil runs iter() until cell resolves or the deadline passes,
// acting as a minimal stand-in for the full Run loop so timer/process
// tests can exercise the driver without spinning up a root fiber.
func driveUntil(t *testing.T, s *Scheduler, resolved func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !resolved() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for resolution")
		}
		if s.ch.IsEmpty() {
			time.Sleep(time.Millisecond)
			continue
		}
		if err := s.iter(); err != nil {
			t.Fatalf("unexpected iter error: %v", err)
		}
	}
}

func TestTimerScheduleFiresAfterDelay(t *testing.T) {
	clock := clockz.NewFakeClock()
	s := newTestScheduler(t, clock)
	defer s.shutdown()

	go s.timers.run(s, s.ctx.Done())

	timer := s.timers.createTimer(s, 50*time.Millisecond)

	resultCh := make(chan string, 1)
	go func() {
		val, err := Schedule(s.ctx, timer, func() (string, error) {
			return "fired", nil
		})
		if err != nil {
			resultCh <- "error: " + err.Error()
			return
		}
		resultCh <- val
	}()

	driveUntil(t, s, func() bool {
		select {
		case <-resultCh:
			return true
		default:
			clock.Advance(10 * time.Millisecond)
			clock.BlockUntilReady()
			return false
		}
	}, time.Second)
}

func TestTimerScheduleDebounceCancelsPriorArming(t *testing.T) {
	clock := clockz.NewFakeClock()
	s := newTestScheduler(t, clock)
	defer s.shutdown()

	go s.timers.run(s, s.ctx.Done())

	timer := s.timers.createTimer(s, 100*time.Millisecond)

	firstDone := make(chan error, 1)
	go func() {
		_, err := Schedule(s.ctx, timer, func() (int, error) { return 1, nil })
		firstDone <- err
	}()

	// Give the first schedule() a moment to register itself before the
	// second call displaces it.
	time.Sleep(20 * time.Millisecond)

	secondDone := make(chan error, 1)
	go func() {
		_, err := Schedule(s.ctx, timer, func() (int, error) { return 2, nil })
		secondDone <- err
	}()

	var firstErr error
	driveUntil(t, s, func() bool {
		select {
		case firstErr = <-firstDone:
			return true
		default:
			return false
		}
	}, time.Second)

	if !errors.Is(firstErr, ErrCancelled) {
		t.Fatalf("expected displaced schedule() to see ErrCancelled, got %v", firstErr)
	}

	var secondErr error
	driveUntil(t, s, func() bool {
		select {
		case secondErr = <-secondDone:
			return true
		default:
			clock.Advance(20 * time.Millisecond)
			clock.BlockUntilReady()
			return false
		}
	}, time.Second)
	if secondErr != nil {
		t.Fatalf("expected second schedule() to succeed, got %v", secondErr)
	}
}

func TestTimerCancelTimerResolvesAwaiterWithCancelled(t *testing.T) {
	clock := clockz.NewFakeClock()
	s := newTestScheduler(t, clock)
	defer s.shutdown()

	go s.timers.run(s, s.ctx.Done())

	timer := s.timers.createTimer(s, time.Hour)
	done := make(chan error, 1)
	go func() {
		_, err := Schedule(s.ctx, timer, func() (int, error) { return 0, nil })
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.timers.cancelTimer(s, timer)

	var err error
	driveUntil(t, s, func() bool {
		select {
		case err = <-done:
			return true
		default:
			return false
		}
	}, time.Second)

	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestSchedulerSleepOrdersByDeadline(t *testing.T) {
	clock := clockz.NewFakeClock()
	s := newTestScheduler(t, clock)
	defer s.shutdown()

	go s.timers.run(s, s.ctx.Done())

	var order []int
	doneA := make(chan struct{})
	doneB := make(chan struct{})

	go func() {
		_ = Sleep(s.ctx, 30*time.Millisecond)
		order = append(order, 2)
		close(doneB)
	}()
	go func() {
		_ = Sleep(s.ctx, 10*time.Millisecond)
		order = append(order, 1)
		close(doneA)
	}()

	time.Sleep(10 * time.Millisecond)

	driveUntil(t, s, func() bool {
		select {
		case <-doneA:
			select {
			case <-doneB:
				return true
			default:
			}
		default:
		}
		clock.Advance(15 * time.Millisecond)
		clock.BlockUntilReady()
		return false
	}, time.Second)

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected sleepers to resolve in scheduled-time order, got %v", order)
	}
}
