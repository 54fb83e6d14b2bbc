package schedz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestRunReturnsRootFiberResult(t *testing.T) {
	result, err := RunResult(context.Background(), func(ctx context.Context) (int, error) {
		return 99, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 99 {
		t.Fatalf("got %d, want 99", result)
	}
}

func TestRunPropagatesRootFiberError(t *testing.T) {
	wantErr := errors.New("boom")
	_, err := RunResult(context.Background(), func(ctx context.Context) (int, error) {
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
}

func TestRunWorkerRoundTrip(t *testing.T) {
	result, err := RunResult(context.Background(), func(ctx context.Context) (int, error) {
		th, err := CreateThread(ctx)
		if err != nil {
			return 0, err
		}
		defer StopThread(ctx, th)

		task, err := Async(ctx, th, func() (int, error) { return 21 * 2, nil })
		if err != nil {
			return 0, err
		}
		return Await(ctx, task)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 {
		t.Fatalf("got %d, want 42", result)
	}
}

// TestSchedulerIterDetectsNeverCompletableDeadlock exercises iter()'s
// deadlock branch directly. Run/RunResult always hold a pending slot for
// the root fiber's own eventual completion (otherwise a root fiber that
// returns before the driver's first iteration would race a false
// ErrNeverCompletable), so this condition is not reachable through the
// public Run entry point — only a caller driving New()'s Scheduler by
// hand, with nothing ever registered as pending, can hit it.
func TestSchedulerIterDetectsNeverCompletableDeadlock(t *testing.T) {
	s := newTestScheduler(t, clockz.NewFakeClock())
	defer s.shutdown()

	err := s.iter()
	if !errors.Is(err, ErrNeverCompletable) {
		t.Fatalf("expected ErrNeverCompletable, got %v", err)
	}
}

func TestSchedulerAbortStopsRunEarly(t *testing.T) {
	_, err := RunResult(context.Background(), func(ctx context.Context) (int, error) {
		if err := Detach(ctx, func(ctx context.Context) (any, error) {
			return nil, Abort(ctx)
		}); err != nil {
			return 0, err
		}
		cell := NewCell[int]()
		return cell.Await(ctx)
	})
	if !errors.Is(err, ErrAbortRequested) {
		t.Fatalf("expected ErrAbortRequested, got %v", err)
	}
}

func TestSchedulerAbortViaContext(t *testing.T) {
	done := make(chan error, 1)
	var sched *Scheduler
	ready := make(chan struct{})

	go func() {
		_, err := RunResult(context.Background(), func(ctx context.Context) (int, error) {
			s, _ := FromContext(ctx)
			sched = s
			close(ready)
			cell := NewCell[int]()
			return cell.Await(ctx)
		})
		done <- err
	}()

	<-ready
	time.Sleep(10 * time.Millisecond)
	sched.Abort()

	select {
	case err := <-done:
		if !errors.Is(err, ErrAbortRequested) {
			t.Fatalf("expected ErrAbortRequested, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Abort")
	}
}

func TestSchedulerDetachRunsInBackground(t *testing.T) {
	detachedRan := make(chan struct{})
	_, err := RunResult(context.Background(), func(ctx context.Context) (int, error) {
		if err := Detach(ctx, func(ctx context.Context) (any, error) {
			close(detachedRan)
			return nil, nil
		}); err != nil {
			return 0, err
		}
		return 1, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case <-detachedRan:
	case <-time.After(time.Second):
		t.Fatal("detached fiber never ran")
	}
}

func TestStatsReflectsActiveWorkers(t *testing.T) {
	_, err := RunResult(context.Background(), func(ctx context.Context) (int, error) {
		th, err := CreateThread(ctx)
		if err != nil {
			return 0, err
		}
		defer StopThread(ctx, th)

		stats, err := GetStats(ctx)
		if err != nil {
			return 0, err
		}
		if stats.Workers != 1 {
			t.Errorf("Stats().Workers = %d, want 1", stats.Workers)
		}
		return 0, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
