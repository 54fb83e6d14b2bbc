// Package schedz provides the cooperative-task scheduler that backs a
// language-server process: a small runtime that drives user-defined
// asynchronous computations ("fibers") to completion while coordinating
// with blocking OS-level work (worker threads, OS timers, child-process
// reaping).
//
// # Overview
//
// Four independently-clocked concurrency sources feed one deterministic
// event stream:
//
//   - Workers: OS threads running FIFO queues of blocking jobs.
//   - The timer wheel: a coarse-resolution ticker driving debounced
//     timers and one-shot sleepers.
//   - The process watcher: a single thread reaping child processes.
//   - The fiber driver: the calling goroutine, which blocks on the event
//     channel whenever every fiber has suspended, and resumes exactly one
//     fiber per dequeued event.
//
// # Core Concepts
//
//   - Scheduler: the per-run root owning the event channel, the timer
//     table, the worker list, and the process watcher.
//   - Cell[T]: a one-shot synchronization value. Exactly one producer
//     fills it; any number of goroutines can Await it.
//   - Event: a JobCompleted fill or an Abort sentinel, delivered over the
//     event channel in FIFO order.
//
// # Usage
//
//	n, err := schedz.RunResult(context.Background(), func(ctx context.Context) (int, error) {
//	    th, err := schedz.CreateThread(ctx)
//	    if err != nil {
//	        return 0, err
//	    }
//	    defer schedz.StopThread(ctx, th)
//
//	    task, err := schedz.Async(ctx, th, func() (int, error) {
//	        return 42, nil
//	    })
//	    if err != nil {
//	        return 0, err
//	    }
//	    return schedz.Await(ctx, task)
//	})
//	fmt.Println(n, err)
//
// A fiber in this package is simply a goroutine that suspends only at the
// primitives in this package (Await, AwaitNoCancel, Sleep, Schedule,
// WaitForProcess) — Go's runtime already schedules goroutines
// cooperatively at channel operations, so the "fiber driver" described by
// the specification is realized as the goroutine that calls Run: it is
// the sole consumer of the event channel and the sole place that fills
// cells in response to worker, timer, and process-watcher completions.
//
// # Observability
//
// Components emit a capitan.Signal for each lifecycle transition and keep
// a metricz.Registry of counters/gauges. Tracing spans are opened for each
// driver step and each worker job. Scheduler.OnLifecycle is a hookz-backed
// subscription to the started/stopped phases; the timer wheel's debounce
// hook is internal. Timing is always read through a clockz.Clock so tests can
// run against clockz.NewFakeClock() instead of real wall-clock sleeps.
package schedz
