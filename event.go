package schedz

// Event is the tagged variant the event channel carries (§3): either a
// completed job's fill action, or the terminal Abort sentinel.
type Event struct {
	fill    func()
	isAbort bool
}

// newJobCompleted wraps a fill action — the closure that resolves the
// cell a worker, timer, or process-watcher completion belongs to — as a
// JobCompleted event.
func newJobCompleted(fill func()) Event {
	return Event{fill: fill}
}

// abortEvent is the single terminal Abort sentinel value.
var abortEvent = Event{isAbort: true}
