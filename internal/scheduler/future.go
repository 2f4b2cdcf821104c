package scheduler

import "sync"

type futureState int

const (
	statePending futureState = iota
	stateRunning
	stateDone
)

// Future is the handle of one submitted pipeline. Cancelling a pending
// future keeps it from ever running. Cancelling a running one only raises
// the Cancelled flag; the work itself is halted by removing its container.
type Future struct {
	ID string

	mu        sync.Mutex
	state     futureState
	cancelled bool
	done      chan struct{}
}

func newFuture(id string) *Future {
	return &Future{ID: id, done: make(chan struct{})}
}

// Cancel reports whether the future was cancelled by this call.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == stateDone || f.cancelled {
		return false
	}
	f.cancelled = true
	return true
}

func (f *Future) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *Future) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == stateRunning
}

// Done is closed once the work finished or was skipped.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// start moves a pending future to running unless it was cancelled.
func (f *Future) start() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return false
	}
	f.state = stateRunning
	return true
}

func (f *Future) finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != stateDone {
		f.state = stateDone
		close(f.done)
	}
}
