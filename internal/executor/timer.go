package executor

import (
	"sync"
	"time"
)

// Timer becomes ready once its deadline has passed. Polling it while it is
// pending arranges for the given waker to be woken at the deadline.
type Timer struct {
	mu       sync.Mutex
	deadline time.Time
	pending  *time.Timer
	waiters  Notifier
}

func NewTimer(d time.Duration) *Timer {
	return &Timer{deadline: time.Now().Add(d)}
}

func (t *Timer) Poll(w Waker) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := time.Until(t.deadline)
	if remaining <= 0 {
		return Ready
	}
	t.waiters.Register(w)
	if t.pending == nil {
		t.pending = time.AfterFunc(remaining, t.fire)
	}
	return Pending
}

// Reset moves the deadline to now+d.
func (t *Timer) Reset(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deadline = time.Now().Add(d)
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	if t.waiters.Parked() > 0 {
		t.pending = time.AfterFunc(d, t.fire)
	}
}

func (t *Timer) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}

func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

func (t *Timer) fire() {
	t.mu.Lock()
	t.pending = nil
	t.mu.Unlock()
	t.waiters.Notify()
}
