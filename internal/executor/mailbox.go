package executor

import (
	"errors"
	"sync"
)

var ErrMailboxClosed = errors.New("mailbox closed")

type RecvState int

const (
	Received RecvState = iota
	Empty
	Closed
)

// Notifier is a set of parked wakers. Notify wakes and forgets all of them.
type Notifier struct {
	mu     sync.Mutex
	wakers map[Waker]struct{}
}

func (n *Notifier) Register(w Waker) {
	if w == nil {
		return
	}
	n.mu.Lock()
	if n.wakers == nil {
		n.wakers = map[Waker]struct{}{}
	}
	n.wakers[w] = struct{}{}
	n.mu.Unlock()
}

func (n *Notifier) Notify() {
	n.mu.Lock()
	parked := n.wakers
	n.wakers = nil
	n.mu.Unlock()
	for w := range parked {
		w.Wake()
	}
}

func (n *Notifier) Parked() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.wakers)
}

type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	closed bool
	recv   Notifier
}

// Sender is the producing half of an unbounded multi-producer mailbox.
type Sender[T any] struct {
	box *mailbox[T]
}

// Receiver is the consuming half. TryRecv never blocks.
type Receiver[T any] struct {
	box *mailbox[T]
}

func NewMailbox[T any]() (*Sender[T], *Receiver[T]) {
	box := &mailbox[T]{}
	return &Sender[T]{box: box}, &Receiver[T]{box: box}
}

func (s *Sender[T]) Send(v T) error {
	s.box.mu.Lock()
	if s.box.closed {
		s.box.mu.Unlock()
		return ErrMailboxClosed
	}
	s.box.items = append(s.box.items, v)
	s.box.mu.Unlock()
	s.box.recv.Notify()
	return nil
}

// Close marks the mailbox closed. Items already queued can still be received.
func (s *Sender[T]) Close() {
	s.box.close()
}

func (s *Sender[T]) Closed() bool {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	return s.box.closed
}

// TryRecv pops the oldest item. When nothing is queued and the mailbox is
// still open, w is parked and woken by the next Send or Close.
func (r *Receiver[T]) TryRecv(w Waker) (T, RecvState) {
	var zero T
	r.box.mu.Lock()
	if r.box.head < len(r.box.items) {
		v := r.box.items[r.box.head]
		r.box.items[r.box.head] = zero
		r.box.head++
		if r.box.head == len(r.box.items) {
			r.box.items = r.box.items[:0]
			r.box.head = 0
		}
		r.box.mu.Unlock()
		return v, Received
	}
	closed := r.box.closed
	if !closed {
		// registered under the mailbox lock so a concurrent Send cannot slip
		// between the emptiness check and the registration
		r.box.recv.Register(w)
	}
	r.box.mu.Unlock()
	if closed {
		return zero, Closed
	}
	return zero, Empty
}

func (r *Receiver[T]) Len() int {
	r.box.mu.Lock()
	defer r.box.mu.Unlock()
	return len(r.box.items) - r.box.head
}

// Close is used by the consumer to tell producers it has gone away.
func (r *Receiver[T]) Close() {
	r.box.close()
}

func (b *mailbox[T]) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.recv.Notify()
}
