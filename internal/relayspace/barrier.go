package relayspace

import (
	"context"
	"sync"

	"github.com/agentworkforce/relayspace/internal/executor"
)

// Barrier is the store-wide shared/exclusive gate. Request handlers hold
// it shared for one request; backup holds it exclusively for one cycle.
// Once an exclusive holder is waiting, new shared holders park so a busy
// server cannot starve backup.
type Barrier struct {
	mu        sync.Mutex
	shared    int
	exclusive bool
	wantExcl  bool
	waiters   executor.Notifier
}

func (b *Barrier) TryShared(w executor.Waker) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exclusive || b.wantExcl {
		b.waiters.Register(w)
		return false
	}
	b.shared++
	return true
}

func (b *Barrier) ReleaseShared() {
	b.mu.Lock()
	if b.shared == 0 {
		b.mu.Unlock()
		panic("relayspace: ReleaseShared without a shared hold")
	}
	b.shared--
	last := b.shared == 0
	b.mu.Unlock()
	if last {
		b.waiters.Notify()
	}
}

func (b *Barrier) TryExclusive(w executor.Waker) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.exclusive || b.shared > 0 {
		b.wantExcl = true
		b.waiters.Register(w)
		return false
	}
	b.exclusive = true
	b.wantExcl = false
	return true
}

func (b *Barrier) ReleaseExclusive() {
	b.mu.Lock()
	if !b.exclusive {
		b.mu.Unlock()
		panic("relayspace: ReleaseExclusive without an exclusive hold")
	}
	b.exclusive = false
	b.mu.Unlock()
	b.waiters.Notify()
}

// Shared blocks the calling goroutine until a shared hold is granted.
func (b *Barrier) Shared(ctx context.Context) error {
	return b.block(ctx, b.TryShared)
}

// Exclusive blocks the calling goroutine until an exclusive hold is granted.
func (b *Barrier) Exclusive(ctx context.Context) error {
	if err := b.block(ctx, b.TryExclusive); err != nil {
		b.mu.Lock()
		b.wantExcl = false
		b.mu.Unlock()
		b.waiters.Notify()
		return err
	}
	return nil
}

func (b *Barrier) block(ctx context.Context, try func(executor.Waker) bool) error {
	w := newChanWaker()
	for !try(w) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.ch:
		}
	}
	return nil
}

type chanWaker struct {
	ch chan struct{}
}

func newChanWaker() *chanWaker {
	return &chanWaker{ch: make(chan struct{}, 1)}
}

func (w *chanWaker) Wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}
