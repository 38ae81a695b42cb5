// Package executor runs cooperative tasks on a small fixed pool of worker
// goroutines.
//
// A Task is polled until it reports Ready. A task that cannot make progress
// returns Pending after handing its Waker to whatever will make progress
// possible later (a Mailbox, a Timer, a Notifier). Workers never block on a
// task; a worker with nothing to do sleeps for at most IdleSleep.
package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("executor closed")

type Status int

const (
	Pending Status = iota
	Ready
)

func (s Status) String() string {
	if s == Ready {
		return "ready"
	}
	return "pending"
}

// Waker is the resumption signal handed to a task on every poll.
// Implementations must be comparable; they are kept in sets.
type Waker interface {
	Wake()
}

type Task interface {
	Poll(w Waker) Status
}

type TaskFunc func(w Waker) Status

func (f TaskFunc) Poll(w Waker) Status {
	return f(w)
}

// Metrics receives task lifecycle notifications.
type Metrics interface {
	TaskSubmitted()
	TaskFinished()
	TaskPanicked()
}

type nopMetrics struct{}

func (nopMetrics) TaskSubmitted() {}
func (nopMetrics) TaskFinished()  {}
func (nopMetrics) TaskPanicked()  {}

type Options struct {
	Workers   int
	IdleSleep time.Duration
	Logger    zerolog.Logger
	Metrics   Metrics
}

type Executor struct {
	workers int
	idle    time.Duration
	log     zerolog.Logger
	metrics Metrics

	submit *Sender[Task]
	queue  *Receiver[Task]

	closed  atomic.Bool
	running atomic.Bool
	live    atomic.Int64
	stopped chan struct{}
	once    sync.Once
}

func New(opts Options) *Executor {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	idle := opts.IdleSleep
	if idle <= 0 {
		idle = 5 * time.Millisecond
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	tx, rx := NewMailbox[Task]()
	return &Executor{
		workers: workers,
		idle:    idle,
		log:     opts.Logger.With().Str("component", "executor").Logger(),
		metrics: metrics,
		submit:  tx,
		queue:   rx,
		stopped: make(chan struct{}),
	}
}

// Submit queues a task. It is polled at least once by some worker.
func (e *Executor) Submit(t Task) error {
	if t == nil {
		return nil
	}
	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.submit.Send(t); err != nil {
		return ErrClosed
	}
	e.live.Add(1)
	e.metrics.TaskSubmitted()
	return nil
}

// Live reports how many submitted tasks have not completed yet.
func (e *Executor) Live() int {
	return int(e.live.Load())
}

func (e *Executor) Workers() int {
	return e.workers
}

// Run blocks until ctx is done. Tasks still pending at that point are
// dropped without a final poll.
func (e *Executor) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("executor already running")
	}
	defer e.once.Do(func() {
		e.closed.Store(true)
		e.submit.Close()
		close(e.stopped)
	})

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		w := &worker{
			id:     i,
			exec:   e,
			signal: make(chan struct{}, 1),
		}
		g.Go(func() error {
			w.run(gctx)
			return nil
		})
	}
	return g.Wait()
}

// Stopped is closed once Run has returned.
func (e *Executor) Stopped() <-chan struct{} {
	return e.stopped
}

type worker struct {
	id     int
	exec   *Executor
	woken  atomic.Bool
	signal chan struct{}
	tasks  []Task
}

func (w *worker) Wake() {
	w.woken.Store(true)
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *worker) run(ctx context.Context) {
	idle := time.NewTimer(w.exec.idle)
	defer idle.Stop()
	w.woken.Store(true)

	for {
		if ctx.Err() != nil {
			return
		}
		received := w.drain()
		if !w.woken.Swap(false) && !received {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(w.exec.idle)
			select {
			case <-ctx.Done():
				return
			case <-w.signal:
			case <-idle.C:
			}
			continue
		}

		for i := 0; i < len(w.tasks); {
			if w.poll(w.tasks[i]) == Ready {
				last := len(w.tasks) - 1
				w.tasks[i] = w.tasks[last]
				w.tasks[last] = nil
				w.tasks = w.tasks[:last]
				w.exec.live.Add(-1)
				w.exec.metrics.TaskFinished()
				continue
			}
			i++
		}
	}
}

func (w *worker) drain() bool {
	received := false
	for {
		task, state := w.exec.queue.TryRecv(w)
		if state != Received {
			return received
		}
		w.tasks = append(w.tasks, task)
		received = true
	}
}

func (w *worker) poll(t Task) (status Status) {
	defer func() {
		if r := recover(); r != nil {
			w.exec.log.Error().
				Int("worker", w.id).
				Interface("panic", r).
				Msg("task panicked, dropping it")
			w.exec.metrics.TaskPanicked()
			status = Ready
		}
	}()
	return t.Poll(w)
}
