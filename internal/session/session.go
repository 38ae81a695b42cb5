// Package session runs one client connection as an executor task: it reads
// requests, applies them to the store under the shared barrier, and streams
// replies and entity updates back.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relayspace/internal/executor"
	"github.com/agentworkforce/relayspace/internal/relayspace"
)

const (
	defaultRequestRate  = 50
	defaultRequestBurst = 100
	defaultWriteTimeout = 10 * time.Second

	// frames handled per poll before yielding the worker
	pollBudget = 32
)

// BackupTrigger requests a backup that ends the process once it succeeds.
type BackupTrigger interface {
	Trigger(source string)
}

type Metrics interface {
	SessionOpened()
	SessionClosed()
	RequestHandled(request string, err error)
	RequestThrottled()
}

type nopMetrics struct{}

func (nopMetrics) SessionOpened()               {}
func (nopMetrics) SessionClosed()               {}
func (nopMetrics) RequestHandled(string, error) {}
func (nopMetrics) RequestThrottled()            {}

type Options struct {
	Database     *relayspace.Database
	Files        *relayspace.Files
	Backup       BackupTrigger
	Logger       zerolog.Logger
	Metrics      Metrics
	RequestRate  rate.Limit
	RequestBurst int
	WriteTimeout time.Duration
}

var nextID atomic.Uint64

type Session struct {
	id      uint64
	db      *relayspace.Database
	files   *relayspace.Files
	backup  BackupTrigger
	log     zerolog.Logger
	metrics Metrics
	limiter *rate.Limiter

	conn         Conn
	writeTimeout time.Duration
	cancel       context.CancelFunc
	inbox        *executor.Receiver[Frame]
	outbox       *executor.Sender[Frame]
	done         chan struct{}

	// owned by the executor worker polling the task
	user      relayspace.UserID
	loggedIn  bool
	sessionID relayspace.SessionID
	updates   *executor.Receiver[*relayspace.Update]
	upload    *relayspace.Upload
	uploadErr error
	pending   *Request
	finished  bool
}

// Start launches the connection's reader and writer goroutines and submits
// the session task. The session ends when the peer disconnects, a transport
// error occurs, or ctx is cancelled.
func Start(ctx context.Context, exec *executor.Executor, conn Conn, opts Options) (*Session, error) {
	if opts.Database == nil || opts.Files == nil {
		return nil, errors.New("session requires a database and a file store")
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	limit := opts.RequestRate
	if limit == 0 {
		limit = defaultRequestRate
	}
	burst := opts.RequestBurst
	if burst <= 0 {
		burst = defaultRequestBurst
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	id := nextID.Add(1)
	ctx, cancel := context.WithCancel(ctx)
	inTx, inRx := executor.NewMailbox[Frame]()
	outTx, outRx := executor.NewMailbox[Frame]()
	s := &Session{
		id:           id,
		db:           opts.Database,
		files:        opts.Files,
		backup:       opts.Backup,
		log:          opts.Logger.With().Str("component", "session").Uint64("session", id).Logger(),
		metrics:      metrics,
		limiter:      rate.NewLimiter(limit, burst),
		conn:         conn,
		writeTimeout: writeTimeout,
		cancel:       cancel,
		inbox:        inRx,
		outbox:       outTx,
		done:         make(chan struct{}),
	}
	if err := exec.Submit(s); err != nil {
		cancel()
		return nil, err
	}
	metrics.SessionOpened()
	go s.readLoop(ctx, inTx)
	go s.writeLoop(ctx, outRx)
	return s, nil
}

func (s *Session) ID() uint64 {
	return s.id
}

// Done is closed once the connection has been shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) readLoop(ctx context.Context, inbox *executor.Sender[Frame]) {
	defer inbox.Close()
	for {
		f, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug().Err(err).Msg("connection read ended")
			}
			return
		}
		if inbox.Send(f) != nil {
			return
		}
	}
}

func (s *Session) writeLoop(ctx context.Context, outbox *executor.Receiver[Frame]) {
	defer close(s.done)
	wake := newSignal()
	for {
		f, state := outbox.TryRecv(wake)
		switch state {
		case executor.Received:
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
			err := s.conn.Write(wctx, f)
			cancel()
			if err != nil {
				s.log.Debug().Err(err).Msg("connection write failed")
				outbox.Close()
				s.cancel()
				_ = s.conn.Close("write failed")
				return
			}
		case executor.Closed:
			if err := s.conn.Close("session ended"); err != nil {
				s.log.Debug().Err(err).Msg("close connection")
			}
			return
		case executor.Empty:
			select {
			case <-wake.ch:
			case <-ctx.Done():
				// the task may never be polled again once the executor stops
				select {
				case <-wake.ch:
				case <-time.After(s.writeTimeout):
					_ = s.conn.Close("server stopping")
					return
				}
			}
		}
	}
}

// Poll implements executor.Task.
func (s *Session) Poll(w executor.Waker) executor.Status {
	if s.finished {
		return executor.Ready
	}
	for budget := pollBudget; budget > 0; budget-- {
		s.forwardUpdates(w)

		if s.pending == nil {
			f, state := s.inbox.TryRecv(w)
			switch state {
			case executor.Empty:
				return executor.Pending
			case executor.Closed:
				s.finish()
				return executor.Ready
			}
			if f.Type == BinaryFrame {
				s.receiveChunk(f.Data)
				continue
			}
			req, err := decodeRequest(f.Data)
			if err != nil {
				s.metrics.RequestHandled(req.Request, err)
				s.send(failure(req.Num, err))
				continue
			}
			if !s.limiter.Allow() {
				s.metrics.RequestThrottled()
				s.send(failure(req.Num, errRateLimited))
				continue
			}
			s.pending = &req
		}

		// park until a running backup releases the barrier
		if !s.db.Barrier.TryShared(w) {
			return executor.Pending
		}
		req := *s.pending
		s.pending = nil
		reply, err := s.serve(req)
		s.metrics.RequestHandled(req.Request, err)
		if err != nil {
			s.log.Debug().Err(err).Uint64("num", req.Num).Str("request", req.Request).Msg("request failed")
			reply = failure(req.Num, err)
		}
		s.send(reply)
	}
	w.Wake()
	return executor.Pending
}

var (
	errRateLimited = errors.New("too many requests, slow down")
	errInternal    = errors.New("internal error")
)

// serve handles req while holding the shared barrier. A handler panic
// fails the request and the session carries on.
func (s *Session) serve(req Request) (reply Reply, err error) {
	defer s.db.Barrier.ReleaseShared()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Uint64("num", req.Num).
				Str("request", req.Request).
				Msg("request handler panicked")
			reply, err = Reply{}, errInternal
		}
	}()
	return s.handle(req)
}

func (s *Session) forwardUpdates(w executor.Waker) {
	for s.updates != nil {
		u, state := s.updates.TryRecv(w)
		switch state {
		case executor.Empty:
			return
		case executor.Closed:
			s.updates = nil
			return
		}
		s.send(u)
	}
}

func (s *Session) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("encode outgoing message")
		return
	}
	if err := s.outbox.Send(Frame{Type: TextFrame, Data: data}); err != nil {
		s.log.Debug().Err(err).Msg("drop outgoing message")
	}
}

// receiveChunk appends data to the pending upload. Chunks sent before
// login are discarded.
func (s *Session) receiveChunk(data []byte) {
	if !s.loggedIn {
		s.log.Debug().Int("bytes", len(data)).Msg("drop file chunk before login")
		return
	}
	if s.uploadErr != nil {
		return
	}
	if s.upload == nil {
		limit := int64(relayspace.DefaultMaxFileSize)
		if userLimit, err := s.db.MaxFileSize(s.user); err == nil && userLimit > 0 {
			limit = userLimit
		}
		upload, err := s.files.Begin(limit)
		if err != nil {
			s.log.Error().Err(err).Msg("begin upload")
			s.uploadErr = err
			return
		}
		s.upload = upload
	}
	if _, err := s.upload.Write(data); err != nil {
		s.upload.Abort()
		s.upload = nil
		s.uploadErr = err
	}
}

// takeUpload hands over the pending upload, starting an empty one when no
// bytes were received.
func (s *Session) takeUpload() (*relayspace.Upload, error) {
	upload, err := s.upload, s.uploadErr
	s.upload, s.uploadErr = nil, nil
	if err != nil {
		return nil, err
	}
	if upload == nil {
		return s.files.Begin(0)
	}
	return upload, nil
}

func (s *Session) finish() {
	s.finished = true
	if s.upload != nil {
		s.upload.Abort()
		s.upload = nil
	}
	if s.loggedIn {
		s.db.EndSession(s.user, s.sessionID)
	}
	s.inbox.Close()
	s.outbox.Close()
	s.cancel()
	s.metrics.SessionClosed()
	s.log.Debug().Msg("session ended")
}

type signal struct {
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{}, 1)}
}

func (s *signal) Wake() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}
