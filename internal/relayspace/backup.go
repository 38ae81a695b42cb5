package relayspace

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relayspace/internal/executor"
)

const DefaultBackupPeriod = 20 * time.Minute

const (
	TriggerTimer   = "timer"
	TriggerSession = "session"
	TriggerHTTP    = "http"
	TriggerSignal  = "signal"
	TriggerFile    = "file"
)

// BackupMetrics receives the outcome of every backup cycle.
type BackupMetrics interface {
	BackupFinished(trigger string, took time.Duration, err error)
	BlobsCollected(n int)
}

type nopBackupMetrics struct{}

func (nopBackupMetrics) BackupFinished(string, time.Duration, error) {}
func (nopBackupMetrics) BlobsCollected(int)                         {}

type BackupOptions struct {
	Period  time.Duration
	Logger  zerolog.Logger
	Metrics BackupMetrics
	// Exit ends the process after a triggered backup succeeds.
	Exit func(code int)
}

// Backup is the executor task that snapshots the store. It runs a cycle
// every Period and whenever Trigger is called; a triggered cycle ends the
// process once it succeeds.
type Backup struct {
	db      *Database
	files   *Files
	backend StateBackend
	period  time.Duration
	log     zerolog.Logger
	metrics BackupMetrics
	exit    func(int)

	triggers *executor.Sender[string]
	inbox    *executor.Receiver[string]
	timer    *executor.Timer

	pending   string
	exitAfter bool
}

func NewBackup(db *Database, files *Files, backend StateBackend, opts BackupOptions) *Backup {
	if opts.Period <= 0 {
		opts.Period = DefaultBackupPeriod
	}
	if opts.Metrics == nil {
		opts.Metrics = nopBackupMetrics{}
	}
	if opts.Exit == nil {
		opts.Exit = func(int) {}
	}
	tx, rx := executor.NewMailbox[string]()
	return &Backup{
		db:       db,
		files:    files,
		backend:  backend,
		period:   opts.Period,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		exit:     opts.Exit,
		triggers: tx,
		inbox:    rx,
		timer:    executor.NewTimer(opts.Period),
	}
}

// Trigger requests an immediate backup followed by process exit.
func (b *Backup) Trigger(source string) {
	if err := b.triggers.Send(source); err != nil {
		b.log.Warn().Err(err).Str("trigger", source).Msg("backup trigger dropped")
		return
	}
	b.log.Info().Str("trigger", source).Msg("backup triggered")
}

// Close stops accepting triggers. The task finishes on its next poll.
func (b *Backup) Close() {
	b.triggers.Close()
	b.timer.Stop()
}

func (b *Backup) Poll(w executor.Waker) executor.Status {
	for {
		if b.pending == "" {
			source, state := b.inbox.TryRecv(w)
			switch {
			case state == executor.Received:
				b.pending, b.exitAfter = source, true
			case state == executor.Closed:
				return executor.Ready
			case b.timer.Poll(w) == executor.Ready:
				b.pending = TriggerTimer
			default:
				return executor.Pending
			}
		}
		if !b.db.Barrier.TryExclusive(w) {
			return executor.Pending
		}
		err := b.cycle(b.pending)
		b.db.Barrier.ReleaseExclusive()

		exit := b.exitAfter && err == nil
		b.pending, b.exitAfter = "", false
		b.timer.Reset(b.period)
		b.log.Debug().Time("next", b.timer.Deadline()).Msg("next periodic backup scheduled")
		if exit {
			b.log.Info().Msg("triggered backup complete, shutting down")
			b.exit(0)
			return executor.Ready
		}
	}
}

// RunOnce performs one backup cycle from a goroutine, blocking until the
// barrier can be taken.
func (b *Backup) RunOnce(ctx context.Context, source string) error {
	if err := b.db.Barrier.Exclusive(ctx); err != nil {
		return err
	}
	defer b.db.Barrier.ReleaseExclusive()
	return b.cycle(source)
}

// cycle runs with the barrier held exclusively.
func (b *Backup) cycle(source string) error {
	started := time.Now()
	err := b.snapshot()
	took := time.Since(started)
	b.metrics.BackupFinished(source, took, err)
	if err != nil {
		b.log.Error().Err(err).Str("trigger", source).Dur("took", took).Msg("backup failed, retrying next cycle")
		return err
	}
	b.log.Info().Str("trigger", source).Dur("took", took).Msg("backup saved")
	return nil
}

func (b *Backup) snapshot() error {
	if b.files != nil {
		removed, err := b.files.Collect()
		b.metrics.BlobsCollected(removed)
		if err != nil {
			b.log.Warn().Err(err).Msg("blob collection incomplete")
		}
	}
	data, err := b.db.EncodeSnapshot()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if b.backend == nil {
		return nil
	}
	if err := b.backend.Save(data); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadState restores the store from backend, leaving it empty when nothing
// was saved yet.
func LoadState(db *Database, backend StateBackend) (bool, error) {
	if backend == nil {
		return false, nil
	}
	data, err := backend.Load()
	if err != nil {
		return false, fmt.Errorf("load snapshot: %w", err)
	}
	if data == nil {
		return false, nil
	}
	if err := db.RestoreSnapshot(data); err != nil {
		return false, fmt.Errorf("decode snapshot: %w", err)
	}
	return true, nil
}
