// Package app wires the store, file store, executor, backup job, metrics and
// HTTP surface of one server process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relayspace/internal/config"
	"github.com/agentworkforce/relayspace/internal/executor"
	"github.com/agentworkforce/relayspace/internal/httpapi"
	"github.com/agentworkforce/relayspace/internal/metrics"
	"github.com/agentworkforce/relayspace/internal/relayspace"
	"github.com/agentworkforce/relayspace/internal/session"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	cfg config.Config
	log zerolog.Logger

	lock    *relayspace.DataDirLock
	DB      *relayspace.Database
	Files   *relayspace.Files
	Backend relayspace.StateBackend
	Exec    *executor.Executor
	Backup  *relayspace.Backup
	Metrics *metrics.Registry
	API     *httpapi.Server

	ready    chan struct{}
	addr     net.Addr
	exited   chan struct{}
	exitOnce sync.Once
}

// New claims the data directory, restores the last snapshot and builds
// every component. Nothing runs until Run.
func New(cfg config.Config, logger zerolog.Logger) (*App, error) {
	lock, err := relayspace.LockDataDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:     cfg,
		log:     logger,
		lock:    lock,
		Metrics: metrics.New(),
		ready:   make(chan struct{}),
		exited:  make(chan struct{}),
	}
	if err := a.build(); err != nil {
		return nil, errors.Join(err, a.Close())
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.cfg
	a.DB = relayspace.New(relayspace.Options{
		Logger:       a.log.With().Str("component", "store").Logger(),
		MaxFileSize:  cfg.MaxFileSize,
		PasswordCost: cfg.PasswordCost,
	})

	backend, err := relayspace.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		return fmt.Errorf("state backend: %w", err)
	}
	a.Backend = backend
	restored, err := relayspace.LoadState(a.DB, backend)
	if err != nil {
		return err
	}
	a.log.Info().
		Bool("restored", restored).
		Int("users", a.DB.Users.Len()).
		Msg("state loaded")

	files, err := relayspace.NewFiles(cfg.FilesDir, a.DB.Refs, a.log.With().Str("component", "files").Logger())
	if err != nil {
		return fmt.Errorf("file store: %w", err)
	}
	a.Files = files
	if swept, err := files.SweepTemporary(); err != nil {
		a.log.Warn().Err(err).Msg("sweep temporary uploads")
	} else if swept > 0 {
		a.log.Info().Int("removed", swept).Msg("swept abandoned uploads")
	}

	a.Exec = executor.New(executor.Options{
		Workers:   cfg.Workers,
		IdleSleep: cfg.IdleSleep,
		Logger:    a.log,
		Metrics:   a.Metrics,
	})
	a.Backup = relayspace.NewBackup(a.DB, files, backend, relayspace.BackupOptions{
		Period:  cfg.BackupPeriod,
		Logger:  a.log.With().Str("component", "backup").Logger(),
		Metrics: a.Metrics,
		Exit: func(int) {
			a.exitOnce.Do(func() { close(a.exited) })
		},
	})
	if err := a.Exec.Submit(a.Backup); err != nil {
		return err
	}

	a.API = httpapi.NewServerWithConfig(httpapi.Deps{
		Sessions: a.startSession,
		Backup:   a.Backup,
		Files:    files,
		Metrics:  a.Metrics.Handler(),
		Stats:    a.stats,
		Logger:   a.log,
	}, httpapi.ServerConfig{
		AdminToken:      cfg.AdminToken,
		OriginPatterns:  cfg.OriginPatterns,
		MaxFrameBytes:   cfg.MaxFrameBytes,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
	})
	return nil
}

func (a *App) startSession(ctx context.Context, conn session.Conn) (*session.Session, error) {
	return session.Start(ctx, a.Exec, conn, session.Options{
		Database:     a.DB,
		Files:        a.Files,
		Backup:       a.Backup,
		Logger:       a.log,
		Metrics:      a.Metrics,
		RequestRate:  rate.Limit(a.cfg.RequestRate),
		RequestBurst: a.cfg.RequestBurst,
		WriteTimeout: a.cfg.WriteTimeout,
	})
}

func (a *App) stats() map[string]any {
	return map[string]any{
		"workers":       a.Exec.Workers(),
		"tasks_live":    a.Exec.Live(),
		"users":         a.DB.Users.Len(),
		"conversations": a.DB.Conversations.Len(),
		"documents":     a.DB.Documents.Len(),
		"spreadsheets":  a.DB.Sheets.Len(),
		"buckets":       a.DB.Buckets.Len(),
		"blobs":         len(a.DB.Refs.Snapshot()),
	}
}

// Ready is closed once the listener is bound.
func (a *App) Ready() <-chan struct{} {
	return a.ready
}

// Addr is the bound listener address; valid after Ready.
func (a *App) Addr() net.Addr {
	return a.addr
}

// Run serves until ctx ends or a triggered backup completes. When ctx ends
// first a final snapshot is taken after every session has been closed.
func (a *App) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return err
	}
	a.addr = listener.Addr()
	close(a.ready)
	a.log.Info().Str("addr", a.addr.String()).Msg("relayspace listening")

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	execCtx, stopExec := context.WithCancel(context.Background())
	defer stopExec()
	httpSrv := &http.Server{Handler: a.API, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return a.Exec.Run(execCtx)
	})
	g.Go(func() error {
		if err := httpSrv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return relayspace.WatchTriggerFile(gctx, a.cfg.DataDir, a.log, func() {
			a.Backup.Trigger(relayspace.TriggerFile)
		})
	})
	g.Go(func() error {
		relayspace.WatchBackupSignal(gctx, func() { a.Backup.Trigger(relayspace.TriggerSignal) })
		return nil
	})
	g.Go(func() error {
		triggered := false
		select {
		case <-gctx.Done():
		case <-a.exited:
			triggered = true
		}
		defer stopRun()
		defer stopExec()
		return a.shutdown(httpSrv, triggered)
	})
	return g.Wait()
}

func (a *App) shutdown(httpSrv *http.Server, triggered bool) error {
	a.log.Info().Bool("triggered", triggered).Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.API.Close()
	var result *multierror.Error
	if err := httpSrv.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("http shutdown: %w", err))
	}
	a.Backup.Close()
	if !triggered {
		if err := a.Backup.RunOnce(ctx, relayspace.TriggerSignal); err != nil {
			result = multierror.Append(result, fmt.Errorf("final backup: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// Close releases the state backend and the data directory lock.
func (a *App) Close() error {
	var result *multierror.Error
	if a.Backend != nil {
		if err := relayspace.CloseStateBackend(a.Backend); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := a.lock.Unlock(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
