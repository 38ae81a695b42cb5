package relayspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// TriggerFileName is the file whose creation in the data directory
// requests a backup.
const TriggerFileName = "backup.trigger"

// WatchTriggerFile calls fire each time TriggerFileName appears in dir,
// removing the file first. It returns when ctx ends.
func WatchTriggerFile(ctx context.Context, dir string, logger zerolog.Logger, fire func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}
	path := filepath.Join(dir, TriggerFileName)
	consume := func() {
		if err := os.Remove(path); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logger.Warn().Err(err).Str("path", path).Msg("remove backup trigger file")
			}
			return
		}
		fire()
	}
	// a trigger dropped while the server was down still counts
	consume()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 && filepath.Clean(ev.Name) == path {
				consume()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("backup trigger watcher error")
		}
	}
}

// WatchBackupSignal calls fire on every SIGUSR1 until ctx ends.
func WatchBackupSignal(ctx context.Context, fire func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGUSR1)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			fire()
		}
	}
}

// DataDirLock holds an exclusive flock on a data directory.
type DataDirLock struct {
	file *os.File
}

// LockDataDir fails with ErrInvalidState when another process already
// serves dir.
func LockDataDir(dir string) (*DataDirLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(filepath.Join(dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: data directory %s is in use", ErrInvalidState, dir)
		}
		return nil, err
	}
	return &DataDirLock{file: file}, nil
}

func (l *DataDirLock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
