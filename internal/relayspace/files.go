package relayspace

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

var ErrFileTooLarge = fmt.Errorf("%w: file too large", ErrInvalidInput)

const (
	blobSuffix = ".dat"
	tempPrefix = "tmp-"
)

// Files is the content-addressed blob directory. Finished uploads live at
// <sha256>.dat, uploads in progress at tmp-<uuid>.dat.
type Files struct {
	dir  string
	refs *RefCounts
	log  zerolog.Logger
}

func NewFiles(dir string, refs *RefCounts, logger zerolog.Logger) (*Files, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, invalid("empty blob directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Files{dir: dir, refs: refs, log: logger}, nil
}

func (f *Files) Dir() string {
	return f.dir
}

func (f *Files) Path(sum string) string {
	return filepath.Join(f.dir, sum+blobSuffix)
}

// Upload streams one file into a temporary blob while hashing it.
type Upload struct {
	files *Files
	file  *os.File
	path  string
	hash  hash.Hash
	size  int64
	limit int64
	done  bool
}

// Begin opens a fresh temporary blob. limit caps the upload size; zero
// means no cap.
func (f *Files) Begin(limit int64) (*Upload, error) {
	path := filepath.Join(f.dir, tempPrefix+uuid.NewString()+blobSuffix)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Upload{files: f, file: file, path: path, hash: sha256.New(), limit: limit}, nil
}

func (u *Upload) Size() int64 {
	return u.size
}

func (u *Upload) Write(p []byte) (int, error) {
	if u.done {
		return 0, fmt.Errorf("%w: upload already finished", ErrInvalidState)
	}
	if u.limit > 0 && u.size+int64(len(p)) > u.limit {
		u.Abort()
		return 0, ErrFileTooLarge
	}
	n, err := u.file.Write(p)
	u.hash.Write(p[:n])
	u.size += int64(n)
	if err != nil {
		u.Abort()
		return n, err
	}
	return n, nil
}

// Finish moves the temporary blob to its content address and pins the
// hash. The caller unpins it once the referencing bucket entry is
// committed or abandoned.
func (u *Upload) Finish() (string, int64, error) {
	if u.done {
		return "", 0, fmt.Errorf("%w: upload already finished", ErrInvalidState)
	}
	u.done = true
	defer os.Remove(u.path)
	if err := u.file.Close(); err != nil {
		return "", 0, err
	}
	sum := hex.EncodeToString(u.hash.Sum(nil))
	u.files.refs.Pin(sum)
	if err := os.Link(u.path, u.files.Path(sum)); err != nil && !errors.Is(err, fs.ErrExist) {
		u.files.refs.Unpin(sum)
		return "", 0, err
	}
	return sum, u.size, nil
}

// Abort discards the temporary blob.
func (u *Upload) Abort() {
	if u.done {
		return
	}
	u.done = true
	_ = u.file.Close()
	if err := os.Remove(u.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		u.files.log.Warn().Err(err).Str("path", u.path).Msg("remove aborted upload")
	}
}

func blobHash(name string) (string, bool) {
	sum, ok := strings.CutSuffix(name, blobSuffix)
	if !ok || len(sum) != sha256.Size*2 {
		return "", false
	}
	if _, err := hex.DecodeString(sum); err != nil {
		return "", false
	}
	return sum, true
}

// Collect deletes every blob nothing references and nothing pins, then
// forgets those hashes. It returns how many blobs were removed.
func (f *Files) Collect() (int, error) {
	var (
		result  *multierror.Error
		removed int
	)
	f.refs.sweep(func(zero []string, collectable func(string) bool, forget func(string)) {
		entries, err := os.ReadDir(f.dir)
		if err != nil {
			result = multierror.Append(result, err)
			return
		}
		kept := map[string]bool{}
		for _, entry := range entries {
			sum, ok := blobHash(entry.Name())
			if !ok || !collectable(sum) {
				continue
			}
			if err := os.Remove(filepath.Join(f.dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
				result = multierror.Append(result, fmt.Errorf("remove blob %s: %w", sum, err))
				kept[sum] = true
				continue
			}
			forget(sum)
			removed++
		}
		for _, sum := range zero {
			if !kept[sum] {
				forget(sum)
			}
		}
	})
	if err := result.ErrorOrNil(); err != nil {
		f.log.Error().Err(err).Int("removed", removed).Msg("blob collection incomplete")
		return removed, err
	}
	f.log.Debug().Int("removed", removed).Msg("blob collection finished")
	return removed, nil
}

// SweepTemporary removes uploads left behind by a previous process.
func (f *Files) SweepTemporary() (int, error) {
	matches, err := filepath.Glob(filepath.Join(f.dir, tempPrefix+"*"+blobSuffix))
	if err != nil {
		return 0, err
	}
	var result *multierror.Error
	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result = multierror.Append(result, err)
			continue
		}
		removed++
	}
	return removed, result.ErrorOrNil()
}
