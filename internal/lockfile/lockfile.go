// Package lockfile keeps two supervisors from running the same config.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked is returned if the lock is held by another process.
var ErrLocked = errors.New("already locked elsewhere")

// Lock is a held flock. The holder's pid is written into the file.
type Lock struct {
	path string
	l    *flock.Flock
}

// PathFor returns the lock path used for a config file.
func PathFor(configPath string) string {
	return configPath + ".lock"
}

// Acquire takes the lock at path without waiting.
func Acquire(path string) (*Lock, error) {
	return acquire(nil, path)
}

// AcquireWait retries until the lock is free or ctx is done.
func AcquireWait(ctx context.Context, path string) (*Lock, error) {
	return acquire(ctx, path)
}

func acquire(ctx context.Context, path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	l := flock.New(path)
	var (
		locked bool
		err    error
	)
	if ctx != nil {
		locked, err = l.TryLockContext(ctx, 25*time.Millisecond)
	} else {
		locked, err = l.TryLock()
	}
	if err != nil && (ctx == nil || ctx.Err() == nil) {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		if pid, ok := Owner(path); ok {
			return nil, fmt.Errorf("%s (pid %d): %w", path, pid, ErrLocked)
		}
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		_ = l.Unlock()
		return nil, fmt.Errorf("failed to record lock owner: %w", err)
	}
	return &Lock{path: path, l: l}, nil
}

// Owner reads the pid recorded in the lock file at path.
func Owner(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (l *Lock) Path() string { return l.path }

// Release clears the owner and drops the lock. The file is left in place so
// that a waiting process keeps locking the same inode.
func (l *Lock) Release() error {
	_ = os.Truncate(l.path, 0)
	return l.l.Unlock()
}

// Close is Release, for use as an io.Closer.
func (l *Lock) Close() error { return l.Release() }
