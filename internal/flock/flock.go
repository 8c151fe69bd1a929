// Package flock provides inter-process locking using flock(2).
package flock

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/errors"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned when the lock is held by another process and the timeout has elapsed.
var ErrLocked = errors.New("file is locked")

// Acquire an exclusive lock on the given file, creating it if necessary.
//
// It will retry until the lock is acquired, the timeout elapses, or the context is cancelled. A zero timeout
// results in a single attempt.
func Acquire(ctx context.Context, path string, timeout time.Duration) (release func() error, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Errorf("failed to create lock directory: %w", err)
	}
	deadline := time.Now().Add(timeout)
	for {
		release, err := acquire(path)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, ErrLocked) || time.Now().After(deadline) {
			return nil, errors.Errorf("%s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		case <-time.After(time.Millisecond * 100):
		}
	}
}

func acquire(path string) (func() error, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0600)
	if err != nil {
		return nil, errors.Errorf("failed to open lock file: %w", err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, errors.Errorf("failed to lock file: %w", err)
	}
	return func() error {
		if err := unix.Flock(fd, unix.LOCK_UN); err != nil {
			_ = unix.Close(fd)
			return errors.Errorf("failed to unlock file: %w", err)
		}
		return errors.WithStack(unix.Close(fd))
	}, nil
}
