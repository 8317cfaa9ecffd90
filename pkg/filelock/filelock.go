// Package filelock provides advisory cross-process locks and atomic file
// replacement for documents shared by several switchboard processes.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrTimeout is returned when the lock could not be acquired within MaxWait.
	ErrTimeout = errors.New("filelock: timed out waiting for lock")
	// ErrLocked is returned by TryAcquire when someone else holds the lock.
	ErrLocked = errors.New("filelock: lock is held elsewhere")
)

// Default retry parameters.
const (
	DefaultInitialBackoff = 10 * time.Millisecond
	DefaultMaxBackoff     = 500 * time.Millisecond
	DefaultMaxWait        = 10 * time.Second
)

// Options controls lock acquisition retries.
type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxWait        time.Duration
}

func (o Options) withDefaults() Options {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWait
	}
	return o
}

// Lock is a held exclusive flock on a lock file.
type Lock struct {
	f *os.File
}

// Acquire takes an exclusive lock on path (created if missing). It polls with
// LOCK_NB and exponential backoff until the lock is free, ctx is done, or
// MaxWait elapses.
func Acquire(ctx context.Context, path string, opts Options) (*Lock, error) {
	opts = opts.withDefaults()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("filelock: open %s: %w", path, err)
	}

	deadline := time.Now().Add(opts.MaxWait)
	backoff := opts.InitialBackoff
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{f: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, fmt.Errorf("filelock: flock %s: %w", path, err)
		}
		if time.Now().Add(backoff).After(deadline) {
			f.Close()
			return nil, fmt.Errorf("%w: %s", ErrTimeout, path)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			f.Close()
			return nil, fmt.Errorf("filelock: %s: %w", path, ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
		if backoff > opts.MaxBackoff {
			backoff = opts.MaxBackoff
		}
	}
}

// TryAcquire makes one non-blocking attempt at an exclusive lock on path.
// It fails with ErrLocked when the lock is taken, including by another open
// of the same file in this process.
func TryAcquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("filelock: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("filelock: flock %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock. It is safe to call on a nil Lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return fmt.Errorf("filelock: unlock: %w", err)
	}
	return cerr
}

// With runs fn while holding the lock at path.
func With(ctx context.Context, path string, opts Options, fn func() error) error {
	l, err := Acquire(ctx, path, opts)
	if err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
