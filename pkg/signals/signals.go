// Package signals implements one-shot signal files used for multi-step
// hand-offs: one party raises <root>/signals/<name>.signal and another waits
// for it.
package signals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"switchboard/pkg/filelock"
	"switchboard/pkg/protocol"
)

// Suffix is the file extension of signal files.
const Suffix = ".signal"

// DefaultTimeout bounds Await when no timeout is given.
const DefaultTimeout = 30 * time.Minute

// DefaultPollInterval is the fallback check interval while awaiting.
const DefaultPollInterval = time.Second

// ErrTimeout is returned by Await when the signal never appears.
var ErrTimeout = errors.New("signals: timed out waiting for signal")

// Signal is the content of a signal file.
type Signal struct {
	Name     string         `json:"name"`
	RaisedAt string         `json:"raisedAt"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Board reads and writes the signal files in one directory.
type Board struct {
	dir          string
	pollInterval time.Duration
	nowFunc      func() time.Time
}

// New returns a Board over dir (usually <root>/signals).
func New(dir string) *Board {
	return &Board{dir: dir, pollInterval: DefaultPollInterval, nowFunc: time.Now}
}

// Dir returns the signal directory.
func (b *Board) Dir() string { return b.dir }

// Path returns the file path of the named signal.
func (b *Board) Path(name string) (string, error) {
	if err := protocol.ValidateName("signal", name); err != nil {
		return "", err
	}
	return filepath.Join(b.dir, name+Suffix), nil
}

// StageDone names the signal an agent raises when it finishes its stage of
// a plan.
func StageDone(sessionID, role string) string {
	return sessionID + "." + protocol.NormalizeName(role) + ".done"
}

// Raise writes the named signal, replacing any earlier one.
func (b *Board) Raise(name string, payload map[string]any) error {
	p, err := b.Path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("signals: create dir: %w", err)
	}
	data, err := json.Marshal(Signal{Name: name, RaisedAt: protocol.Timestamp(b.nowFunc()), Payload: payload})
	if err != nil {
		return fmt.Errorf("signals: encode %s: %w", name, err)
	}
	if err := filelock.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("signals: raise %s: %w", name, err)
	}
	return nil
}

// Read returns the named signal, or an error wrapping os.ErrNotExist.
func (b *Board) Read(name string) (*Signal, error) {
	p, err := b.Path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		// A bare touch file still counts as raised.
		return &Signal{Name: name}, nil
	}
	return &s, nil
}

// Consume reads and removes the named signal. It reports false when the
// signal is not raised.
func (b *Board) Consume(name string) (*Signal, bool, error) {
	s, err := b.Read(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	p, _ := b.Path(name)
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("signals: consume %s: %w", name, err)
	}
	return s, true, nil
}

// Await blocks until the named signal is raised, then consumes and returns
// it. It fails with ErrTimeout once timeout elapses (DefaultTimeout when
// timeout is zero) and with ctx.Err() on cancellation.
func (b *Board) Await(ctx context.Context, name string, timeout time.Duration) (*Signal, error) {
	if _, err := b.Path(name); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, fmt.Errorf("signals: create dir: %w", err)
	}

	var events <-chan fsnotify.Event
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer func() { _ = w.Close() }()
		if w.Add(b.dir) == nil {
			events = w.Events
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(b.pollInterval)
	defer poll.Stop()

	for {
		s, ok, err := b.Consume(name)
		if err != nil {
			return nil, err
		}
		if ok {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, name, timeout)
		case _, open := <-events:
			if !open {
				events = nil
			}
		case <-poll.C:
		}
	}
}
