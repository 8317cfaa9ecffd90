package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"switchboard/pkg/filelock"
	"switchboard/pkg/protocol"
)

// Mutation edits the state in place. A mutation that returns an error is
// rolled back without affecting others in the same batch.
type Mutation func(*State) error

// ErrClosed is returned for updates submitted after Close.
var ErrClosed = errors.New("workspace: store closed")

// DefaultMaxBatch bounds how many queued mutations share one write.
const DefaultMaxBatch = 32

type updateReq struct {
	fn    Mutation
	reply chan error
}

// Store serializes updates to the workspace document.
type Store struct {
	path     string
	lockPath string
	lockOpts filelock.Options
	logger   *slog.Logger
	maxBatch int
	nowFunc  func() time.Time

	reqs chan updateReq
	stop chan struct{}
	done chan struct{}

	// batches counts completed write cycles; tests read it.
	batches int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithLockOptions overrides lock retry behaviour.
func WithLockOptions(o filelock.Options) Option { return func(s *Store) { s.lockOpts = o } }

// Open returns a running Store for the document at path.
func Open(path string, opts ...Option) *Store {
	s := &Store{
		path:     path,
		lockPath: path + ".lock",
		logger:   slog.Default(),
		maxBatch: DefaultMaxBatch,
		nowFunc:  time.Now,
		reqs:     make(chan updateReq, DefaultMaxBatch),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.loop()
	return s
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// Close stops the update goroutine after it finishes the current batch.
func (s *Store) Close() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

// Load reads the current document. A missing file is an empty state.
func (s *Store) Load(_ context.Context) (*State, error) {
	return s.read()
}

func (s *Store) read() (*State, error) {
	st := &State{Targets: map[string]Target{}}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workspace: read state: %w", err)
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("workspace: parse state: %w", err)
	}
	if st.Targets == nil {
		st.Targets = map[string]Target{}
	}
	return st, nil
}

// Update queues fn and waits until it has been applied and written.
func (s *Store) Update(ctx context.Context, fn Mutation) error {
	select {
	case <-s.stop:
		return ErrClosed
	default:
	}
	req := updateReq{fn: fn, reply: make(chan error, 1)}
	select {
	case s.reqs <- req:
	case <-s.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-s.done:
		select {
		case err := <-req.reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case first := <-s.reqs:
			batch := []updateReq{first}
		collect:
			for len(batch) < s.maxBatch {
				select {
				case r := <-s.reqs:
					batch = append(batch, r)
				default:
					break collect
				}
			}
			s.apply(batch)
		}
	}
}

// apply performs one locked read-modify-write for the whole batch.
func (s *Store) apply(batch []updateReq) {
	results := make([]error, len(batch))

	err := func() error {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return fmt.Errorf("workspace: create dir: %w", err)
		}
		// The batch is shared, so no single caller's context applies.
		return filelock.With(context.Background(), s.lockPath, s.lockOpts, func() error {
			st, err := s.read()
			if err != nil {
				return err
			}
			changed := false
			for i, r := range batch {
				snapshot := st.clone()
				if err := r.fn(st); err != nil {
					results[i] = err
					st = snapshot
					continue
				}
				changed = true
			}
			if !changed {
				return nil
			}
			st.UpdatedAt = protocol.Timestamp(s.nowFunc())
			data, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return fmt.Errorf("workspace: encode state: %w", err)
			}
			return filelock.WriteFile(s.path, append(data, '\n'), 0o644)
		})
	}()
	s.batches++

	if err != nil {
		s.logger.Warn("workspace update failed", "path", s.path, "batch", len(batch), "error", err)
	}
	for i, r := range batch {
		if results[i] == nil {
			results[i] = err
		}
		r.reply <- results[i]
	}
}

// ActiveSession returns the active session id.
func (s *Store) ActiveSession(ctx context.Context) (string, error) {
	st, err := s.Load(ctx)
	if err != nil {
		return "", err
	}
	return st.ActiveSessionID, nil
}

// SetActiveSession records id as the active session.
func (s *Store) SetActiveSession(ctx context.Context, id string) error {
	return s.Update(ctx, SetActiveSession(id))
}

// RegisterTarget adds or replaces a target.
func (s *Store) RegisterTarget(ctx context.Context, t Target) error {
	return s.Update(ctx, PutTarget(t, s.nowFunc()))
}

// RemoveTarget forgets a target.
func (s *Store) RemoveTarget(ctx context.Context, name string) error {
	return s.Update(ctx, RemoveTarget(name))
}

// Targets returns the registered targets, earliest registered first.
func (s *Store) Targets(ctx context.Context) ([]Target, error) {
	st, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return st.TargetList(), nil
}
