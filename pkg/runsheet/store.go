package runsheet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"switchboard/pkg/filelock"
	"switchboard/pkg/protocol"
	"switchboard/pkg/suppress"
)

// ErrNotFound is returned when no run sheet exists for a session id.
var ErrNotFound = errors.New("runsheet: not found")

// ErrExists is returned by Create when the session id is already taken.
var ErrExists = errors.New("runsheet: already exists")

// lockDir holds per-sheet lock files so they never appear in listings.
const lockDir = ".locks"

// Store reads and writes run sheets under one directory.
type Store struct {
	dir      string
	lockOpts filelock.Options
	suppress *suppress.Set
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithSuppress registers every write in set before it happens.
func WithSuppress(set *suppress.Set) Option { return func(s *Store) { s.suppress = set } }

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithLockOptions overrides lock retry behaviour.
func WithLockOptions(o filelock.Options) Option { return func(s *Store) { s.lockOpts = o } }

// NewStore returns a Store rooted at dir (usually <root>/sessions).
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{dir: dir, logger: slog.Default(), nowFunc: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dir returns the directory holding the run sheets.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(id string) string { return filepath.Join(s.dir, id+".json") }

func (s *Store) withLock(ctx context.Context, id string, fn func() error) error {
	if err := os.MkdirAll(filepath.Join(s.dir, lockDir), 0o755); err != nil {
		return fmt.Errorf("runsheet: create lock dir: %w", err)
	}
	return filelock.With(ctx, filepath.Join(s.dir, lockDir, id+".lock"), s.lockOpts, fn)
}

func (s *Store) read(id string) (*RunSheet, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("runsheet: read %s: %w", id, err)
	}
	var rs RunSheet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("runsheet: parse %s: %w", id, err)
	}
	return &rs, nil
}

func (s *Store) write(rs *RunSheet) error {
	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("runsheet: encode %s: %w", rs.SessionID, err)
	}
	p := s.path(rs.SessionID)
	s.suppress.Mark(p)
	return filelock.WriteFile(p, append(data, '\n'), 0o644)
}

// Create stores a new run sheet. An empty SessionID is derived from Source
// when set, or generated randomly. CreatedAt defaults to now.
func (s *Store) Create(ctx context.Context, rs RunSheet) (*RunSheet, error) {
	if rs.SessionID == "" {
		if rs.Source != "" {
			rs.SessionID = DeriveSessionID(rs.Source)
		} else {
			rs.SessionID = NewSessionID()
		}
	}
	if err := protocol.ValidateName("session", rs.SessionID); err != nil {
		return nil, err
	}
	if rs.CreatedAt == "" {
		rs.CreatedAt = protocol.Timestamp(s.nowFunc())
	}
	if rs.Events == nil {
		rs.Events = []Event{}
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("runsheet: create dir: %w", err)
	}

	err := s.withLock(ctx, rs.SessionID, func() error {
		if _, err := os.Stat(s.path(rs.SessionID)); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, rs.SessionID)
		}
		return s.write(&rs)
	})
	if err != nil {
		return nil, err
	}
	return &rs, nil
}

// Get loads one run sheet.
func (s *Store) Get(_ context.Context, id string) (*RunSheet, error) {
	if err := protocol.ValidateName("session", id); err != nil {
		return nil, err
	}
	return s.read(id)
}

// Update applies fn to the stored run sheet under the sheet's lock and
// writes the result atomically. If fn returns an error nothing is written.
func (s *Store) Update(ctx context.Context, id string, fn func(*RunSheet) error) (*RunSheet, error) {
	if err := protocol.ValidateName("session", id); err != nil {
		return nil, err
	}
	var out *RunSheet
	err := s.withLock(ctx, id, func() error {
		rs, err := s.read(id)
		if err != nil {
			return err
		}
		if err := fn(rs); err != nil {
			return err
		}
		rs.SessionID = id
		if err := s.write(rs); err != nil {
			return err
		}
		out = rs
		return nil
	})
	return out, err
}

// RecordEvent appends a workflow event, deduplicating consecutive repeats.
// It reports whether the sheet changed.
func (s *Store) RecordEvent(ctx context.Context, id, workflow string, action EventAction, outcome string) (bool, error) {
	added := false
	_, err := s.Update(ctx, id, func(rs *RunSheet) error {
		added = rs.AppendEvent(Event{
			Workflow:  workflow,
			Timestamp: protocol.Timestamp(s.nowFunc()),
			Action:    action,
			Outcome:   outcome,
		})
		return nil
	})
	return added, err
}

// Complete marks the plan finished.
func (s *Store) Complete(ctx context.Context, id string) (*RunSheet, error) {
	return s.Update(ctx, id, func(rs *RunSheet) error {
		if !rs.Completed {
			rs.Completed = true
			rs.CompletedAt = protocol.Timestamp(s.nowFunc())
		}
		return nil
	})
}

// Delete removes a run sheet.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := protocol.ValidateName("session", id); err != nil {
		return err
	}
	return s.withLock(ctx, id, func() error {
		err := os.Remove(s.path(id))
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("runsheet: delete %s: %w", id, err)
		}
		return nil
	})
}

// All returns every readable run sheet ordered by CreatedAt, then SessionID.
// Unreadable files are logged and skipped.
func (s *Store) All(_ context.Context) ([]*RunSheet, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runsheet: list: %w", err)
	}

	var out []*RunSheet
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" || strings.HasPrefix(name, ".") {
			continue
		}
		rs, err := s.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.logger.Warn("skipping unreadable run sheet", "path", filepath.Join(s.dir, name), "error", err)
			continue
		}
		out = append(out, rs)
	}
	SortByAge(out)
	return out, nil
}

// List returns the non-completed run sheets, oldest first.
func (s *Store) List(ctx context.Context) ([]*RunSheet, error) {
	return s.filter(ctx, false)
}

// Completed returns the completed run sheets, oldest first.
func (s *Store) Completed(ctx context.Context) ([]*RunSheet, error) {
	return s.filter(ctx, true)
}

func (s *Store) filter(ctx context.Context, completed bool) ([]*RunSheet, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rs := range all {
		if rs.Completed == completed {
			out = append(out, rs)
		}
	}
	return out, nil
}

// SortByAge orders sheets by creation time, breaking ties by session id.
// Unparsable timestamps sort last.
func SortByAge(sheets []*RunSheet) {
	sort.SliceStable(sheets, func(i, j int) bool {
		ti, ei := time.Parse(time.RFC3339Nano, sheets[i].CreatedAt)
		tj, ej := time.Parse(time.RFC3339Nano, sheets[j].CreatedAt)
		switch {
		case ei != nil && ej != nil:
		case ei != nil:
			return false
		case ej != nil:
			return true
		case !ti.Equal(tj):
			return ti.Before(tj)
		}
		return sheets[i].SessionID < sheets[j].SessionID
	})
}
