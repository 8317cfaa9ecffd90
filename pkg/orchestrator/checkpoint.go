package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"switchboard/pkg/filelock"
	"switchboard/pkg/protocol"
)

// Checkpoints persists scheduler state as <dir>/<kind>.json.
type Checkpoints struct {
	dir string
}

// NewCheckpoints returns a checkpoint store over dir (usually
// <root>/orchestrator).
func NewCheckpoints(dir string) *Checkpoints { return &Checkpoints{dir: dir} }

// Path returns the checkpoint file of kind.
func (c *Checkpoints) Path(kind protocol.SchedulerKind) string {
	return filepath.Join(c.dir, string(kind)+".json")
}

// Save writes st atomically.
func (c *Checkpoints) Save(st State) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("orchestrator: create checkpoint dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: encode checkpoint: %w", err)
	}
	return filelock.WriteFile(c.Path(st.Kind), append(data, '\n'), 0o644)
}

// Load reads the checkpoint of kind. A missing checkpoint yields an error
// wrapping os.ErrNotExist.
func (c *Checkpoints) Load(kind protocol.SchedulerKind) (*State, error) {
	data, err := os.ReadFile(c.Path(kind))
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("orchestrator: parse %s checkpoint: %w", kind, err)
	}
	return &st, nil
}

// Discard removes the checkpoint of kind. A missing file is not an error.
func (c *Checkpoints) Discard(kind protocol.SchedulerKind) error {
	if err := os.Remove(c.Path(kind)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("orchestrator: discard %s checkpoint: %w", kind, err)
	}
	return nil
}
