package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"switchboard/pkg/filelock"
	"switchboard/pkg/protocol"
)

// Control is the directive queue other processes use to drive the
// schedulers of a running coordinator: one JSON file per command in dir.
type Control struct {
	dir     string
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewControl returns a queue over dir (usually <root>/control).
func NewControl(dir string, logger *slog.Logger) *Control {
	if logger == nil {
		logger = slog.Default()
	}
	return &Control{dir: dir, logger: logger.With("component", "control"), nowFunc: time.Now}
}

// Dir returns the queue directory.
func (c *Control) Dir() string { return c.dir }

// Submit validates cmd, fills in its id and timestamp, and queues it.
func (c *Control) Submit(cmd protocol.Command) (protocol.Command, error) {
	if !cmd.Directive.Valid() {
		return cmd, fmt.Errorf("orchestrator: unknown directive %q", cmd.Directive)
	}
	if cmd.Scheduler != protocol.KindSequencer && cmd.Scheduler != protocol.KindPipeline {
		return cmd, fmt.Errorf("orchestrator: unknown scheduler %q", cmd.Scheduler)
	}
	if cmd.IntervalSeconds < 0 {
		return cmd, fmt.Errorf("orchestrator: negative interval %d", cmd.IntervalSeconds)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if err := protocol.ValidateName("command id", cmd.ID); err != nil {
		return cmd, err
	}
	if cmd.Ts == "" {
		cmd.Ts = protocol.Timestamp(c.nowFunc())
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return cmd, fmt.Errorf("orchestrator: create control dir: %w", err)
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return cmd, fmt.Errorf("orchestrator: encode command: %w", err)
	}
	if err := filelock.WriteFile(filepath.Join(c.dir, cmd.ID+".json"), data, 0o644); err != nil {
		return cmd, fmt.Errorf("orchestrator: submit: %w", err)
	}
	return cmd, nil
}

// QueuedCommand is a command waiting in the queue.
type QueuedCommand struct {
	Path    string
	Command protocol.Command
}

// Pending returns queued commands oldest first. Unparsable files are logged
// and removed.
func (c *Control) Pending() ([]QueuedCommand, error) {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list control dir: %w", err)
	}
	var out []QueuedCommand
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		p := filepath.Join(c.dir, name)
		data, err := os.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		var cmd protocol.Command
		if err == nil {
			err = json.Unmarshal(data, &cmd)
		}
		if err != nil {
			c.logger.Warn("dropping unreadable command", "path", p, "error", err)
			_ = c.Done(p)
			continue
		}
		out = append(out, QueuedCommand{Path: p, Command: cmd})
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, _ := time.Parse(time.RFC3339Nano, out[i].Command.Ts)
		tj, _ := time.Parse(time.RFC3339Nano, out[j].Command.Ts)
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].Command.ID < out[j].Command.ID
	})
	return out, nil
}

// Done removes a processed command. A missing file is not an error.
func (c *Control) Done(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("orchestrator: remove command: %w", err)
	}
	return nil
}
