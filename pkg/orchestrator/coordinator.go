package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"switchboard/pkg/filelock"
	"switchboard/pkg/protocol"
)

// DefaultControlPoll is the fallback interval for checking the control queue.
const DefaultControlPoll = 2 * time.Second

// ErrNotOwner is returned when another process drives the schedulers.
var ErrNotOwner = errors.New("orchestrator: schedulers are owned by another process")

// Coordinator owns both schedulers and keeps at most one of them running.
// Across processes sharing a root, only the holder of the ownership lock may
// start, advance, or restore them.
type Coordinator struct {
	seq     *Sequencer
	pipe    *Pipeline
	control *Control
	logger  *slog.Logger

	mu       sync.Mutex
	lockPath string
	owner    *filelock.Lock
}

// NewCoordinator wires the schedulers together. control may be nil.
func NewCoordinator(seq *Sequencer, pipe *Pipeline, control *Control, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{seq: seq, pipe: pipe, control: control, logger: logger.With("component", "coordinator")}
}

// Scheduler returns the scheduler of kind.
func (c *Coordinator) Scheduler(kind protocol.SchedulerKind) (Scheduler, error) {
	switch kind {
	case protocol.KindSequencer:
		return c.seq, nil
	case protocol.KindPipeline:
		return c.pipe, nil
	default:
		return nil, fmt.Errorf("orchestrator: unknown scheduler %q", kind)
	}
}

func (c *Coordinator) other(kind protocol.SchedulerKind) Scheduler {
	if kind == protocol.KindSequencer {
		return c.pipe
	}
	return c.seq
}

// Claim makes one attempt at the ownership lock at lockPath and reports
// whether this coordinator now owns the schedulers. Once a lock path is set,
// Start, Advance, and Restore fail with ErrNotOwner while the lock is not held.
func (c *Coordinator) Claim(lockPath string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockPath = lockPath
	if c.owner != nil {
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return false, fmt.Errorf("orchestrator: create lock dir: %w", err)
	}
	l, err := filelock.TryAcquire(lockPath)
	if errors.Is(err, filelock.ErrLocked) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("orchestrator: %w", err)
	}
	c.owner = l
	return true, nil
}

// Release gives up ownership. Checkpoints are left for the next owner to
// restore.
func (c *Coordinator) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.owner.Release()
	c.owner = nil
	return err
}

// checkOwnerLocked reports ErrNotOwner when ownership is in use but not held.
func (c *Coordinator) checkOwnerLocked() error {
	if c.lockPath != "" && c.owner == nil {
		return ErrNotOwner
	}
	return nil
}

// Own blocks until this process holds the ownership lock, retrying every
// poll interval, then restores checkpointed runs and applies control
// directives until ctx is done. When the owning process exits, a waiting
// process takes over its runs.
func (c *Coordinator) Own(ctx context.Context, lockPath string, poll time.Duration) error {
	if poll <= 0 {
		poll = DefaultControlPoll
	}
	standing := false
	for {
		ok, err := c.Claim(lockPath)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if !standing {
			c.logger.Info("schedulers owned by another process; standing by", "lock", lockPath)
			standing = true
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(poll):
		}
	}
	defer func() {
		if err := c.Release(); err != nil {
			c.logger.Warn("releasing scheduler ownership failed", "error", err)
		}
	}()

	c.logger.Info("scheduler ownership acquired", "lock", lockPath)
	if err := c.Restore(ctx); err != nil {
		c.logger.Warn("restoring scheduler failed", "error", err)
	}
	return c.RunControl(ctx, poll)
}

// Start stops the other scheduler, then starts kind.
func (c *Coordinator) Start(ctx context.Context, kind protocol.SchedulerKind, opts StartOptions) error {
	s, err := c.Scheduler(kind)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOwnerLocked(); err != nil {
		return err
	}
	if other := c.other(kind); other.State().Running {
		c.logger.Info("stopping other scheduler", "stopped", string(other.Kind()), "starting", string(kind))
		other.Stop()
	}
	return s.Start(ctx, opts)
}

// Stop stops kind.
func (c *Coordinator) Stop(kind protocol.SchedulerKind) error {
	s, err := c.Scheduler(kind)
	if err != nil {
		return err
	}
	s.Stop()
	return nil
}

// Pause pauses kind.
func (c *Coordinator) Pause(kind protocol.SchedulerKind) error {
	s, err := c.Scheduler(kind)
	if err != nil {
		return err
	}
	s.Pause()
	return nil
}

// Unpause resumes kind.
func (c *Coordinator) Unpause(kind protocol.SchedulerKind) error {
	s, err := c.Scheduler(kind)
	if err != nil {
		return err
	}
	s.Unpause()
	return nil
}

// Advance dispatches kind's next stage now.
func (c *Coordinator) Advance(ctx context.Context, kind protocol.SchedulerKind) error {
	s, err := c.Scheduler(kind)
	if err != nil {
		return err
	}
	c.mu.Lock()
	err = c.checkOwnerLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Advance(ctx)
}

// States returns the state of both schedulers, sequencer first.
func (c *Coordinator) States() []State {
	return []State{c.seq.State(), c.pipe.State()}
}

// Restore resumes whichever scheduler was running before a restart. The
// sequencer wins if both checkpoints claim to be running.
func (c *Coordinator) Restore(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOwnerLocked(); err != nil {
		return err
	}
	ok, err := c.seq.Restore(ctx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	_, err = c.pipe.Restore(ctx)
	return err
}

// Apply executes one control directive.
func (c *Coordinator) Apply(ctx context.Context, cmd protocol.Command) error {
	switch cmd.Directive {
	case protocol.DirectiveStart:
		return c.Start(ctx, cmd.Scheduler, StartOptions{
			SessionID: cmd.SessionID,
			Interval:  time.Duration(cmd.IntervalSeconds) * time.Second,
		})
	case protocol.DirectiveStop:
		return c.Stop(cmd.Scheduler)
	case protocol.DirectivePause:
		return c.Pause(cmd.Scheduler)
	case protocol.DirectiveUnpause:
		return c.Unpause(cmd.Scheduler)
	case protocol.DirectiveAdvance:
		return c.Advance(ctx, cmd.Scheduler)
	default:
		return fmt.Errorf("orchestrator: unknown directive %q", cmd.Directive)
	}
}

// DrainControl applies and removes every queued command, oldest first. A
// failing command is logged and still removed.
func (c *Coordinator) DrainControl(ctx context.Context) int {
	if c.control == nil {
		return 0
	}
	queued, err := c.control.Pending()
	if err != nil {
		c.logger.Warn("reading control queue failed", "error", err)
		return 0
	}
	for _, q := range queued {
		if err := c.Apply(ctx, q.Command); err != nil {
			c.logger.Warn("directive failed", "id", q.Command.ID, "directive", q.Command.Directive,
				"scheduler", q.Command.Scheduler, "error", err)
		} else {
			c.logger.Info("directive applied", "id", q.Command.ID, "directive", q.Command.Directive,
				"scheduler", q.Command.Scheduler)
		}
		if err := c.control.Done(q.Path); err != nil {
			c.logger.Warn("removing command failed", "path", q.Path, "error", err)
		}
	}
	return len(queued)
}

// RunControl applies directives as they arrive until ctx is done.
func (c *Coordinator) RunControl(ctx context.Context, poll time.Duration) error {
	if c.control == nil {
		<-ctx.Done()
		return nil
	}
	if poll <= 0 {
		poll = DefaultControlPoll
	}
	if err := os.MkdirAll(c.control.Dir(), 0o755); err != nil {
		return fmt.Errorf("orchestrator: create control dir: %w", err)
	}

	var events <-chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Warn("fsnotify unavailable; polling control queue", "error", err)
	} else {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(c.control.Dir()); err != nil {
			c.logger.Warn("watching control dir failed", "error", err)
		} else {
			events = watcher.Events
		}
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	c.DrainControl(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				c.DrainControl(ctx)
			}
		case <-ticker.C:
			c.DrainControl(ctx)
		}
	}
}
