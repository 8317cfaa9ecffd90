package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"switchboard/pkg/activity"
	"switchboard/pkg/protocol"
	"switchboard/pkg/runsheet"
	"switchboard/pkg/signals"
)

// Scheduler is the control surface shared by Sequencer and Pipeline.
type Scheduler interface {
	Kind() protocol.SchedulerKind
	Start(ctx context.Context, opts StartOptions) error
	Stop()
	Pause()
	Unpause()
	Advance(ctx context.Context) error
	State() State
}

// StartOptions parameterize Start. The pipeline ignores SessionID.
type StartOptions struct {
	SessionID string
	Interval  time.Duration // zero uses the configured interval
}

var (
	// ErrNotRunning is returned by Advance on a stopped scheduler.
	ErrNotRunning = errors.New("orchestrator: scheduler is not running")
	// ErrBusy is returned by Advance while a dispatch is already in flight.
	ErrBusy = errors.New("orchestrator: dispatch already in progress")
)

// RoleDispatcher sends one stage of a plan to a role.
type RoleDispatcher interface {
	DispatchRole(ctx context.Context, role, sessionID, instruction string) (string, error)
}

// Plans is read access to run sheets.
type Plans interface {
	Get(ctx context.Context, id string) (*runsheet.RunSheet, error)
	List(ctx context.Context) ([]*runsheet.RunSheet, error)
}

// ActivityLogger records coordination events.
type ActivityLogger interface {
	LogEvent(typ string, payload any, correlationID string)
}

// Defaults for Config.
const (
	DefaultIntervalSeconds  = 300
	DefaultMinResumeSeconds = 10
	DefaultTickEvery        = time.Second
)

// Config holds scheduler settings.
type Config struct {
	IntervalSeconds  int
	MinResumeSeconds int           // unpause never resumes with less than this
	TickEvery        time.Duration // wall time per countdown second
	Stages           []Stage       // sequencer only
	Signals          *signals.Board
	Checkpoints      *Checkpoints
	Activity         ActivityLogger
	Logger           *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = DefaultIntervalSeconds
	}
	if c.MinResumeSeconds <= 0 {
		c.MinResumeSeconds = DefaultMinResumeSeconds
	}
	if c.TickEvery <= 0 {
		c.TickEvery = DefaultTickEvery
	}
	if len(c.Stages) == 0 {
		c.Stages = DefaultStages
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// clock is the countdown machinery both schedulers share. mu guards state,
// dispatching, gen, and the ticker handle.
type clock struct {
	kind    protocol.SchedulerKind
	cfg     Config
	logger  *slog.Logger
	nowFunc func() time.Time

	mu          sync.Mutex
	state       State
	dispatching bool
	gen         int // bumped on every Start and Stop
	cancel      context.CancelFunc
	done        chan struct{}
}

func (c *clock) init(kind protocol.SchedulerKind, cfg Config) {
	c.kind = kind
	c.cfg = cfg.withDefaults()
	c.logger = c.cfg.Logger.With("component", "orchestrator", "scheduler", string(kind))
	c.nowFunc = time.Now
	c.state = State{Kind: kind, IntervalSeconds: c.cfg.IntervalSeconds}
}

// Kind reports which scheduler this is.
func (c *clock) Kind() protocol.SchedulerKind { return c.kind }

// State returns a copy of the current state.
func (c *clock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

func intervalSeconds(d time.Duration, fallback int) int {
	if d <= 0 {
		return fallback
	}
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (c *clock) saveLocked() {
	c.state.UpdatedAt = protocol.Timestamp(c.nowFunc())
	if c.cfg.Checkpoints == nil {
		return
	}
	if err := c.cfg.Checkpoints.Save(c.state); err != nil {
		c.logger.Warn("checkpoint failed", "error", err)
	}
}

func (c *clock) record(event string, fields map[string]any) {
	if c.cfg.Activity == nil {
		return
	}
	payload := map[string]any{"scheduler": string(c.kind), "event": event}
	for k, v := range fields {
		payload[k] = v
	}
	c.cfg.Activity.LogEvent(activity.TypeOrchestrator, payload, "")
}

// armLocked starts the countdown goroutine, replacing any earlier one.
func (c *clock) armLocked(ctx context.Context, tick func(context.Context)) {
	c.disarmLocked()
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	every := c.cfg.TickEvery
	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				tick(runCtx)
			}
		}
	}()
}

// disarmLocked cancels the countdown goroutine and returns a channel closed
// once it has exited.
func (c *clock) disarmLocked() <-chan struct{} {
	done := c.done
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel, c.done = nil, nil
	return done
}

// stopLocked clears the countdown and marks the scheduler stopped.
func (c *clock) stopLocked(reason string) <-chan struct{} {
	wasRunning := c.state.Running
	c.gen++
	c.state.Running = false
	c.state.Paused = false
	c.state.SecondsRemaining = 0
	done := c.disarmLocked()
	c.saveLocked()
	if wasRunning {
		c.logger.Info("scheduler stopped", "reason", reason)
		c.record("stopped", map[string]any{"reason": reason})
	}
	return done
}

// Stop halts the scheduler and waits for its countdown goroutine to exit.
// An in-flight dispatch is not interrupted.
func (c *clock) Stop() {
	c.mu.Lock()
	done := c.stopLocked("stop requested")
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Pause freezes the countdown.
func (c *clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Running || c.state.Paused {
		return
	}
	c.state.Paused = true
	c.saveLocked()
	c.record("paused", nil)
}

// Unpause resumes the countdown with at least MinResumeSeconds left.
func (c *clock) Unpause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unpauseLocked()
}

func (c *clock) unpauseLocked() {
	if !c.state.Running || !c.state.Paused {
		return
	}
	c.state.Paused = false
	if c.state.SecondsRemaining < c.cfg.MinResumeSeconds {
		c.state.SecondsRemaining = c.cfg.MinResumeSeconds
	}
	c.saveLocked()
	c.record("unpaused", nil)
}

// countdown spends one second and reports whether the stage is due.
func (c *clock) countdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Running || c.state.Paused || c.dispatching {
		return false
	}
	c.state.SecondsRemaining--
	due := c.state.SecondsRemaining <= 0
	c.saveLocked()
	return due
}

// beginDispatch takes the re-entrancy guard and returns the generation the
// dispatch belongs to.
func (c *clock) beginDispatch() (int, error) {
	if !c.state.Running {
		return 0, ErrNotRunning
	}
	if c.dispatching {
		return 0, ErrBusy
	}
	c.dispatching = true
	return c.gen, nil
}

func (c *clock) resetCountdownLocked() {
	c.state.SecondsRemaining = c.state.IntervalSeconds
}
