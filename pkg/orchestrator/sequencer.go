package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"

	"switchboard/pkg/protocol"
	"switchboard/pkg/runsheet"
	"switchboard/pkg/signals"
)

// Sequencer dispatches a fixed list of stages for one plan, one stage per
// countdown. A stage-done signal for the stage in progress advances early.
type Sequencer struct {
	clock
	dispatcher RoleDispatcher
	plans      Plans
}

// NewSequencer returns a stopped Sequencer.
func NewSequencer(d RoleDispatcher, plans Plans, cfg Config) *Sequencer {
	s := &Sequencer{dispatcher: d, plans: plans}
	s.init(protocol.KindSequencer, cfg)
	s.state.Stages = append([]Stage(nil), s.cfg.Stages...)
	return s
}

// Start binds the sequencer to a plan, rewinds to the first stage, and
// dispatches it immediately.
func (s *Sequencer) Start(ctx context.Context, opts StartOptions) error {
	if err := protocol.ValidateName("session", opts.SessionID); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	rs, err := s.plans.Get(ctx, opts.SessionID)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	if rs.Completed {
		return fmt.Errorf("orchestrator: plan %s is completed", opts.SessionID)
	}

	s.mu.Lock()
	if s.dispatching {
		s.mu.Unlock()
		return ErrBusy
	}
	s.gen++
	interval := intervalSeconds(opts.Interval, s.cfg.IntervalSeconds)
	s.state = State{
		Kind:             protocol.KindSequencer,
		Running:          true,
		IntervalSeconds:  interval,
		SecondsRemaining: interval,
		Stages:           append([]Stage(nil), s.cfg.Stages...),
		SessionID:        opts.SessionID,
	}
	s.armLocked(ctx, s.tick)
	s.saveLocked()
	s.mu.Unlock()

	s.logger.Info("sequencer started", "session_id", opts.SessionID, "interval_seconds", interval)
	s.record("started", map[string]any{"sessionId": opts.SessionID, "intervalSeconds": interval})
	return s.advance(ctx, false)
}

// Advance dispatches the current stage now. Advancing while paused also
// resumes the countdown. Once every stage has been dispatched, the next
// Advance stops the sequencer.
func (s *Sequencer) Advance(ctx context.Context) error {
	return s.advance(ctx, true)
}

func (s *Sequencer) advance(ctx context.Context, manual bool) error {
	s.mu.Lock()
	gen, err := s.beginDispatch()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	idx := s.state.CurrentStageIndex
	stage, ok := s.state.CurrentStage()
	sessionID := s.state.SessionID
	if !ok {
		// Every stage went out on earlier advances; this one ends the run.
		s.dispatching = false
		s.stopLocked("all stages dispatched")
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	_, dispatchErr := s.dispatcher.DispatchRole(ctx, stage.Role, sessionID, stage.Instruction)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatching = false
	if gen != s.gen {
		// Stopped or restarted while the dispatch was in flight.
		return dispatchErr
	}
	if dispatchErr != nil {
		s.state.LastError = dispatchErr.Error()
		s.logger.Error("stage dispatch failed", "stage", idx, "role", stage.Role, "error", dispatchErr)
		s.stopLocked("dispatch failed")
		return fmt.Errorf("orchestrator: dispatch stage %d (%s): %w", idx, stage.Role, dispatchErr)
	}

	s.state.LastError = ""
	s.state.CurrentStageIndex++
	s.logger.Info("stage dispatched", "stage", idx, "role", stage.Role, "session_id", sessionID, "manual", manual)
	s.record("stage_dispatched", map[string]any{
		"sessionId": sessionID, "role": stage.Role, "stage": idx, "label": stage.Label, "manual": manual,
	})
	s.resetCountdownLocked()
	if manual && s.state.Paused {
		s.state.Paused = false
	}
	s.saveLocked()
	return nil
}

func (s *Sequencer) tick(ctx context.Context) {
	due := s.stageSignaled()
	if !due {
		due = s.countdown()
	}
	if !due {
		return
	}
	if err := s.advance(ctx, false); err != nil && !errors.Is(err, ErrBusy) && !errors.Is(err, ErrNotRunning) {
		s.logger.Warn("scheduled advance failed", "error", err)
	}
}

// stageSignaled consumes the done signal of the stage in progress, if any.
func (s *Sequencer) stageSignaled() bool {
	if s.cfg.Signals == nil {
		return false
	}
	s.mu.Lock()
	idx := s.state.CurrentStageIndex
	if !s.state.Running || s.state.Paused || s.dispatching || idx == 0 || idx > len(s.state.Stages) {
		s.mu.Unlock()
		return false
	}
	name := signals.StageDone(s.state.SessionID, s.state.Stages[idx-1].Role)
	s.mu.Unlock()

	_, ok, err := s.cfg.Signals.Consume(name)
	if err != nil {
		s.logger.Warn("reading stage signal failed", "signal", name, "error", err)
		return false
	}
	if ok {
		s.logger.Info("stage done signal received", "signal", name)
	}
	return ok
}

// Restore resumes a checkpointed run after a restart. A checkpoint whose plan
// is gone or completed is discarded. It reports whether a run was resumed.
func (s *Sequencer) Restore(ctx context.Context) (bool, error) {
	cp := s.cfg.Checkpoints
	if cp == nil {
		return false, nil
	}
	st, err := cp.Load(protocol.KindSequencer)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !st.Running {
		return false, nil
	}

	rs, err := s.plans.Get(ctx, st.SessionID)
	switch {
	case errors.Is(err, runsheet.ErrNotFound), err == nil && rs.Completed, err == nil && st.CurrentStageIndex >= len(st.Stages):
		s.logger.Info("discarding sequencer checkpoint", "session_id", st.SessionID)
		return false, cp.Discard(protocol.KindSequencer)
	case err != nil:
		var nameErr *protocol.NameError
		if errors.As(err, &nameErr) {
			return false, cp.Discard(protocol.KindSequencer)
		}
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	st.Kind = protocol.KindSequencer
	if st.SecondsRemaining <= 0 {
		st.SecondsRemaining = s.cfg.MinResumeSeconds
	}
	s.state = *st
	s.armLocked(ctx, s.tick)
	s.saveLocked()
	s.logger.Info("sequencer restored", "session_id", st.SessionID, "stage", st.CurrentStageIndex)
	return true, nil
}
