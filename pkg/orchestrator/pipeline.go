package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"

	"switchboard/pkg/protocol"
	"switchboard/pkg/runsheet"
)

// Pipeline keeps every open plan moving. Each countdown it dispatches the
// next stage of the oldest plan that still has work, and it stops by itself
// once the last pending plan reaches review.
type Pipeline struct {
	clock
	dispatcher RoleDispatcher
	plans      Plans
}

// NewPipeline returns a stopped Pipeline.
func NewPipeline(d RoleDispatcher, plans Plans, cfg Config) *Pipeline {
	p := &Pipeline{dispatcher: d, plans: plans}
	p.init(protocol.KindPipeline, cfg)
	return p
}

// Start begins scheduling and polls immediately.
func (p *Pipeline) Start(ctx context.Context, opts StartOptions) error {
	p.mu.Lock()
	if p.dispatching {
		p.mu.Unlock()
		return ErrBusy
	}
	p.gen++
	interval := intervalSeconds(opts.Interval, p.cfg.IntervalSeconds)
	p.state = State{
		Kind:             protocol.KindPipeline,
		Running:          true,
		IntervalSeconds:  interval,
		SecondsRemaining: interval,
	}
	p.armLocked(ctx, p.tick)
	p.saveLocked()
	p.mu.Unlock()

	p.logger.Info("pipeline started", "interval_seconds", interval)
	p.record("started", map[string]any{"intervalSeconds": interval})
	return p.advance(ctx, false)
}

// Advance polls and dispatches now. Advancing while paused also resumes the
// countdown.
func (p *Pipeline) Advance(ctx context.Context) error {
	return p.advance(ctx, true)
}

type pendingPlan struct {
	sheet *runsheet.RunSheet
	stage Stage
}

// pendingPlans returns the open plans that still have a stage to run, oldest
// first.
func pendingPlans(sheets []*runsheet.RunSheet) []pendingPlan {
	sorted := append([]*runsheet.RunSheet(nil), sheets...)
	runsheet.SortByAge(sorted)
	var out []pendingPlan
	for _, rs := range sorted {
		if rs.Completed {
			continue
		}
		if stage, done := NextStage(rs); !done {
			out = append(out, pendingPlan{sheet: rs, stage: stage})
		}
	}
	return out
}

func (p *Pipeline) advance(ctx context.Context, manual bool) error {
	p.mu.Lock()
	gen, err := p.beginDispatch()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	hadPending := p.state.PendingCount > 0
	p.mu.Unlock()

	sheets, listErr := p.plans.List(ctx)
	pending := pendingPlans(sheets)
	var chosen *pendingPlan
	var dispatchErr error
	if listErr == nil && len(pending) > 0 {
		chosen = &pending[0]
		_, dispatchErr = p.dispatcher.DispatchRole(ctx, chosen.stage.Role, chosen.sheet.SessionID, chosen.stage.Instruction)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatching = false
	if gen != p.gen {
		return dispatchErr
	}
	p.resetCountdownLocked()
	if manual && p.state.Paused {
		p.state.Paused = false
	}

	if listErr != nil {
		p.state.LastError = listErr.Error()
		p.saveLocked()
		return fmt.Errorf("orchestrator: list plans: %w", listErr)
	}
	p.state.PendingCount = len(pending)
	if len(pending) == 0 {
		if hadPending {
			p.stopLocked("no pending plans")
			return nil
		}
		p.saveLocked()
		return nil
	}

	if dispatchErr != nil {
		p.state.LastError = dispatchErr.Error()
		p.logger.Error("pipeline dispatch failed", "session_id", chosen.sheet.SessionID,
			"role", chosen.stage.Role, "error", dispatchErr)
		p.saveLocked()
		return fmt.Errorf("orchestrator: dispatch %s to %s: %w", chosen.sheet.SessionID, chosen.stage.Role, dispatchErr)
	}
	p.state.LastError = ""
	p.state.LastAction = &LastAction{
		PlanTitle: chosen.sheet.Title(),
		SessionID: chosen.sheet.SessionID,
		Role:      chosen.stage.Role,
		Timestamp: protocol.Timestamp(p.nowFunc()),
	}
	p.logger.Info("plan stage dispatched", "session_id", chosen.sheet.SessionID,
		"role", chosen.stage.Role, "pending", len(pending), "manual", manual)
	p.record("stage_dispatched", map[string]any{
		"sessionId": chosen.sheet.SessionID, "role": chosen.stage.Role,
		"planTitle": chosen.sheet.Title(), "pending": len(pending), "manual": manual,
	})
	p.saveLocked()
	return nil
}

func (p *Pipeline) tick(ctx context.Context) {
	if !p.countdown() {
		return
	}
	if err := p.advance(ctx, false); err != nil && !errors.Is(err, ErrBusy) && !errors.Is(err, ErrNotRunning) {
		p.logger.Warn("scheduled poll failed", "error", err)
	}
}

// Restore resumes a checkpointed pipeline run. It reports whether a run was
// resumed.
func (p *Pipeline) Restore(ctx context.Context) (bool, error) {
	cp := p.cfg.Checkpoints
	if cp == nil {
		return false, nil
	}
	st, err := cp.Load(protocol.KindPipeline)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil || !st.Running {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	st.Kind = protocol.KindPipeline
	if st.SecondsRemaining <= 0 {
		st.SecondsRemaining = p.cfg.MinResumeSeconds
	}
	p.state = *st
	p.armLocked(ctx, p.tick)
	p.saveLocked()
	p.logger.Info("pipeline restored", "pending", st.PendingCount)
	return true, nil
}
