package delivery

import (
	"context"
	"log/slog"

	"switchboard/pkg/protocol"
	"switchboard/pkg/terminal"
	"switchboard/pkg/workspace"
)

// TargetSource lists registered execution targets.
type TargetSource interface {
	Targets(ctx context.Context) ([]workspace.Target, error)
}

// PaneSource lists live panes.
type PaneSource interface {
	LivePanes() ([]terminal.Pane, error)
}

// Resolution methods, in the order they are tried.
const (
	MethodExact    = "exact"
	MethodAlias    = "alias"
	MethodLive     = "live"
	MethodRole     = "role"
	MethodFallback = "fallback"
)

// roleFallbacks are the conventional target names for each role.
var roleFallbacks = map[string][]string{
	protocol.RoleLead:     {"lead coder", "lead"},
	protocol.RolePlanner:  {"planner", "plan"},
	protocol.RoleReviewer: {"reviewer", "review"},
	protocol.RoleCoder:    {"coder"},
}

// Resolver maps a message recipient to a live execution target. Whenever
// several targets qualify at one step, the earliest registered wins and
// name order breaks the remaining ties.
type Resolver struct {
	Targets TargetSource
	Panes   PaneSource // optional
	Logger  *slog.Logger
}

type snapshot struct {
	targets []workspace.Target // sorted
	panes   []terminal.Pane
	live    map[string]bool // pane id -> open
	listed  bool            // panes reflects the live server
}

func (r *Resolver) snapshot(ctx context.Context) (*snapshot, error) {
	ts, err := r.Targets.Targets(ctx)
	if err != nil {
		return nil, err
	}
	workspace.SortTargets(ts)
	s := &snapshot{targets: ts, live: map[string]bool{}}
	if r.Panes != nil {
		panes, err := r.Panes.LivePanes()
		if err != nil {
			if r.Logger != nil {
				r.Logger.Warn("listing live panes failed", "error", err)
			}
		} else {
			s.listed = true
		}
		s.panes = panes
		for _, p := range panes {
			s.live[p.ID] = true
		}
	}
	return s, nil
}

// open reports whether a registered target is currently addressable. Without
// a pane listing every registered target is assumed open.
func (s *snapshot) open(t workspace.Target) bool {
	if !s.listed {
		return true
	}
	return s.live[t.Pane]
}

// Resolve returns the target for msg, the method that matched, and whether
// anything matched at all.
func (r *Resolver) Resolve(ctx context.Context, msg *protocol.Message) (workspace.Target, string, bool, error) {
	s, err := r.snapshot(ctx)
	if err != nil {
		return workspace.Target{}, "", false, err
	}
	name := msg.Recipient

	for _, t := range s.targets {
		if t.Name == name && s.open(t) {
			return t, MethodExact, true, nil
		}
	}
	norm := protocol.NormalizeName(name)
	for _, t := range s.targets {
		if !s.open(t) {
			continue
		}
		if t.Matches(name) || protocol.NormalizeName(t.Name) == norm {
			return t, MethodAlias, true, nil
		}
	}
	if t, ok := s.livePane(norm); ok {
		return t, MethodLive, true, nil
	}

	role := InferRole(msg)
	for _, t := range s.targets {
		if t.Role != "" && protocol.NormalizeName(t.Role) == role && s.open(t) {
			return t, MethodRole, true, nil
		}
	}
	for _, fb := range roleFallbacks[role] {
		fbNorm := protocol.NormalizeName(fb)
		for _, t := range s.targets {
			if s.open(t) && (t.Matches(fb) || protocol.NormalizeName(t.Name) == fbNorm) {
				return t, MethodFallback, true, nil
			}
		}
		if t, ok := s.livePane(fbNorm); ok {
			return t, MethodFallback, true, nil
		}
	}
	return workspace.Target{}, "", false, nil
}

// livePane finds a pane by normalized title or window name. A registered
// target on that pane is preferred so its settings carry over.
func (s *snapshot) livePane(norm string) (workspace.Target, bool) {
	for _, p := range s.panes {
		for _, n := range p.Names() {
			if protocol.NormalizeName(n) != norm {
				continue
			}
			for _, t := range s.targets {
				if t.Pane == p.ID {
					return t, true
				}
			}
			return workspace.Target{Name: n, Pane: p.ID}, true
		}
	}
	return workspace.Target{}, false
}

// InferRole returns the normalized role a message is meant for: the phase
// gate persona when present, otherwise the recipient mapped through the
// conventional role names.
func InferRole(msg *protocol.Message) string {
	if p := msg.PhaseGatePersona(); p != "" {
		return protocol.NormalizeName(p)
	}
	r := protocol.NormalizeName(msg.Recipient)
	for role, names := range roleFallbacks {
		for _, n := range names {
			if protocol.NormalizeName(n) == r {
				return role
			}
		}
	}
	return r
}
