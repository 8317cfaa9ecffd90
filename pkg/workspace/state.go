// Package workspace owns the shared workspace document: the active session
// id and the registry of execution targets. All mutations go through one
// Store goroutine that batches them into a single locked read-modify-write.
package workspace

import (
	"sort"
	"strings"
	"time"

	"switchboard/pkg/protocol"
)

// Target is a live, addressable execution endpoint such as a tmux pane.
type Target struct {
	Name            string   `json:"name"`
	Pane            string   `json:"pane"`
	Role            string   `json:"role,omitempty"`
	Aliases         []string `json:"aliases,omitempty"`
	RequiresConfirm bool     `json:"requiresConfirm,omitempty"`
	RegisteredAt    string   `json:"registeredAt"`
}

// Registered parses RegisteredAt; the zero time is returned on failure.
func (t Target) Registered() time.Time {
	ts, err := time.Parse(time.RFC3339Nano, t.RegisteredAt)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// Matches reports whether name equals the target's name or one of its
// aliases, ignoring case.
func (t Target) Matches(name string) bool {
	if strings.EqualFold(t.Name, name) {
		return true
	}
	for _, a := range t.Aliases {
		if strings.EqualFold(a, name) {
			return true
		}
	}
	return false
}

// State is the content of <root>/state.json.
type State struct {
	ActiveSessionID string            `json:"activeSessionId"`
	Targets         map[string]Target `json:"targets"`
	UpdatedAt       string            `json:"updatedAt,omitempty"`
}

// TargetList returns the targets ordered by registration time, then name.
func (s *State) TargetList() []Target {
	out := make([]Target, 0, len(s.Targets))
	for _, t := range s.Targets {
		out = append(out, t)
	}
	SortTargets(out)
	return out
}

// SortTargets orders targets so that the earliest registered comes first,
// breaking ties by name.
func SortTargets(ts []Target) {
	sort.SliceStable(ts, func(i, j int) bool {
		ri, rj := ts[i].Registered(), ts[j].Registered()
		if !ri.Equal(rj) {
			if ri.IsZero() {
				return false
			}
			if rj.IsZero() {
				return true
			}
			return ri.Before(rj)
		}
		return ts[i].Name < ts[j].Name
	})
}

func (s *State) clone() *State {
	c := &State{ActiveSessionID: s.ActiveSessionID, UpdatedAt: s.UpdatedAt, Targets: make(map[string]Target, len(s.Targets))}
	for k, t := range s.Targets {
		t.Aliases = append([]string(nil), t.Aliases...)
		c.Targets[k] = t
	}
	return c
}

// SetActiveSession returns a mutation that sets the active session id. An
// empty id clears it.
func SetActiveSession(id string) Mutation {
	return func(s *State) error {
		if id != "" {
			if err := protocol.ValidateName("session", id); err != nil {
				return err
			}
		}
		s.ActiveSessionID = id
		return nil
	}
}

// PutTarget returns a mutation that registers or replaces a target. An
// existing target keeps its original registration time.
func PutTarget(t Target, now time.Time) Mutation {
	return func(s *State) error {
		if err := protocol.ValidateName("target", t.Name); err != nil {
			return err
		}
		if old, ok := s.Targets[t.Name]; ok && old.RegisteredAt != "" {
			t.RegisteredAt = old.RegisteredAt
		}
		if t.RegisteredAt == "" {
			t.RegisteredAt = protocol.Timestamp(now)
		}
		s.Targets[t.Name] = t
		return nil
	}
}

// RemoveTarget returns a mutation that deletes a target by name. Removing an
// unknown target is a no-op.
func RemoveTarget(name string) Mutation {
	return func(s *State) error {
		delete(s.Targets, name)
		return nil
	}
}
