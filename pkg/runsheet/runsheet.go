// Package runsheet stores one JSON record per plan describing its workflow
// history. The record's event list drives both schedulers.
package runsheet

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// EventAction marks the beginning or end of a workflow.
type EventAction string

// Event actions.
const (
	ActionStart EventAction = "start"
	ActionStop  EventAction = "stop"
)

// Event is one entry in a run sheet's history.
type Event struct {
	Workflow  string      `json:"workflow"`
	Timestamp string      `json:"timestamp"`
	Action    EventAction `json:"action"`
	Outcome   string      `json:"outcome,omitempty"`
}

// RunSheet is the persistent record of one plan.
type RunSheet struct {
	SessionID   string  `json:"sessionId"`
	PlanFile    string  `json:"planFile,omitempty"`
	Topic       string  `json:"topic"`
	CreatedAt   string  `json:"createdAt"`
	Completed   bool    `json:"completed"`
	CompletedAt string  `json:"completedAt,omitempty"`
	Source      string  `json:"source,omitempty"`
	Events      []Event `json:"events"`
}

// AppendEvent adds ev unless the most recent event for the same workflow
// already has the same action. It reports whether the event was added.
func (rs *RunSheet) AppendEvent(ev Event) bool {
	for i := len(rs.Events) - 1; i >= 0; i-- {
		if rs.Events[i].Workflow != ev.Workflow {
			continue
		}
		if rs.Events[i].Action == ev.Action {
			return false
		}
		break
	}
	rs.Events = append(rs.Events, ev)
	return true
}

// CurrentStage returns the workflow of the last start event that has no
// later stop for the same workflow, or "" when nothing is in progress.
func (rs *RunSheet) CurrentStage() string {
	stopped := make(map[string]bool)
	for i := len(rs.Events) - 1; i >= 0; i-- {
		ev := rs.Events[i]
		switch ev.Action {
		case ActionStop:
			stopped[ev.Workflow] = true
		case ActionStart:
			if !stopped[ev.Workflow] {
				return ev.Workflow
			}
		}
	}
	return ""
}

// LastStarted returns the workflow of the most recent start event, stopped
// or not, or "" when the plan has never started a workflow.
func (rs *RunSheet) LastStarted() string {
	for i := len(rs.Events) - 1; i >= 0; i-- {
		if rs.Events[i].Action == ActionStart {
			return rs.Events[i].Workflow
		}
	}
	return ""
}

// Title is the human label for the plan.
func (rs *RunSheet) Title() string {
	if rs.Topic != "" {
		return rs.Topic
	}
	return rs.SessionID
}

// DeriveSessionID maps an external source id to a stable session id so that
// mirroring the same plan twice yields the same run sheet.
func DeriveSessionID(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:16])
}

// NewSessionID returns a random session id for a locally created plan.
func NewSessionID() string {
	return uuid.NewString()
}
