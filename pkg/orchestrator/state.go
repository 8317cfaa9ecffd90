// Package orchestrator runs the two mutually exclusive schedulers that move
// plans through the plan → implement → review pipeline: the Sequencer walks
// one plan through a fixed list of stages, and the Pipeline keeps every open
// plan moving, oldest first.
package orchestrator

import (
	"switchboard/pkg/protocol"
	"switchboard/pkg/runsheet"
)

// Stage is one step of the sequencer.
type Stage struct {
	Role        string `json:"role"`
	Instruction string `json:"instruction,omitempty"`
	Label       string `json:"label,omitempty"`
}

// DefaultStages is planner → lead → reviewer.
var DefaultStages = []Stage{
	{Role: protocol.RolePlanner, Instruction: protocol.InstructionEnhance, Label: "Plan"},
	{Role: protocol.RoleLead, Instruction: protocol.InstructionImplement, Label: "Implement"},
	{Role: protocol.RoleReviewer, Instruction: protocol.InstructionReview, Label: "Review"},
}

// LastAction records the pipeline's most recent dispatch.
type LastAction struct {
	PlanTitle string `json:"planTitle"`
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
	Timestamp string `json:"timestamp"`
}

// State is the observable and checkpointed state of a scheduler.
type State struct {
	Kind             protocol.SchedulerKind `json:"kind"`
	Running          bool                   `json:"running"`
	Paused           bool                   `json:"paused"`
	SecondsRemaining int                    `json:"secondsRemaining"`
	IntervalSeconds  int                    `json:"intervalSeconds"`

	// Sequencer only.
	CurrentStageIndex int     `json:"currentStageIndex,omitempty"`
	Stages            []Stage `json:"stages,omitempty"`
	SessionID         string  `json:"sessionId,omitempty"`

	// Pipeline only.
	LastAction   *LastAction `json:"lastAction,omitempty"`
	PendingCount int         `json:"pendingCount,omitempty"`

	LastError string `json:"lastError,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

func (s State) clone() State {
	out := s
	out.Stages = append([]Stage(nil), s.Stages...)
	if s.LastAction != nil {
		la := *s.LastAction
		out.LastAction = &la
	}
	return out
}

// CurrentStage returns the stage the sequencer will dispatch next.
func (s State) CurrentStage() (Stage, bool) {
	if s.CurrentStageIndex < 0 || s.CurrentStageIndex >= len(s.Stages) {
		return Stage{}, false
	}
	return s.Stages[s.CurrentStageIndex], true
}

// NextStage decides what a plan needs next from the most recent workflow it
// started. done is true once review has started.
func NextStage(rs *runsheet.RunSheet) (stage Stage, done bool) {
	switch rs.LastStarted() {
	case protocol.WorkflowPlanReview:
		return DefaultStages[1], false
	case protocol.WorkflowImplementation:
		return DefaultStages[2], false
	case protocol.WorkflowReview:
		return Stage{}, true
	default:
		return DefaultStages[0], false
	}
}
