package protocol

// Directive is a scheduler control instruction delivered through the
// control directory to a running coordinator.
type Directive string

const (
	DirectiveStart   Directive = "start"   // Start the scheduler (stops the other one).
	DirectiveStop    Directive = "stop"    // Stop and clear the countdown.
	DirectivePause   Directive = "pause"   // Freeze the countdown.
	DirectiveUnpause Directive = "unpause" // Resume the countdown.
	DirectiveAdvance Directive = "advance" // Dispatch the current stage now.
)

// Valid reports whether d is one of the known directive values.
func (d Directive) Valid() bool {
	switch d {
	case DirectiveStart, DirectiveStop, DirectivePause, DirectiveUnpause, DirectiveAdvance:
		return true
	default:
		return false
	}
}

// SchedulerKind names one of the two mutually exclusive schedulers.
type SchedulerKind string

const (
	KindSequencer SchedulerKind = "sequencer"
	KindPipeline  SchedulerKind = "pipeline"
)

// Command is one control file: <root>/control/<id>.json.
type Command struct {
	ID              string        `json:"id"`
	Ts              string        `json:"ts"` // RFC 3339 timestamp
	Scheduler       SchedulerKind `json:"scheduler"`
	Directive       Directive     `json:"directive"`
	SessionID       string        `json:"sessionId,omitempty"`
	IntervalSeconds int           `json:"intervalSeconds,omitempty"`
}
