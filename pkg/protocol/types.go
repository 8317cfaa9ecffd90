package protocol

import (
	"fmt"
	"time"
)

// Action classifies what the recipient of a dispatch is expected to do.
type Action string

// Action constants.
const (
	// ActionExecute requires a live, addressable execution target. The
	// delivery engine injects the payload and removes the message.
	ActionExecute Action = "execute"
	// ActionDelegateTask is picked up asynchronously by the recipient
	// reading its own inbox. The delivery engine never touches it.
	ActionDelegateTask Action = "delegate_task"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionExecute, ActionDelegateTask:
		return true
	default:
		return false
	}
}

// RequiresVerification reports whether messages with this action must carry
// a valid session token and auth envelope when strict mode is on.
func (a Action) RequiresVerification() bool {
	return a == ActionExecute || a == ActionDelegateTask
}

// AuthVersion is the only envelope version accepted by the verifier.
const AuthVersion = "hmac-sha256-v1"

// Auth is the signed envelope attached to a dispatch.
type Auth struct {
	Version     string `json:"version"`
	Nonce       string `json:"nonce"`
	PayloadHash string `json:"payloadHash"`
	Signature   string `json:"signature"`
}

// Message is a unit of work addressed to one recipient. Once written to an
// inbox it is never modified: it is deleted after delivery, left for pickup,
// or archived by housekeeping.
type Message struct {
	ID           string         `json:"id"`
	Action       Action         `json:"action"`
	Sender       string         `json:"sender"`
	Recipient    string         `json:"recipient"`
	Payload      string         `json:"payload"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	SessionToken string         `json:"sessionToken,omitempty"`
	Auth         *Auth          `json:"auth,omitempty"`
	CreatedAt    string         `json:"createdAt"`
}

// Created parses CreatedAt. Both RFC 3339 and RFC 3339 with fractional
// seconds are accepted.
func (m *Message) Created() (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, m.CreatedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse createdAt %q: %w", m.CreatedAt, err)
	}
	return t, nil
}

// PhaseGatePersona returns metadata.phase_gate.enforce_persona if present.
func (m *Message) PhaseGatePersona() string {
	if m.Metadata == nil {
		return ""
	}
	gate, ok := m.Metadata["phase_gate"].(map[string]any)
	if !ok {
		return ""
	}
	persona, _ := gate["enforce_persona"].(string)
	return persona
}

// ResultStatus is the outcome recorded in a result sidecar.
type ResultStatus string

// Result status constants.
const (
	StatusDelivered          ResultStatus = "delivered"
	StatusExecuted           ResultStatus = "executed"
	StatusCompleted          ResultStatus = "completed"
	StatusFailed             ResultStatus = "failed"
	StatusNeedsClarification ResultStatus = "needs_clarification"
	StatusError              ResultStatus = "error"
)

// Result is the sidecar written next to a message once it has been
// processed. At most one Result exists per message.
type Result struct {
	InReplyTo   string       `json:"inReplyTo"`
	Status      ResultStatus `json:"status"`
	Summary     string       `json:"summary,omitempty"`
	Artifacts   []string     `json:"artifacts,omitempty"`
	ProcessedAt string       `json:"processedAt"`
	Error       string       `json:"error,omitempty"`
}

// Receipt marks a message as delivered to its recipient without claiming it
// was processed.
type Receipt struct {
	InReplyTo   string `json:"inReplyTo"`
	DeliveredAt string `json:"deliveredAt"`
	By          string `json:"by,omitempty"`
}

// Timestamp formats t the way every record in the workspace stores time.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
