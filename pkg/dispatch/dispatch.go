// Package dispatch builds, signs, and persists dispatch messages, and records
// the workflow stage each role dispatch starts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"switchboard/pkg/activity"
	"switchboard/pkg/mailbox"
	"switchboard/pkg/protocol"
	"switchboard/pkg/runsheet"
	"switchboard/pkg/signing"
)

// DefaultSender names messages that do not say who sent them.
const DefaultSender = "coordinator"

// ErrNoRunSheets is returned by DispatchRole when the dispatcher was built
// without a run-sheet store.
var ErrNoRunSheets = errors.New("dispatch: no run-sheet store configured")

// ActivityLogger records coordination events.
type ActivityLogger interface {
	LogEvent(typ string, payload any, correlationID string)
}

// Request describes one dispatch.
type Request struct {
	Action        protocol.Action
	Sender        string
	Recipient     string
	Payload       string
	Metadata      map[string]any
	SessionToken  string // defaults to the active session
	CorrelationID string // defaults to the message id
}

// Dispatcher sends messages into recipients' inboxes.
type Dispatcher struct {
	mailbox  *mailbox.Mailbox
	signer   *signing.Signer
	sessions signing.SessionSource
	sheets   *runsheet.Store
	activity ActivityLogger
	nudge    func(ctx context.Context, path string)
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSessions stamps outgoing messages with the active session id.
func WithSessions(src signing.SessionSource) Option {
	return func(d *Dispatcher) { d.sessions = src }
}

// WithRunSheets enables DispatchRole.
func WithRunSheets(s *runsheet.Store) Option { return func(d *Dispatcher) { d.sheets = s } }

// WithActivity records every dispatch in the activity log.
func WithActivity(a ActivityLogger) Option { return func(d *Dispatcher) { d.activity = a } }

// WithNudge is called with each new message path after it is written, so an
// in-process delivery engine need not wait for its watcher.
func WithNudge(fn func(ctx context.Context, path string)) Option {
	return func(d *Dispatcher) { d.nudge = fn }
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// New returns a Dispatcher writing to mb and signing with signer. A nil
// signer sends unsigned messages.
func New(mb *mailbox.Mailbox, signer *signing.Signer, opts ...Option) *Dispatcher {
	if signer == nil {
		signer = &signing.Signer{}
	}
	d := &Dispatcher{mailbox: mb, signer: signer, logger: slog.Default(), nowFunc: time.Now}
	for _, o := range opts {
		o(d)
	}
	d.logger = d.logger.With("component", "dispatch")
	return d
}

// Dispatch builds a message from req, signs it, and writes it to the
// recipient's inbox. It returns the new message id. In strict mode without a
// signing key nothing is written and the error wraps
// signing.ErrSigningUnavailable.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (string, error) {
	if !req.Action.Valid() {
		return "", fmt.Errorf("dispatch: unknown action %q", req.Action)
	}
	if err := protocol.ValidateName("recipient", req.Recipient); err != nil {
		return "", fmt.Errorf("dispatch: %w", err)
	}
	sender := req.Sender
	if sender == "" {
		sender = DefaultSender
	}

	token := req.SessionToken
	if token == "" && d.sessions != nil {
		active, err := d.sessions.ActiveSession(ctx)
		if err != nil {
			return "", fmt.Errorf("dispatch: read active session: %w", err)
		}
		token = active
	}

	msg := &protocol.Message{
		ID:           uuid.NewString(),
		Action:       req.Action,
		Sender:       sender,
		Recipient:    req.Recipient,
		Payload:      req.Payload,
		Metadata:     req.Metadata,
		SessionToken: token,
		CreatedAt:    protocol.Timestamp(d.nowFunc()),
	}
	if err := d.signer.Attach(msg); err != nil {
		return "", fmt.Errorf("dispatch: sign: %w", err)
	}
	path, err := d.mailbox.Send(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("dispatch: %w", err)
	}

	correlation := req.CorrelationID
	if correlation == "" {
		correlation = msg.ID
	}
	if d.activity != nil {
		payload := map[string]any{
			"messageId": msg.ID,
			"action":    string(msg.Action),
			"sender":    sender,
			"recipient": msg.Recipient,
			"signed":    msg.Auth != nil,
		}
		for _, k := range []string{"sessionId", "role", "instruction"} {
			if v, ok := req.Metadata[k]; ok {
				payload[k] = v
			}
		}
		d.activity.LogEvent(activity.TypeDispatch, payload, correlation)
	}
	d.logger.Info("dispatch sent", "message_id", msg.ID, "recipient", msg.Recipient,
		"action", msg.Action, "signed", msg.Auth != nil)

	if d.nudge != nil {
		d.nudge(ctx, path)
	}
	return msg.ID, nil
}

// WorkflowFor maps a role to the workflow its dispatch starts.
func WorkflowFor(role string) string {
	switch protocol.NormalizeName(role) {
	case protocol.RolePlanner:
		return protocol.WorkflowPlanReview
	case protocol.RoleLead, protocol.RoleCoder:
		return protocol.WorkflowImplementation
	case protocol.RoleReviewer:
		return protocol.WorkflowReview
	default:
		return protocol.NormalizeName(role)
	}
}

// RolePayload renders the instruction text sent to a role for one plan.
func RolePayload(role, instruction string, rs *runsheet.RunSheet) string {
	var b strings.Builder
	if instruction == "" {
		instruction = "continue"
	}
	fmt.Fprintf(&b, "%s: %s\n", instruction, rs.Title())
	if rs.PlanFile != "" {
		fmt.Fprintf(&b, "Plan file: %s\n", rs.PlanFile)
	}
	fmt.Fprintf(&b, "Session: %s\nRole: %s", rs.SessionID, role)
	return b.String()
}

// DispatchRole sends instruction for the plan sessionID to role and records
// the start of the role's workflow in the plan's run sheet. A workflow that
// was still open is stopped first.
func (d *Dispatcher) DispatchRole(ctx context.Context, role, sessionID, instruction string) (string, error) {
	if d.sheets == nil {
		return "", ErrNoRunSheets
	}
	rs, err := d.sheets.Get(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("dispatch: %w", err)
	}
	if rs.Completed {
		return "", fmt.Errorf("dispatch: plan %s is completed", sessionID)
	}

	id, err := d.Dispatch(ctx, Request{
		Action:    protocol.ActionExecute,
		Recipient: role,
		Payload:   RolePayload(role, instruction, rs),
		Metadata: map[string]any{
			"phase_gate":  map[string]any{"enforce_persona": role},
			"sessionId":   sessionID,
			"role":        role,
			"instruction": instruction,
		},
	})
	if err != nil {
		return "", err
	}

	workflow := WorkflowFor(role)
	if cur := rs.CurrentStage(); cur != "" && cur != workflow {
		if _, err := d.sheets.RecordEvent(ctx, sessionID, cur, runsheet.ActionStop, "handed-off"); err != nil {
			d.logger.Warn("closing previous stage failed", "session_id", sessionID, "workflow", cur, "error", err)
		}
	}
	if _, err := d.sheets.RecordEvent(ctx, sessionID, workflow, runsheet.ActionStart, ""); err != nil {
		return id, fmt.Errorf("dispatch: record stage: %w", err)
	}
	return id, nil
}
