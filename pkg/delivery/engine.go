// Package delivery turns inbox-resident dispatch messages into delivered
// instructions. Each message file ends executed, rejected, or left for its
// recipient; the engine also runs housekeeping over the inbox tree.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"switchboard/pkg/activity"
	"switchboard/pkg/mailbox"
	"switchboard/pkg/protocol"
	"switchboard/pkg/signing"
	"switchboard/pkg/suppress"
	"switchboard/pkg/terminal"
)

// Outcome is what ProcessFile did with one message file.
type Outcome string

// Outcomes. Only rejected, executed, failed, and left-for-pickup are final.
const (
	OutcomeRejected      Outcome = "rejected"
	OutcomeExecuted      Outcome = "executed"
	OutcomeFailed        Outcome = "failed"
	OutcomeLeftForPickup Outcome = "left-for-pickup"
	OutcomeUnresolved    Outcome = "unresolved"
	OutcomeDeferred      Outcome = "deferred"
	OutcomeMalformed     Outcome = "malformed"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeGone          Outcome = "gone"
)

// claimPrefix marks a message file taken by one process for execution.
const claimPrefix = ".claim-"

// Injector types text into a live pane.
type Injector interface {
	Inject(pane, text string, confirm bool) error
}

// ActivityLogger records coordination events.
type ActivityLogger interface {
	LogEvent(typ string, payload any, correlationID string)
}

// Config holds engine settings.
type Config struct {
	Strict               bool
	RequireActiveSession bool
	MaxAge               time.Duration // execute freshness bound
	PollInterval         time.Duration // fallback scan interval
	Debounce             time.Duration // quiet time before post-burst housekeeping
	Schedule             string        // housekeeping cron spec
	Housekeeping         HousekeepingConfig
}

// Defaults for Config.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultDebounce     = 2 * time.Second
	DefaultSchedule     = "@every 5m"
)

func (c Config) withDefaults() Config {
	if c.MaxAge <= 0 {
		c.MaxAge = signing.DefaultMaxAge
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	c.Housekeeping = c.Housekeeping.withDefaults()
	return c
}

// Deps are the collaborators of an Engine. Mailbox, Targets, and Injector
// are required; Verifier and Sessions are required in strict mode.
type Deps struct {
	Mailbox  *mailbox.Mailbox
	Verifier *signing.Verifier
	Sessions signing.SessionSource
	Targets  TargetSource
	Panes    PaneSource
	Injector Injector
	Activity ActivityLogger
	Suppress *suppress.Set
	Logger   *slog.Logger
}

// Engine processes inbox messages.
type Engine struct {
	cfg      Config
	mb       *mailbox.Mailbox
	verifier *signing.Verifier
	sessions signing.SessionSource
	resolver *Resolver
	injector Injector
	activity ActivityLogger
	suppress *suppress.Set
	logger   *slog.Logger
	nowFunc  func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New builds an Engine.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Mailbox == nil || deps.Targets == nil || deps.Injector == nil {
		return nil, errors.New("delivery: mailbox, targets, and injector are required")
	}
	if cfg.Strict && (deps.Verifier == nil || deps.Sessions == nil) {
		return nil, errors.New("delivery: strict mode requires a verifier and a session source")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "delivery")
	if deps.Suppress == nil {
		deps.Suppress = suppress.New(0)
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		mb:       deps.Mailbox,
		verifier: deps.Verifier,
		sessions: deps.Sessions,
		resolver: &Resolver{Targets: deps.Targets, Panes: deps.Panes, Logger: logger},
		injector: deps.Injector,
		activity: deps.Activity,
		suppress: deps.Suppress,
		logger:   logger,
		nowFunc:  time.Now,
		inflight: make(map[string]struct{}),
	}, nil
}

func (e *Engine) logActivity(typ string, payload map[string]any, correlationID string) {
	if e.activity != nil {
		e.activity.LogEvent(typ, payload, correlationID)
	}
}

func (e *Engine) acquire(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[path]; busy {
		return false
	}
	e.inflight[path] = struct{}{}
	return true
}

func (e *Engine) release(path string) {
	e.mu.Lock()
	delete(e.inflight, path)
	e.mu.Unlock()
}

// ProcessFile runs one message file through the delivery state machine.
// Errors for one file never escape; they are reflected in the outcome.
func (e *Engine) ProcessFile(ctx context.Context, path string) Outcome {
	path = filepath.Clean(path)
	if !e.acquire(path) {
		return OutcomeDuplicate
	}
	defer e.release(path)

	msg, err := e.mb.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return OutcomeGone
	}
	if err != nil {
		e.logger.Warn("skipping malformed message", "path", path, "error", err)
		return OutcomeMalformed
	}
	if !msg.Action.Valid() {
		e.logger.Warn("skipping message with unknown action", "path", path, "action", msg.Action)
		return OutcomeMalformed
	}
	if _, err := os.Stat(mailbox.ResultPath(path)); err == nil && msg.Action == protocol.ActionExecute {
		return OutcomeDuplicate
	}
	log := e.logger.With("path", path, "message_id", msg.ID, "recipient", msg.Recipient)

	// A delegate_task is verified once. After that it belongs to its
	// recipient, even if the active session moves on.
	if msg.Action == protocol.ActionDelegateTask && (mailbox.Processed(path) || e.mb.Accepted(path)) {
		return OutcomeLeftForPickup
	}

	if e.cfg.Strict && msg.Action.RequiresVerification() {
		if err := e.verify(ctx, msg); err != nil {
			return e.rejectOrDefer(path, path, msg, err, log)
		}
	}

	if msg.Action == protocol.ActionDelegateTask {
		if e.cfg.Strict {
			if err := e.mb.MarkAccepted(path); err != nil {
				log.Warn("recording delegate task acceptance failed", "error", err)
			}
		}
		return OutcomeLeftForPickup
	}
	return e.execute(ctx, path, msg, log)
}

func (e *Engine) verify(ctx context.Context, msg *protocol.Message) error {
	if err := signing.ValidateSessionToken(ctx, msg.SessionToken, e.sessions, e.cfg.RequireActiveSession); err != nil {
		return err
	}
	if err := signing.CheckFreshness(msg, e.nowFunc(), e.cfg.MaxAge); err != nil {
		return err
	}
	return e.verifier.Verify(ctx, msg, signing.VerifyOpts{})
}

// rejectOrDefer records an authentication failure and removes the message.
// Errors that are not authentication failures leave the file for a retry.
func (e *Engine) rejectOrDefer(msgPath, filePath string, msg *protocol.Message, err error, log *slog.Logger) Outcome {
	var authErr *signing.AuthError
	if !errors.As(err, &authErr) {
		log.Warn("verification unavailable; will retry", "error", err)
		if filePath != msgPath {
			e.unclaim(filePath, msgPath, log)
		}
		return OutcomeDeferred
	}

	reason := authErr.Error()
	ackErr := e.mb.Ack(msgPath, protocol.Result{
		InReplyTo: msg.ID,
		Status:    protocol.StatusError,
		Error:     reason,
	})
	if ackErr != nil && !errors.Is(ackErr, mailbox.ErrAlreadyProcessed) {
		log.Error("writing rejection result failed", "error", ackErr)
	}
	if err := e.mb.Delete(filePath); err != nil {
		log.Error("removing rejected message failed", "error", err)
	}
	log.Warn("dispatch rejected", "reason", reason)
	e.logActivity(activity.TypeDispatchRejected, map[string]any{
		"messageId": msg.ID,
		"recipient": msg.Recipient,
		"action":    string(msg.Action),
		"reason":    authErr.Reason,
	}, msg.ID)
	return OutcomeRejected
}

func (e *Engine) execute(ctx context.Context, path string, msg *protocol.Message, log *slog.Logger) Outcome {
	target, method, ok, err := e.resolver.Resolve(ctx, msg)
	if err != nil {
		log.Warn("target lookup failed; will retry", "error", err)
		return OutcomeDeferred
	}
	if !ok {
		log.Debug("no live target; leaving message")
		return OutcomeUnresolved
	}

	// Taking the file by rename makes this process the only one that can
	// execute it; a racing process sees it gone.
	claim := filepath.Join(filepath.Dir(path), claimPrefix+filepath.Base(path))
	if err := os.Rename(path, claim); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return OutcomeGone
		}
		log.Warn("claiming message failed", "error", err)
		return OutcomeDeferred
	}

	if e.cfg.Strict {
		if err := e.verifier.CheckReplay(ctx, msg); err != nil {
			return e.rejectOrDefer(path, claim, msg, err, log)
		}
	}

	text, shellMeta := terminal.Sanitize(msg.Payload)
	if shellMeta {
		log.Warn("payload contains shell metacharacters", "target", target.Name)
	}
	log = log.With("target", target.Name, "pane", target.Pane, "method", method)

	if err := e.injector.Inject(target.Pane, text, target.RequiresConfirm); err != nil {
		log.Error("injection failed", "error", err)
		e.finish(path, claim, protocol.Result{
			InReplyTo: msg.ID,
			Status:    protocol.StatusFailed,
			Error:     fmt.Sprintf("inject into %s: %v", target.Name, err),
		}, log)
		e.logActivity(activity.TypeDispatchFailed, map[string]any{
			"messageId": msg.ID,
			"recipient": msg.Recipient,
			"target":    target.Name,
			"error":     err.Error(),
		}, msg.ID)
		return OutcomeFailed
	}

	e.finish(path, claim, protocol.Result{
		InReplyTo: msg.ID,
		Status:    protocol.StatusExecuted,
		Summary:   fmt.Sprintf("delivered to %s (%s)", target.Name, method),
	}, log)
	log.Info("dispatch delivered")
	e.logActivity(activity.TypeDispatchDelivered, map[string]any{
		"messageId": msg.ID,
		"sender":    msg.Sender,
		"recipient": msg.Recipient,
		"target":    target.Name,
		"method":    method,
		"role":      InferRole(msg),
	}, msg.ID)
	return OutcomeExecuted
}

func (e *Engine) finish(msgPath, claim string, res protocol.Result, log *slog.Logger) {
	if err := e.mb.Ack(msgPath, res); err != nil {
		log.Error("writing result failed", "status", res.Status, "error", err)
	}
	if err := e.mb.Delete(claim); err != nil {
		log.Error("removing delivered message failed", "error", err)
	}
}

func (e *Engine) unclaim(claim, path string, log *slog.Logger) {
	e.suppress.Mark(path)
	if err := os.Rename(claim, path); err != nil {
		log.Error("returning claimed message failed", "claim", claim, "error", err)
	}
}

// ScanReport counts outcomes of one Scan.
type ScanReport map[Outcome]int

// Scan processes every message currently in every inbox.
func (e *Engine) Scan(ctx context.Context) ScanReport {
	report := ScanReport{}
	recipients, err := e.mb.Recipients()
	if err != nil {
		e.logger.Warn("listing inboxes failed", "error", err)
		return report
	}
	for _, r := range recipients {
		if ctx.Err() != nil {
			return report
		}
		paths, err := e.mb.MessagePaths(r)
		if err != nil {
			e.logger.Warn("listing inbox failed", "recipient", r, "error", err)
			continue
		}
		for _, p := range paths {
			report[e.ProcessFile(ctx, p)]++
		}
	}
	return report
}
