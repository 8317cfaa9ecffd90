package signing

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"switchboard/pkg/protocol"
)

// Rejection reasons recorded in error results.
const (
	ReasonNoKey           = "signing key unavailable"
	ReasonMissingAuth     = "missing auth envelope"
	ReasonVersion         = "unsupported auth version"
	ReasonIncomplete      = "incomplete auth envelope"
	ReasonPayloadHash     = "payload hash mismatch"
	ReasonSignature       = "signature mismatch"
	ReasonReplay          = "replayed nonce"
	ReasonStale           = "stale message"
	ReasonBadTimestamp    = "unparsable createdAt"
	ReasonMissingToken    = "missing session token"
	ReasonTokenMismatch   = "session token does not match active session"
	ReasonNoActiveSession = "no active session"
	ReasonSessionUnknown  = "active session unavailable"
)

// AuthError is a verification failure. Reason is one of the Reason constants,
// optionally followed by detail.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signing: %s: %v", e.Reason, e.Err)
	}
	return "signing: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// DefaultReplayWindow is how long a nonce is remembered.
const DefaultReplayWindow = 10 * time.Minute

// VerifyOpts tunes a single verification.
type VerifyOpts struct {
	EnforceReplay bool
}

// Verifier checks envelopes against a shared key.
type Verifier struct {
	Key    []byte
	Nonces NonceCache // required when EnforceReplay is used
	Now    func() time.Time
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Verify recomputes the payload hash and signature of msg. The payload is
// hashed, never parsed. The nonce is recorded only after the signature has
// been accepted.
func (v *Verifier) Verify(ctx context.Context, msg *protocol.Message, opts VerifyOpts) error {
	if len(v.Key) == 0 {
		return &AuthError{Reason: ReasonNoKey}
	}
	auth := msg.Auth
	if auth == nil {
		return &AuthError{Reason: ReasonMissingAuth}
	}
	if auth.Version != protocol.AuthVersion {
		return &AuthError{Reason: ReasonVersion, Err: fmt.Errorf("got %q", auth.Version)}
	}
	if auth.Nonce == "" || auth.PayloadHash == "" || auth.Signature == "" {
		return &AuthError{Reason: ReasonIncomplete}
	}

	hash := PayloadHash(msg.Payload)
	if subtle.ConstantTimeCompare([]byte(hash), []byte(auth.PayloadHash)) != 1 {
		return &AuthError{Reason: ReasonPayloadHash}
	}

	got, err := hex.DecodeString(auth.Signature)
	if err != nil {
		return &AuthError{Reason: ReasonSignature, Err: err}
	}
	want := computeSignature(v.Key, canonical(msg, auth.Nonce, auth.PayloadHash))
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return &AuthError{Reason: ReasonSignature}
	}

	if opts.EnforceReplay {
		return v.CheckReplay(ctx, msg)
	}
	return nil
}

// CheckReplay records the envelope nonce and rejects a nonce already seen
// within the replay window. Call it only after Verify has accepted msg.
func (v *Verifier) CheckReplay(ctx context.Context, msg *protocol.Message) error {
	if msg.Auth == nil || msg.Auth.Nonce == "" {
		return &AuthError{Reason: ReasonIncomplete}
	}
	if v.Nonces == nil {
		return fmt.Errorf("signing: replay enforcement requested without a nonce cache")
	}
	dup, err := v.Nonces.CheckAndStore(ctx, msg.Auth.Nonce, v.now())
	if err != nil {
		return fmt.Errorf("signing: nonce cache: %w", err)
	}
	if dup {
		return &AuthError{Reason: ReasonReplay}
	}
	return nil
}

// DefaultMaxAge bounds how old an execute message may be.
const DefaultMaxAge = 5 * time.Minute

// CheckFreshness rejects execute messages whose createdAt is more than maxAge
// away from now, in either direction, or cannot be parsed. Other actions
// always pass.
func CheckFreshness(msg *protocol.Message, now time.Time, maxAge time.Duration) error {
	if msg.Action != protocol.ActionExecute {
		return nil
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	created, err := msg.Created()
	if err != nil {
		return &AuthError{Reason: ReasonBadTimestamp, Err: err}
	}
	age := now.Sub(created)
	if age > maxAge || age < -maxAge {
		return &AuthError{Reason: ReasonStale, Err: fmt.Errorf("age %s exceeds %s", age.Round(time.Second), maxAge)}
	}
	return nil
}
