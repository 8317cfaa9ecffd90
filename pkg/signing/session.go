package signing

import (
	"context"
	"crypto/subtle"
)

// SessionSource reports the workspace's active session id.
type SessionSource interface {
	ActiveSession(ctx context.Context) (string, error)
}

// ValidateSessionToken checks token against the active session. A failure to
// read the active session rejects the token. When no session is active, the
// token is rejected if requireActive is set and accepted otherwise.
func ValidateSessionToken(ctx context.Context, token string, src SessionSource, requireActive bool) error {
	if token == "" {
		return &AuthError{Reason: ReasonMissingToken}
	}
	if src == nil {
		return &AuthError{Reason: ReasonSessionUnknown}
	}
	active, err := src.ActiveSession(ctx)
	if err != nil {
		return &AuthError{Reason: ReasonSessionUnknown, Err: err}
	}
	if active == "" {
		if requireActive {
			return &AuthError{Reason: ReasonNoActiveSession}
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(active), []byte(token)) != 1 {
		return &AuthError{Reason: ReasonTokenMismatch}
	}
	return nil
}
