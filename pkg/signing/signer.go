// Package signing produces and checks the HMAC-SHA256 envelope carried by
// dispatch messages, together with the replay, freshness, and session-token
// checks applied before a message is acted on.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"switchboard/pkg/protocol"
)

// ErrSigningUnavailable is returned when strict mode is on and no key is
// configured. The dispatch must not be sent.
var ErrSigningUnavailable = errors.New("signing: strict mode is enabled but no signing key is configured")

// nonceBytes is the size of the random nonce before hex encoding.
const nonceBytes = 16

// PayloadHash returns the hex SHA-256 of payload.
func PayloadHash(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// canonical builds the pipe-joined string that is signed.
func canonical(msg *protocol.Message, nonce, payloadHash string) string {
	return strings.Join([]string{
		protocol.AuthVersion,
		msg.ID,
		string(msg.Action),
		msg.Sender,
		msg.Recipient,
		msg.CreatedAt,
		nonce,
		payloadHash,
	}, "|")
}

func computeSignature(key []byte, canon string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canon))
	return mac.Sum(nil)
}

// Sign computes a fresh envelope for msg with a random nonce. It does not
// modify msg.
func Sign(msg *protocol.Message, key []byte) (protocol.Auth, error) {
	if len(key) == 0 {
		return protocol.Auth{}, ErrSigningUnavailable
	}
	raw := make([]byte, nonceBytes)
	if _, err := rand.Read(raw); err != nil {
		return protocol.Auth{}, fmt.Errorf("signing: generate nonce: %w", err)
	}
	return signWithNonce(msg, key, hex.EncodeToString(raw)), nil
}

func signWithNonce(msg *protocol.Message, key []byte, nonce string) protocol.Auth {
	hash := PayloadHash(msg.Payload)
	sig := computeSignature(key, canonical(msg, nonce, hash))
	return protocol.Auth{
		Version:     protocol.AuthVersion,
		Nonce:       nonce,
		PayloadHash: hash,
		Signature:   hex.EncodeToString(sig),
	}
}

// Signer attaches envelopes to outgoing messages.
type Signer struct {
	Key    []byte
	Strict bool
}

// Attach signs msg in place. With no key, strict mode fails with
// ErrSigningUnavailable and non-strict mode leaves the message unsigned.
func (s *Signer) Attach(msg *protocol.Message) error {
	if len(s.Key) == 0 {
		if s.Strict {
			return ErrSigningUnavailable
		}
		msg.Auth = nil
		return nil
	}
	auth, err := Sign(msg, s.Key)
	if err != nil {
		return err
	}
	msg.Auth = &auth
	return nil
}
