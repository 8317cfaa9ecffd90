package signing

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"switchboard/pkg/filelock"
)

// KeyEnv overrides the key file when set. The value is hex.
const KeyEnv = "SWITCHBOARD_SIGNING_KEY"

// KeySize is the length of generated keys in bytes.
const KeySize = 32

// LoadKey returns the signing key from KeyEnv, or else from keyFile. A
// missing key file yields a nil key and no error.
func LoadKey(keyFile string) ([]byte, error) {
	if v := strings.TrimSpace(os.Getenv(KeyEnv)); v != "" {
		key, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("signing: decode %s: %w", KeyEnv, err)
		}
		return key, nil
	}
	if keyFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(keyFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("signing: read key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("signing: decode key file %s: %w", keyFile, err)
	}
	return key, nil
}

// GenerateKey returns KeySize random bytes.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("signing: generate key: %w", err)
	}
	return key, nil
}

// WriteKey stores key hex-encoded at path with mode 0600.
func WriteKey(path string, key []byte) error {
	return filelock.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600)
}
