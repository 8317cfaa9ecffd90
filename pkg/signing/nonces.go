package signing

import (
	"context"
	"sync"
	"time"
)

// NonceCache remembers nonces for a bounded window.
type NonceCache interface {
	// CheckAndStore records nonce as seen at now and reports whether it had
	// already been seen within the window.
	CheckAndStore(ctx context.Context, nonce string, now time.Time) (bool, error)
}

// MemoryNonces is a process-local NonceCache.
type MemoryNonces struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

// NewMemoryNonces returns an empty cache with the given window
// (DefaultReplayWindow if window <= 0).
func NewMemoryNonces(window time.Duration) *MemoryNonces {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &MemoryNonces{window: window, seen: make(map[string]time.Time)}
}

// CheckAndStore implements NonceCache. Entries older than the window are
// pruned on every call.
func (m *MemoryNonces) CheckAndStore(_ context.Context, nonce string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.window)
	for n, at := range m.seen {
		if at.Before(cutoff) {
			delete(m.seen, n)
		}
	}
	if _, ok := m.seen[nonce]; ok {
		return true, nil
	}
	m.seen[nonce] = now
	return false, nil
}

// Len returns the number of remembered nonces.
func (m *MemoryNonces) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
