// Package suppress tracks paths this process wrote recently so that its own
// filesystem watchers can ignore the resulting events.
package suppress

import (
	"path/filepath"
	"sync"
	"time"
)

// DefaultTTL is how long a registered path stays suppressed.
const DefaultTTL = 2 * time.Second

// Set is a TTL-bounded set of normalized paths. The zero value is not usable;
// call New.
type Set struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	nowFunc func() time.Time
}

// New returns a Set whose entries expire after ttl (DefaultTTL if ttl <= 0).
func New(ttl time.Duration) *Set {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Set{ttl: ttl, entries: make(map[string]time.Time), nowFunc: time.Now}
}

func normalize(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// Mark registers path as about to be written by us.
func (s *Set) Mark(path string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	s.pruneLocked(now)
	s.entries[normalize(path)] = now.Add(s.ttl)
}

// Suppressed reports whether path was marked within the TTL.
func (s *Set) Suppressed(path string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.entries[normalize(path)]
	if !ok {
		return false
	}
	if s.nowFunc().After(exp) {
		delete(s.entries, normalize(path))
		return false
	}
	return true
}

// Len returns the number of unexpired entries.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.nowFunc())
	return len(s.entries)
}

func (s *Set) pruneLocked(now time.Time) {
	for p, exp := range s.entries {
		if now.After(exp) {
			delete(s.entries, p)
		}
	}
}
