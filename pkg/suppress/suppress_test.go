package suppress

import (
	"path/filepath"
	"testing"
	"time"
)

func TestMarkAndExpire(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(time.Second)
	s.nowFunc = func() time.Time { return now }

	dir := t.TempDir()
	p := filepath.Join(dir, "inbox", "coder", "msg_1.result.json")

	if s.Suppressed(p) {
		t.Fatal("unmarked path reported suppressed")
	}
	s.Mark(p)
	if !s.Suppressed(p) {
		t.Fatal("marked path not suppressed")
	}
	// Same file spelled differently.
	if !s.Suppressed(filepath.Join(dir, "inbox", "coder", ".", "msg_1.result.json")) {
		t.Error("normalization failed for equivalent path")
	}

	now = now.Add(1500 * time.Millisecond)
	if s.Suppressed(p) {
		t.Error("path still suppressed after TTL")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d after expiry, want 0", s.Len())
	}
}

func TestNilSetIsInert(t *testing.T) {
	var s *Set
	s.Mark("/x")
	if s.Suppressed("/x") {
		t.Error("nil set should never suppress")
	}
}
