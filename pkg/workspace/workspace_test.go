package workspace

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"switchboard/pkg/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s := Open(filepath.Join(t.TempDir(), "state.json"))
	t.Cleanup(s.Close)
	return s
}

func TestActiveSession(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.ActiveSession(ctx)
	if err != nil || id != "" {
		t.Fatalf("empty store: id=%q err=%v", id, err)
	}
	if err := s.SetActiveSession(ctx, "sess-1"); err != nil {
		t.Fatalf("SetActiveSession: %v", err)
	}
	id, _ = s.ActiveSession(ctx)
	if id != "sess-1" {
		t.Errorf("ActiveSession = %q", id)
	}

	var nameErr *protocol.NameError
	if err := s.SetActiveSession(ctx, "../x"); !errors.As(err, &nameErr) {
		t.Errorf("unsafe session id err = %v", err)
	}
	id, _ = s.ActiveSession(ctx)
	if id != "sess-1" {
		t.Errorf("rejected mutation changed state: %q", id)
	}
}

func TestRegisterKeepsOriginalTime(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return now }

	if err := s.RegisterTarget(ctx, Target{Name: "lead coder", Pane: "%1", Role: "lead"}); err != nil {
		t.Fatalf("RegisterTarget: %v", err)
	}
	now = now.Add(time.Hour)
	if err := s.RegisterTarget(ctx, Target{Name: "lead coder", Pane: "%7", Role: "lead"}); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	ts, err := s.Targets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ts) != 1 {
		t.Fatalf("targets = %d", len(ts))
	}
	if ts[0].Pane != "%7" {
		t.Errorf("Pane = %q, want updated pane", ts[0].Pane)
	}
	if !ts[0].Registered().Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("RegisteredAt changed to %s", ts[0].RegisteredAt)
	}

	if err := s.RemoveTarget(ctx, "lead coder"); err != nil {
		t.Fatal(err)
	}
	if ts, _ := s.Targets(ctx); len(ts) != 0 {
		t.Errorf("target not removed")
	}
}

func TestConcurrentUpdatesAreBatched(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "t" + string(rune('A'+i))
			if err := s.RegisterTarget(ctx, Target{Name: name, Pane: "%" + name}); err != nil {
				t.Errorf("RegisterTarget: %v", err)
			}
		}(i)
	}
	wg.Wait()

	st, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Targets) != n {
		t.Errorf("targets = %d, want %d", len(st.Targets), n)
	}
	if st.UpdatedAt == "" {
		t.Error("UpdatedAt not set")
	}
	if s.batches > n {
		t.Errorf("batches = %d, more than one per update", s.batches)
	}
}

func TestFailedMutationIsIsolated(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	boom := errors.New("boom")
	err := s.Update(ctx, func(st *State) error {
		st.ActiveSessionID = "half-applied"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update err = %v", err)
	}
	id, _ := s.ActiveSession(ctx)
	if id != "" {
		t.Errorf("failed mutation leaked: %q", id)
	}
}

func TestUpdateAfterClose(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "state.json"))
	s.Close()
	s.Close()
	if err := s.SetActiveSession(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestSortTargets(t *testing.T) {
	ts := []Target{
		{Name: "b", RegisteredAt: "2026-01-01T00:00:01Z"},
		{Name: "z"},
		{Name: "c", RegisteredAt: "2026-01-01T00:00:00Z"},
		{Name: "a", RegisteredAt: "2026-01-01T00:00:01Z"},
	}
	SortTargets(ts)
	got := ""
	for _, x := range ts {
		got += x.Name
	}
	if got != "cabz" {
		t.Errorf("order = %q, want cabz", got)
	}
}

func TestTargetMatches(t *testing.T) {
	tg := Target{Name: "Lead Coder", Aliases: []string{"lead"}}
	for _, n := range []string{"lead coder", "LEAD", "Lead Coder"} {
		if !tg.Matches(n) {
			t.Errorf("Matches(%q) = false", n)
		}
	}
	if tg.Matches("reviewer") {
		t.Error("Matches(reviewer) = true")
	}
}
