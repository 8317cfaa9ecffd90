package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"switchboard/pkg/dispatch"
	"switchboard/pkg/protocol"
	"switchboard/pkg/runsheet"
	"switchboard/pkg/signals"
)

// fakeDispatcher records calls and starts the role's workflow in the run
// sheet the way the real dispatcher does.
type fakeDispatcher struct {
	mu     sync.Mutex
	sheets *runsheet.Store
	calls  []string
	err    error
}

func (f *fakeDispatcher) DispatchRole(ctx context.Context, role, sessionID, instruction string) (string, error) {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	if _, err := f.sheets.RecordEvent(ctx, sessionID, dispatch.WorkflowFor(role), runsheet.ActionStart, ""); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sessionID+":"+role+":"+instruction)
	return fmt.Sprintf("m%d", len(f.calls)), nil
}

func (f *fakeDispatcher) trail() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.calls, ",")
}

type fixture struct {
	root   string
	sheets *runsheet.Store
	disp   *fakeDispatcher
	cfg    Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	sheets := runsheet.NewStore(filepath.Join(root, protocol.SessionsDir))
	return &fixture{
		root:   root,
		sheets: sheets,
		disp:   &fakeDispatcher{sheets: sheets},
		cfg: Config{
			IntervalSeconds: 3,
			TickEvery:       time.Hour, // tests drive ticks by hand
			Signals:         signals.New(filepath.Join(root, protocol.SignalsDir)),
			Checkpoints:     NewCheckpoints(filepath.Join(root, protocol.OrchestratorDir)),
		},
	}
}

func (f *fixture) plan(t *testing.T, id, created string) {
	t.Helper()
	if _, err := f.sheets.Create(context.Background(), runsheet.RunSheet{SessionID: id, Topic: id, CreatedAt: created}); err != nil {
		t.Fatal(err)
	}
}

func tickN(s interface{ tick(context.Context) }, n int) {
	for i := 0; i < n; i++ {
		s.tick(context.Background())
	}
}

func TestSequencerRunsAllStagesThenStops(t *testing.T) {
	f := newFixture(t)
	f.plan(t, "p1", "2026-01-01T00:00:00Z")
	seq := NewSequencer(f.disp, f.sheets, f.cfg)
	ctx := context.Background()

	if err := seq.Start(ctx, StartOptions{SessionID: "p1"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := f.disp.trail(); got != "p1:planner:enhance" {
		t.Fatalf("after start: %s", got)
	}
	st := seq.State()
	if !st.Running || st.CurrentStageIndex != 1 || st.SecondsRemaining != 3 {
		t.Errorf("state after start = %+v", st)
	}

	tickN(seq, 2)
	if n := len(f.disp.calls); n != 1 {
		t.Fatalf("dispatched early: %d", n)
	}
	tickN(seq, 1)
	tickN(seq, 3)
	want := "p1:planner:enhance,p1:lead:implement,p1:reviewer:review"
	if got := f.disp.trail(); got != want {
		t.Errorf("trail = %s, want %s", got, want)
	}
	// The last stage is out; the next countdown ends the run.
	if st := seq.State(); !st.Running || st.CurrentStageIndex != 3 || st.SecondsRemaining != 3 {
		t.Errorf("after last stage = %+v", st)
	}
	tickN(seq, 3)
	if st := seq.State(); st.Running || st.CurrentStageIndex != 3 {
		t.Errorf("final state = %+v", st)
	}
	tickN(seq, 5)
	if n := len(f.disp.calls); n != 3 {
		t.Errorf("dispatches after stop = %d", n)
	}
}

func TestSequencerAdvancePastLastStageStops(t *testing.T) {
	f := newFixture(t)
	f.plan(t, "p1", "")
	f.cfg.IntervalSeconds = 600
	seq := NewSequencer(f.disp, f.sheets, f.cfg)
	ctx := context.Background()
	if err := seq.Start(ctx, StartOptions{SessionID: "p1"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := seq.Advance(ctx); err != nil {
			t.Fatalf("advance %d: %v", i+1, err)
		}
	}
	if !seq.State().Running {
		t.Fatal("stopped before the closing advance")
	}
	if err := seq.Advance(ctx); err != nil {
		t.Fatalf("closing advance: %v", err)
	}
	if st := seq.State(); st.Running {
		t.Errorf("state = %+v", st)
	}
	if n := len(f.disp.calls); n != 3 {
		t.Errorf("dispatches = %d", n)
	}
	if err := seq.Advance(ctx); !errors.Is(err, ErrNotRunning) {
		t.Errorf("advance after stop = %v", err)
	}
}

func TestSequencerPauseAndManualAdvance(t *testing.T) {
	f := newFixture(t)
	f.plan(t, "p1", "")
	f.cfg.IntervalSeconds = 30
	f.cfg.MinResumeSeconds = 10
	seq := NewSequencer(f.disp, f.sheets, f.cfg)
	ctx := context.Background()
	if err := seq.Start(ctx, StartOptions{SessionID: "p1"}); err != nil {
		t.Fatal(err)
	}

	tickN(seq, 25)
	seq.Pause()
	tickN(seq, 50)
	if st := seq.State(); st.SecondsRemaining != 5 || !st.Paused {
		t.Fatalf("paused state = %+v", st)
	}
	seq.Unpause()
	if st := seq.State(); st.SecondsRemaining != 10 || st.Paused {
		t.Errorf("unpause did not apply the floor: %+v", st)
	}

	seq.Pause()
	if err := seq.Advance(ctx); err != nil {
		t.Fatal(err)
	}
	st := seq.State()
	if st.Paused || st.CurrentStageIndex != 2 || st.SecondsRemaining != 30 {
		t.Errorf("manual advance state = %+v", st)
	}
}

func TestSequencerStageSignalAdvancesEarly(t *testing.T) {
	f := newFixture(t)
	f.plan(t, "p1", "")
	f.cfg.IntervalSeconds = 600
	seq := NewSequencer(f.disp, f.sheets, f.cfg)
	if err := seq.Start(context.Background(), StartOptions{SessionID: "p1"}); err != nil {
		t.Fatal(err)
	}
	if err := f.cfg.Signals.Raise(signals.StageDone("p1", "planner"), nil); err != nil {
		t.Fatal(err)
	}
	tickN(seq, 1)
	if got := f.disp.trail(); got != "p1:planner:enhance,p1:lead:implement" {
		t.Errorf("trail = %s", got)
	}
	// The signal is consumed.
	tickN(seq, 1)
	if n := len(f.disp.calls); n != 2 {
		t.Errorf("dispatches = %d", n)
	}
}

func TestSequencerDispatchFailureStops(t *testing.T) {
	f := newFixture(t)
	f.plan(t, "p1", "")
	f.disp.err = errors.New("inbox unwritable")
	seq := NewSequencer(f.disp, f.sheets, f.cfg)
	err := seq.Start(context.Background(), StartOptions{SessionID: "p1"})
	if err == nil {
		t.Fatal("expected error")
	}
	st := seq.State()
	if st.Running || !strings.Contains(st.LastError, "inbox unwritable") {
		t.Errorf("state = %+v", st)
	}
	if err := seq.Advance(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Advance on stopped = %v", err)
	}
}

func TestSequencerStartValidation(t *testing.T) {
	f := newFixture(t)
	seq := NewSequencer(f.disp, f.sheets, f.cfg)
	if err := seq.Start(context.Background(), StartOptions{SessionID: "missing"}); !errors.Is(err, runsheet.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
	f.plan(t, "done", "")
	if _, err := f.sheets.Complete(context.Background(), "done"); err != nil {
		t.Fatal(err)
	}
	if err := seq.Start(context.Background(), StartOptions{SessionID: "done"}); err == nil {
		t.Error("started on a completed plan")
	}
}

type gatedDispatcher struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedDispatcher) DispatchRole(context.Context, string, string, string) (string, error) {
	g.entered <- struct{}{}
	<-g.release
	return "m", nil
}

func TestAdvanceIsReentrancyGuarded(t *testing.T) {
	f := newFixture(t)
	f.plan(t, "p1", "")
	g := &gatedDispatcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	seq := NewSequencer(g, f.sheets, f.cfg)

	started := make(chan error, 1)
	go func() { started <- seq.Start(context.Background(), StartOptions{SessionID: "p1"}) }()
	<-g.entered

	if err := seq.Advance(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent Advance = %v, want ErrBusy", err)
	}
	before := seq.State().SecondsRemaining
	tickN(seq, 2)
	if seq.State().SecondsRemaining != before {
		t.Error("countdown ran during a dispatch")
	}
	close(g.release)
	if err := <-started; err != nil {
		t.Fatal(err)
	}
	seq.Stop()
}

func TestSequencerRestore(t *testing.T) {
	f := newFixture(t)
	f.plan(t, "p1", "")
	seq := NewSequencer(f.disp, f.sheets, f.cfg)
	if err := seq.Start(context.Background(), StartOptions{SessionID: "p1"}); err != nil {
		t.Fatal(err)
	}
	tickN(seq, 1)

	// A new process picks up where the old one was.
	again := NewSequencer(f.disp, f.sheets, f.cfg)
	ok, err := again.Restore(context.Background())
	if err != nil || !ok {
		t.Fatalf("Restore = %v, %v", ok, err)
	}
	st := again.State()
	if st.SessionID != "p1" || st.CurrentStageIndex != 1 || st.SecondsRemaining != 2 {
		t.Errorf("restored = %+v", st)
	}
	again.Stop()
	seq.Stop()

	// Completed plan: checkpoint discarded.
	if err := seq.Start(context.Background(), StartOptions{SessionID: "p1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sheets.Complete(context.Background(), "p1"); err != nil {
		t.Fatal(err)
	}
	third := NewSequencer(f.disp, f.sheets, f.cfg)
	ok, err = third.Restore(context.Background())
	if err != nil || ok {
		t.Fatalf("Restore on completed plan = %v, %v", ok, err)
	}
	if _, err := os.Stat(f.cfg.Checkpoints.Path(protocol.KindSequencer)); !errors.Is(err, os.ErrNotExist) {
		t.Error("checkpoint not discarded")
	}
	seq.Stop()
}

func TestPipelineFIFOAcrossPlans(t *testing.T) {
	f := newFixture(t)
	f.plan(t, "newer", "2026-01-02T00:00:00Z")
	f.plan(t, "older", "2026-01-01T00:00:00Z")
	f.cfg.IntervalSeconds = 1
	pipe := NewPipeline(f.disp, f.sheets, f.cfg)

	if err := pipe.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatal(err)
	}
	tickN(pipe, 10)

	want := strings.Join([]string{
		"older:planner:enhance", "older:lead:implement", "older:reviewer:review",
		"newer:planner:enhance", "newer:lead:implement", "newer:reviewer:review",
	}, ",")
	if got := f.disp.trail(); got != want {
		t.Errorf("trail =\n%s\nwant\n%s", got, want)
	}
	st := pipe.State()
	if st.Running {
		t.Error("pipeline did not auto-stop after the last plan")
	}
	if st.LastAction == nil || st.LastAction.SessionID != "newer" || st.LastAction.Role != protocol.RoleReviewer {
		t.Errorf("lastAction = %+v", st.LastAction)
	}
}

func TestPipelineIdlesWithoutPlans(t *testing.T) {
	f := newFixture(t)
	f.cfg.IntervalSeconds = 1
	pipe := NewPipeline(f.disp, f.sheets, f.cfg)
	if err := pipe.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatal(err)
	}
	tickN(pipe, 3)
	if st := pipe.State(); !st.Running || st.PendingCount != 0 {
		t.Fatalf("idle state = %+v", st)
	}
	f.plan(t, "late", "")
	tickN(pipe, 1)
	if got := f.disp.trail(); got != "late:planner:enhance" {
		t.Errorf("trail = %s", got)
	}
	pipe.Stop()
}

func TestNextStage(t *testing.T) {
	tests := []struct {
		last string
		want string
		done bool
	}{
		{"", protocol.RolePlanner, false},
		{protocol.WorkflowPlanReview, protocol.RoleLead, false},
		{protocol.WorkflowImplementation, protocol.RoleReviewer, false},
		{protocol.WorkflowReview, "", true},
		{"something-else", protocol.RolePlanner, false},
	}
	for _, tt := range tests {
		rs := &runsheet.RunSheet{}
		if tt.last != "" {
			rs.AppendEvent(runsheet.Event{Workflow: tt.last, Action: runsheet.ActionStart})
		}
		stage, done := NextStage(rs)
		if done != tt.done || stage.Role != tt.want {
			t.Errorf("NextStage(%q) = %+v, %v", tt.last, stage, done)
		}
	}
}

func TestCoordinatorMutualExclusionAndControl(t *testing.T) {
	f := newFixture(t)
	f.plan(t, "p1", "")
	f.plan(t, "p2", "")
	seq := NewSequencer(f.disp, f.sheets, f.cfg)
	pipe := NewPipeline(f.disp, f.sheets, f.cfg)
	control := NewControl(filepath.Join(f.root, protocol.ControlDir), nil)
	coord := NewCoordinator(seq, pipe, control, nil)
	ctx := context.Background()

	if err := coord.Start(ctx, protocol.KindPipeline, StartOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := coord.Start(ctx, protocol.KindSequencer, StartOptions{SessionID: "p2"}); err != nil {
		t.Fatal(err)
	}
	states := coord.States()
	if !states[0].Running || states[1].Running {
		t.Fatalf("states = %+v", states)
	}

	for _, cmd := range []protocol.Command{
		{Scheduler: protocol.KindSequencer, Directive: protocol.DirectivePause},
		{Scheduler: protocol.KindSequencer, Directive: protocol.DirectiveAdvance},
	} {
		if _, err := control.Submit(cmd); err != nil {
			t.Fatal(err)
		}
		// Distinct timestamps keep the queue order deterministic.
		time.Sleep(2 * time.Millisecond)
	}
	if n := coord.DrainControl(ctx); n != 2 {
		t.Fatalf("drained %d", n)
	}
	st := seq.State()
	if st.Paused || st.CurrentStageIndex != 2 {
		t.Errorf("after pause+advance: %+v", st)
	}
	if left, _ := control.Pending(); len(left) != 0 {
		t.Errorf("commands left: %v", left)
	}

	if _, err := control.Submit(protocol.Command{Scheduler: "other", Directive: protocol.DirectiveStop}); err == nil {
		t.Error("unknown scheduler accepted")
	}
	if _, err := control.Submit(protocol.Command{Scheduler: protocol.KindPipeline, Directive: "explode"}); err == nil {
		t.Error("unknown directive accepted")
	}
	coord.Stop(protocol.KindSequencer)
}

func TestRunControlAppliesQueuedDirectives(t *testing.T) {
	f := newFixture(t)
	f.plan(t, "p1", "")
	seq := NewSequencer(f.disp, f.sheets, f.cfg)
	pipe := NewPipeline(f.disp, f.sheets, f.cfg)
	control := NewControl(filepath.Join(f.root, protocol.ControlDir), nil)
	coord := NewCoordinator(seq, pipe, control, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coord.RunControl(ctx, 20*time.Millisecond) }()

	if _, err := control.Submit(protocol.Command{
		Scheduler: protocol.KindSequencer, Directive: protocol.DirectiveStart, SessionID: "p1", IntervalSeconds: 60,
	}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !seq.State().Running && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	st := seq.State()
	if !st.Running || st.IntervalSeconds != 60 {
		t.Errorf("state = %+v", st)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	seq.Stop()
}

func TestOnlyLockOwnerDrivesSchedulers(t *testing.T) {
	f := newFixture(t)
	f.plan(t, "p1", "")
	lockPath := filepath.Join(f.root, protocol.OrchestratorDir, protocol.OwnerLockFile)
	ctx := context.Background()

	seqA := NewSequencer(f.disp, f.sheets, f.cfg)
	a := NewCoordinator(seqA, NewPipeline(f.disp, f.sheets, f.cfg), nil, nil)
	seqB := NewSequencer(f.disp, f.sheets, f.cfg)
	pipeB := NewPipeline(f.disp, f.sheets, f.cfg)
	b := NewCoordinator(seqB, pipeB, nil, nil)
	t.Cleanup(func() {
		seqA.Stop()
		seqB.Stop()
		pipeB.Stop()
	})

	if ok, err := a.Claim(lockPath); err != nil || !ok {
		t.Fatalf("A Claim = %v, %v", ok, err)
	}
	if ok, err := b.Claim(lockPath); err != nil || ok {
		t.Fatalf("B Claim = %v, %v", ok, err)
	}
	if err := a.Start(ctx, protocol.KindSequencer, StartOptions{SessionID: "p1"}); err != nil {
		t.Fatal(err)
	}

	if err := b.Restore(ctx); !errors.Is(err, ErrNotOwner) {
		t.Errorf("B Restore = %v", err)
	}
	if err := b.Start(ctx, protocol.KindPipeline, StartOptions{}); !errors.Is(err, ErrNotOwner) {
		t.Errorf("B Start = %v", err)
	}
	if err := b.Advance(ctx, protocol.KindSequencer); !errors.Is(err, ErrNotOwner) {
		t.Errorf("B Advance = %v", err)
	}
	if seqB.State().Running || pipeB.State().Running {
		t.Error("non-owner is running a scheduler")
	}
	if got := f.disp.trail(); got != "p1:planner:enhance" {
		t.Errorf("trail = %s", got)
	}

	// B stands by until A lets go, then resumes A's run from its checkpoint.
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- b.Own(runCtx, lockPath, 20*time.Millisecond) }()
	time.Sleep(60 * time.Millisecond)
	if seqB.State().Running {
		t.Fatal("B took over while A held the lock")
	}
	if err := a.Release(); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !seqB.State().Running && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	st := seqB.State()
	if !st.Running || st.SessionID != "p1" || st.CurrentStageIndex != 1 {
		t.Errorf("B after takeover = %+v", st)
	}
	if got := f.disp.trail(); got != "p1:planner:enhance" {
		t.Errorf("takeover redispatched: %s", got)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if err := a.Start(ctx, protocol.KindPipeline, StartOptions{}); !errors.Is(err, ErrNotOwner) {
		t.Errorf("A Start after release = %v", err)
	}
}
