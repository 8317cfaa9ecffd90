package delivery

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"switchboard/pkg/mailbox"
	"switchboard/pkg/protocol"
	"switchboard/pkg/signing"
	"switchboard/pkg/terminal"
	"switchboard/pkg/workspace"
)

var testKey = []byte("delivery-test-key-0123456789abcd")

// waitFor polls fn until it returns true or the timeout expires.
func waitFor(t *testing.T, fn func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

type fakeTargets struct {
	mu      sync.Mutex
	targets []workspace.Target
	err     error
}

func (f *fakeTargets) Targets(context.Context) ([]workspace.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]workspace.Target(nil), f.targets...), f.err
}

func (f *fakeTargets) add(t workspace.Target) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, t)
}

type fakePanes struct {
	panes []terminal.Pane
	err   error
}

func (f *fakePanes) LivePanes() ([]terminal.Pane, error) { return f.panes, f.err }

type injection struct {
	pane    string
	text    string
	confirm bool
}

type fakeInjector struct {
	mu    sync.Mutex
	calls []injection
	err   error
}

func (f *fakeInjector) Inject(pane, text string, confirm bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, injection{pane, text, confirm})
	return f.err
}

func (f *fakeInjector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSessions struct{ id string }

func (f fakeSessions) ActiveSession(context.Context) (string, error) { return f.id, nil }

type loggedEvent struct {
	typ     string
	payload any
}

type fakeActivity struct {
	mu     sync.Mutex
	events []loggedEvent
}

func (f *fakeActivity) LogEvent(typ string, payload any, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, loggedEvent{typ, payload})
}

func (f *fakeActivity) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		out = append(out, e.typ)
	}
	return out
}

type harness struct {
	root     string
	mb       *mailbox.Mailbox
	targets  *fakeTargets
	injector *fakeInjector
	activity *fakeActivity
	engine   *Engine
	session  string
}

func newHarness(t *testing.T, strict bool) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		root:     root,
		mb:       mailbox.New(root),
		targets:  &fakeTargets{},
		injector: &fakeInjector{},
		activity: &fakeActivity{},
		session:  "sess-1",
	}
	eng, err := New(Deps{
		Mailbox:  h.mb,
		Verifier: &signing.Verifier{Key: testKey, Nonces: signing.NewMemoryNonces(0)},
		Sessions: fakeSessions{id: h.session},
		Targets:  h.targets,
		Injector: h.injector,
		Activity: h.activity,
	}, Config{Strict: strict, RequireActiveSession: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.engine = eng
	return h
}

// send writes a message to the inbox, signing it when sign is set.
func (h *harness) send(t *testing.T, msg *protocol.Message, sign bool) string {
	t.Helper()
	if msg.ID == "" {
		msg.ID = "m-" + time.Now().Format("150405.000000000")
	}
	if msg.CreatedAt == "" {
		msg.CreatedAt = protocol.Timestamp(time.Now())
	}
	if msg.SessionToken == "" {
		msg.SessionToken = h.session
	}
	if sign {
		if err := (&signing.Signer{Key: testKey, Strict: true}).Attach(msg); err != nil {
			t.Fatalf("sign: %v", err)
		}
	}
	p, err := h.mb.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	return p
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

var errBoom = errors.New("boom")
