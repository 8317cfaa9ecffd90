package terminal

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

// fakeCmd records exec calls for testing without real tmux.
type fakeCmd struct {
	calls  [][]string
	output map[string]string
	errs   map[string]error
}

func newFakeCmd() *fakeCmd {
	return &fakeCmd{output: make(map[string]string), errs: make(map[string]error)}
}

// key builds a lookup key from a command and its args.
func key(name string, args ...string) string {
	return name + " " + strings.Join(args, " ")
}

func (f *fakeCmd) Run(name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	k := key(name, args...)
	return f.output[k], f.errs[k]
}

// sendKeys returns the send-keys calls only.
func (f *fakeCmd) sendKeys() [][]string {
	var out [][]string
	for _, c := range f.calls {
		if len(c) >= 2 && c[0] == "tmux" && c[1] == "send-keys" {
			out = append(out, c)
		}
	}
	return out
}

type sleepLog struct{ d []time.Duration }

func (s *sleepLog) sleep(d time.Duration) { s.d = append(s.d, d) }

func TestInjectChunksAndSubmits(t *testing.T) {
	fake := newFakeCmd()
	fake.output[key("tmux", "display-message", "-p", "-t", "%3", "#{session_attached}")] = "1"
	sl := &sleepLog{}
	tm := &Tmux{Runner: fake, Sleeper: sl.sleep, ChunkSize: 4, ChunkDelay: 10 * time.Millisecond, SubmitDelay: 100 * time.Millisecond}

	if err := tm.Inject("%3", "abcdefghij", false); err != nil {
		t.Fatalf("Inject: %v", err)
	}

	keys := fake.sendKeys()
	want := []string{"abcd", "efgh", "ij"}
	if len(keys) != len(want)+1 {
		t.Fatalf("send-keys calls = %d, want %d: %v", len(keys), len(want)+1, keys)
	}
	for i, w := range want {
		c := keys[i]
		if c[len(c)-2] != "-l" || c[len(c)-1] != w {
			t.Errorf("chunk %d = %v, want literal %q", i, c, w)
		}
	}
	if last := keys[len(keys)-1]; last[len(last)-1] != "Enter" {
		t.Errorf("final key = %v, want Enter", last)
	}

	wantSleeps := []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 100 * time.Millisecond}
	if len(sl.d) != len(wantSleeps) {
		t.Fatalf("sleeps = %v, want %v", sl.d, wantSleeps)
	}
	for i := range wantSleeps {
		if sl.d[i] != wantSleeps[i] {
			t.Errorf("sleep %d = %v, want %v", i, sl.d[i], wantSleeps[i])
		}
	}
}

func TestInjectConfirmDoublesDelayAndEnter(t *testing.T) {
	fake := newFakeCmd()
	fake.output[key("tmux", "display-message", "-p", "-t", "%1", "#{session_attached}")] = "1"
	sl := &sleepLog{}
	tm := &Tmux{Runner: fake, Sleeper: sl.sleep, SubmitDelay: 100 * time.Millisecond}

	if err := tm.Inject("%1", "go", true); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	enters := 0
	for _, c := range fake.sendKeys() {
		if c[len(c)-1] == "Enter" {
			enters++
		}
	}
	if enters != 2 {
		t.Errorf("Enter presses = %d, want 2", enters)
	}
	if len(sl.d) != 2 || sl.d[0] != 200*time.Millisecond || sl.d[1] != 200*time.Millisecond {
		t.Errorf("sleeps = %v, want two doubled submit delays", sl.d)
	}
}

func TestInjectWakesDetachedPane(t *testing.T) {
	fake := newFakeCmd()
	fake.output[key("tmux", "display-message", "-p", "-t", "%2", "#{session_attached}")] = "0"
	fake.output[key("tmux", "display-message", "-p", "-t", "%2", "#{pane_pid}")] = "4242"
	tm := &Tmux{Runner: fake, Sleeper: func(time.Duration) {}}

	if err := tm.Inject("%2", "x", false); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	found := false
	for _, c := range fake.calls {
		if c[0] == "kill" && c[1] == "-WINCH" && c[2] == "4242" {
			found = true
		}
	}
	if !found {
		t.Error("expected SIGWINCH to detached pane")
	}
}

func TestInjectEnterFailure(t *testing.T) {
	fake := newFakeCmd()
	fake.errs[key("tmux", "send-keys", "-t", "%9", "Enter")] = errors.New("pane gone")
	tm := &Tmux{Runner: fake, Sleeper: func(time.Duration) {}}

	err := tm.Inject("%9", "x", false)
	if err == nil || !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("err = %v", err)
	}
}

func TestLivePanes(t *testing.T) {
	fake := newFakeCmd()
	fake.output[key("tmux", "list-panes", "-a", "-F", listFormat)] =
		"%0\tmain\tplanner\tPlanner\n%1\tmain\tlead coder\t\n\n%2\twork\tzsh\treviewer\n"
	tm := &Tmux{Runner: fake}

	panes, err := tm.LivePanes()
	if err != nil {
		t.Fatalf("LivePanes: %v", err)
	}
	if len(panes) != 3 {
		t.Fatalf("panes = %d, want 3", len(panes))
	}
	if panes[1].ID != "%1" || panes[1].Window != "lead coder" || panes[1].Title != "" {
		t.Errorf("pane 1 = %+v", panes[1])
	}
	if names := panes[1].Names(); len(names) != 1 || names[0] != "lead coder" {
		t.Errorf("Names() = %v", names)
	}
}

func TestLivePanesNoServer(t *testing.T) {
	fake := newFakeCmd()
	k := key("tmux", "list-panes", "-a", "-F", listFormat)
	fake.output[k] = "no server running on /tmp/tmux-0/default"
	fake.errs[k] = errors.New("exit status 1")
	panes, err := (&Tmux{Runner: fake}).LivePanes()
	if err != nil || panes != nil {
		t.Errorf("panes=%v err=%v, want nil nil", panes, err)
	}
}

func TestChunk(t *testing.T) {
	if got := Chunk("", 4); got != nil {
		t.Errorf("Chunk(empty) = %v", got)
	}
	got := Chunk("héllo wörld", 3)
	if strings.Join(got, "") != "héllo wörld" {
		t.Errorf("chunks do not reassemble: %q", got)
	}
	for _, c := range got {
		if len(c) > 3 {
			t.Errorf("chunk %q exceeds size", c)
		}
		if !utf8.ValidString(c) {
			t.Errorf("chunk %q splits a rune", c)
		}
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in    string
		want  string
		shell bool
	}{
		{"/clear then work", "clear then work", false},
		{"  !! rm it", "rm it", false},
		{"#@> note", "note", false},
		{"\x1b[31mred", "[31mred", false},
		{"plain text", "plain text", false},
		{"line1\r\nline2\x07", "line1\n\nline2", false},
		{"run a; b", "run a; b", true},
		{"echo $(whoami)", "echo $(whoami)", true},
		{"path/with/slash", "path/with/slash", false},
	}
	for _, tt := range tests {
		got, shell := Sanitize(tt.in)
		if got != tt.want || shell != tt.shell {
			t.Errorf("Sanitize(%q) = %q,%v want %q,%v", tt.in, got, shell, tt.want, tt.shell)
		}
	}
}
