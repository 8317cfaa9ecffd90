// Package terminal injects dispatch text into live tmux panes.
package terminal

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"
)

// CmdRunner abstracts command execution for testability.
type CmdRunner interface {
	Run(name string, args ...string) (string, error)
}

// ExecRunner implements CmdRunner using os/exec.
type ExecRunner struct{}

// Run executes a command and returns its combined output.
func (e *ExecRunner) Run(name string, args ...string) (string, error) {
	cmd := exec.CommandContext(context.Background(), name, args...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// Pacing defaults. Large pastes overrun the input buffer of TUI agents, so
// text goes in chunks with a pause between them and a longer pause before
// the submitting Enter.
const (
	DefaultChunkSize   = 512
	DefaultChunkDelay  = 50 * time.Millisecond
	DefaultSubmitDelay = 500 * time.Millisecond
	enterAttempts      = 3
)

// Pane is one live tmux pane.
type Pane struct {
	ID      string // %N
	Session string
	Window  string
	Title   string
}

// Names returns the labels a pane can be addressed by.
func (p Pane) Names() []string {
	var out []string
	for _, n := range []string{p.Title, p.Window} {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

// Tmux drives a tmux server through its CLI.
type Tmux struct {
	Runner      CmdRunner
	Sleeper     func(time.Duration) // optional; overrides time.Sleep for testing
	ChunkSize   int
	ChunkDelay  time.Duration
	SubmitDelay time.Duration
}

// NewTmux returns a Tmux using the default ExecRunner and pacing.
func NewTmux() *Tmux {
	return &Tmux{Runner: &ExecRunner{}}
}

func (t *Tmux) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if t.Sleeper != nil {
		t.Sleeper(d)
		return
	}
	time.Sleep(d)
}

func (t *Tmux) chunkSize() int {
	if t.ChunkSize > 0 {
		return t.ChunkSize
	}
	return DefaultChunkSize
}

func (t *Tmux) chunkDelay() time.Duration {
	if t.ChunkDelay > 0 {
		return t.ChunkDelay
	}
	return DefaultChunkDelay
}

func (t *Tmux) submitDelay() time.Duration {
	if t.SubmitDelay > 0 {
		return t.SubmitDelay
	}
	return DefaultSubmitDelay
}

// listFormat is the list-panes format; fields are tab separated.
const listFormat = "#{pane_id}\t#{session_name}\t#{window_name}\t#{pane_title}"

// LivePanes lists every pane on the server. No server means no panes.
func (t *Tmux) LivePanes() ([]Pane, error) {
	out, err := t.Runner.Run("tmux", "list-panes", "-a", "-F", listFormat)
	if err != nil {
		if strings.Contains(out, "no server running") || strings.Contains(out, "error connecting") {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-panes: %w", err)
	}
	var panes []Pane
	for _, line := range strings.Split(out, "\n") {
		// Trailing empty fields may have been trimmed away.
		fields := strings.Split(strings.TrimSpace(line), "\t")
		if len(fields) < 3 || fields[0] == "" {
			continue
		}
		p := Pane{ID: fields[0], Session: fields[1], Window: fields[2]}
		if len(fields) > 3 {
			p.Title = fields[3]
		}
		panes = append(panes, p)
	}
	return panes, nil
}

// Inject types text into pane in paced chunks, then submits it with Enter.
// When confirm is set the pre-submit pause is doubled and a second Enter
// follows for targets that ask for confirmation. Once started, injection
// runs to completion.
func (t *Tmux) Inject(pane, text string, confirm bool) error {
	for i, chunk := range Chunk(text, t.chunkSize()) {
		if i > 0 {
			t.sleep(t.chunkDelay())
		}
		if _, err := t.Runner.Run("tmux", "send-keys", "-t", pane, "-l", chunk); err != nil {
			return fmt.Errorf("tmux send-keys -l to %s: %w", pane, err)
		}
	}
	t.wakeIfDetached(pane)

	delay := t.submitDelay()
	if confirm {
		delay *= 2
	}
	t.sleep(delay)

	if err := t.sendEnter(pane); err != nil {
		return err
	}
	if confirm {
		t.sleep(delay)
		if err := t.sendEnter(pane); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tmux) sendEnter(pane string) error {
	var lastErr error
	for attempt := 0; attempt < enterAttempts; attempt++ {
		if attempt > 0 {
			t.sleep(200 * time.Millisecond)
		}
		if _, err := t.Runner.Run("tmux", "send-keys", "-t", pane, "Enter"); err != nil {
			lastErr = err
			continue
		}
		t.wakeIfDetached(pane)
		return nil
	}
	return fmt.Errorf("failed to send Enter to %s after %d attempts: %w", pane, enterAttempts, lastErr)
}

// wakeIfDetached sends SIGWINCH to the pane's process when no client is
// attached, so TUI render loops notice the new input.
func (t *Tmux) wakeIfDetached(pane string) {
	out, err := t.Runner.Run("tmux", "display-message", "-p", "-t", pane, "#{session_attached}")
	if err == nil && strings.TrimSpace(out) != "0" {
		return
	}
	pid, err := t.Runner.Run("tmux", "display-message", "-p", "-t", pane, "#{pane_pid}")
	if err != nil || strings.TrimSpace(pid) == "" {
		return
	}
	_, _ = t.Runner.Run("kill", "-WINCH", strings.TrimSpace(pid))
}

// Chunk splits text into pieces of at most size bytes without splitting a
// UTF-8 sequence.
func Chunk(text string, size int) []string {
	if size <= 0 || len(text) <= size {
		if text == "" {
			return nil
		}
		return []string{text}
	}
	var out []string
	for len(text) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			_, w := utf8.DecodeRuneInString(text)
			cut = w
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
