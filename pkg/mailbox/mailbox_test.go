package mailbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"switchboard/pkg/protocol"
	"switchboard/pkg/suppress"
)

func newMsg(id, recipient string, created time.Time) *protocol.Message {
	return &protocol.Message{
		ID:        id,
		Action:    protocol.ActionDelegateTask,
		Sender:    "planner",
		Recipient: recipient,
		Payload:   "task " + id,
		CreatedAt: protocol.Timestamp(created),
	}
}

func TestIsMessageFile(t *testing.T) {
	tests := map[string]bool{
		"msg_1.json":          true,
		"msg_1.result.json":   false,
		"msg_1.receipt.json":  false,
		"msg_1.accepted.json": false,
		"note.json":           false,
		"msg_1.json.tmp":      false,
	}
	for name, want := range tests {
		if got := IsMessageFile(name); got != want {
			t.Errorf("IsMessageFile(%q) = %v, want %v", name, got, want)
		}
	}
	if got := ResultPath("/r/inbox/coder/msg_ab.json"); got != "/r/inbox/coder/msg_ab.result.json" {
		t.Errorf("ResultPath = %q", got)
	}
	if got := MessageID("/r/inbox/coder/msg_ab.json"); got != "ab" {
		t.Errorf("MessageID = %q", got)
	}
}

func TestSendPollAckDelete(t *testing.T) {
	ctx := context.Background()
	mb := New(t.TempDir())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	p2, err := mb.Send(ctx, newMsg("two", "coder", base.Add(time.Second)))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	p1, err := mb.Send(ctx, newMsg("one", "coder", base))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if filepath.Base(p1) != "msg_one.json" {
		t.Errorf("path = %s", p1)
	}

	entries, err := mb.Poll(ctx, "coder")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(entries) != 2 || entries[0].Message.ID != "one" || entries[1].Message.ID != "two" {
		t.Fatalf("Poll order wrong: %+v", entries)
	}

	if err := mb.Ack(p1, protocol.Result{Status: protocol.StatusCompleted, Summary: "done"}); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := mb.Ack(p1, protocol.Result{Status: protocol.StatusFailed}); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("second Ack err = %v, want ErrAlreadyProcessed", err)
	}
	res, err := mb.ReadResult(p1)
	if err != nil {
		t.Fatalf("ReadResult: %v", err)
	}
	if res.Status != protocol.StatusCompleted || res.InReplyTo != "one" || res.ProcessedAt == "" {
		t.Errorf("result = %+v", res)
	}

	entries, _ = mb.Poll(ctx, "coder")
	if len(entries) != 1 || entries[0].Path != p2 {
		t.Errorf("acked message still pending: %+v", entries)
	}

	if err := mb.Delete(p2); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := mb.Delete(p2); err != nil {
		t.Errorf("Delete of missing file should succeed: %v", err)
	}

	rs, _ := mb.Recipients()
	if len(rs) != 1 || rs[0] != "coder" {
		t.Errorf("Recipients = %v", rs)
	}
}

func TestAckIsExclusiveUnderRace(t *testing.T) {
	mb := New(t.TempDir())
	p, err := mb.Send(context.Background(), newMsg("race", "coder", time.Now()))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mb.Ack(p, protocol.Result{Status: protocol.StatusExecuted}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
}

func TestMarkDeliveredIdempotent(t *testing.T) {
	set := suppress.New(time.Minute)
	mb := New(t.TempDir(), WithSuppress(set))
	p, err := mb.Send(context.Background(), newMsg("d", "reviewer", time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if Processed(p) {
		t.Fatal("fresh message reported processed")
	}
	if err := mb.MarkDelivered(p, "reviewer"); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if err := mb.MarkDelivered(p, "reviewer"); err != nil {
		t.Fatalf("second MarkDelivered: %v", err)
	}
	if !Processed(p) {
		t.Error("receipt not detected")
	}
	if !set.Suppressed(ReceiptPath(p)) {
		t.Error("receipt write not suppressed")
	}
	// Receipts do not hide a message from Poll; only results do.
	entries, _ := mb.Poll(context.Background(), "reviewer")
	if len(entries) != 1 {
		t.Errorf("Poll = %d entries, want 1", len(entries))
	}
}

func TestAcceptedTracksFileVersion(t *testing.T) {
	m := New(t.TempDir())
	msg := newMsg("a1", "reviewer", time.Now())
	p, err := m.Send(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if m.Accepted(p) {
		t.Fatal("accepted before marking")
	}
	if err := m.MarkAccepted(p); err != nil {
		t.Fatalf("MarkAccepted: %v", err)
	}
	if !m.Accepted(p) {
		t.Fatal("not accepted after marking")
	}
	if names, _ := m.MessagePaths("reviewer"); len(names) != 1 {
		t.Errorf("marker listed as a message: %v", names)
	}

	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(p, later, later); err != nil {
		t.Fatal(err)
	}
	if m.Accepted(p) {
		t.Error("marker still matches a changed file")
	}

	if err := m.Delete(p); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(AcceptedPath(p)); !errors.Is(err, os.ErrNotExist) {
		t.Error("marker survived Delete")
	}
}

func TestPollSkipsMalformed(t *testing.T) {
	root := t.TempDir()
	mb := New(root)
	dir := filepath.Join(root, protocol.InboxDir, "coder")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "msg_bad.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := mb.Send(context.Background(), newMsg("good", "coder", time.Now())); err != nil {
		t.Fatal(err)
	}
	entries, err := mb.Poll(context.Background(), "coder")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(entries) != 1 || entries[0].Message.ID != "good" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestSendRejectsUnsafeRecipient(t *testing.T) {
	mb := New(t.TempDir())
	var nameErr *protocol.NameError
	for _, r := range []string{"../etc", ".hidden", ""} {
		if _, err := mb.Send(context.Background(), newMsg("x", r, time.Now())); !errors.As(err, &nameErr) {
			t.Errorf("Send to %q err = %v", r, err)
		}
	}
}
