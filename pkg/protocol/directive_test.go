package protocol_test

import (
	"encoding/json"
	"testing"

	"switchboard/pkg/protocol"
)

func TestDirectiveValid(t *testing.T) {
	valid := []protocol.Directive{
		protocol.DirectiveStart,
		protocol.DirectiveStop,
		protocol.DirectivePause,
		protocol.DirectiveUnpause,
		protocol.DirectiveAdvance,
	}
	for _, d := range valid {
		if !d.Valid() {
			t.Errorf("expected %q to be valid", d)
		}
	}

	invalid := []protocol.Directive{"restart", "focus", "", "STOP"}
	for _, d := range invalid {
		if d.Valid() {
			t.Errorf("expected %q to be invalid", d)
		}
	}
}

func TestCommandJSON(t *testing.T) {
	t.Parallel()

	cmd := protocol.Command{
		ID:              "c1",
		Scheduler:       protocol.KindSequencer,
		Directive:       protocol.DirectiveStart,
		SessionID:       "sess-1",
		IntervalSeconds: 90,
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got protocol.Command
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != cmd {
		t.Errorf("round trip = %+v, want %+v", got, cmd)
	}
}
