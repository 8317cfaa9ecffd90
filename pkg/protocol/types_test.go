package protocol_test

import (
	"encoding/json"
	"testing"
	"time"

	"switchboard/pkg/protocol"
)

func TestActionValid(t *testing.T) {
	tests := []struct {
		action protocol.Action
		valid  bool
		verify bool
	}{
		{protocol.ActionExecute, true, true},
		{protocol.ActionDelegateTask, true, true},
		{"notify", false, false},
		{"", false, false},
		{"EXECUTE", false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			if got := tt.action.Valid(); got != tt.valid {
				t.Errorf("Valid() = %v, want %v", got, tt.valid)
			}
			if got := tt.action.RequiresVerification(); got != tt.verify {
				t.Errorf("RequiresVerification() = %v, want %v", got, tt.verify)
			}
		})
	}
}

func TestMessageWireNames(t *testing.T) {
	t.Parallel()

	msg := protocol.Message{
		ID:           "abc",
		Action:       protocol.ActionExecute,
		Sender:       "planner",
		Recipient:    "Coder",
		Payload:      "do X",
		SessionToken: "sess-1",
		Auth:         &protocol.Auth{Version: protocol.AuthVersion, Nonce: "n", PayloadHash: "h", Signature: "s"},
		CreatedAt:    "2026-01-02T03:04:05Z",
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"id", "action", "sender", "recipient", "payload", "sessionToken", "auth", "createdAt"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
	auth, _ := raw["auth"].(map[string]any)
	for _, key := range []string{"version", "nonce", "payloadHash", "signature"} {
		if _, ok := auth[key]; !ok {
			t.Errorf("missing auth key %q in %s", key, data)
		}
	}
	if _, ok := raw["metadata"]; ok {
		t.Errorf("empty metadata should be omitted: %s", data)
	}
}

func TestMessageCreated(t *testing.T) {
	t.Parallel()

	want := time.Date(2026, 3, 4, 5, 6, 7, 890000000, time.UTC)
	msg := protocol.Message{CreatedAt: protocol.Timestamp(want)}
	got, err := msg.Created()
	if err != nil {
		t.Fatalf("Created: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("Created() = %v, want %v", got, want)
	}

	bad := protocol.Message{CreatedAt: "yesterday"}
	if _, err := bad.Created(); err == nil {
		t.Error("expected error for unparsable createdAt")
	}
}

func TestPhaseGatePersona(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]any
		want     string
	}{
		{"nil metadata", nil, ""},
		{"no gate", map[string]any{"other": 1}, ""},
		{"gate without persona", map[string]any{"phase_gate": map[string]any{}}, ""},
		{"wrong type", map[string]any{"phase_gate": "lead"}, ""},
		{"persona", map[string]any{"phase_gate": map[string]any{"enforce_persona": "lead"}}, "lead"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := protocol.Message{Metadata: tt.metadata}
			if got := msg.PhaseGatePersona(); got != tt.want {
				t.Errorf("PhaseGatePersona() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPhaseGatePersonaAfterJSONRoundTrip(t *testing.T) {
	t.Parallel()

	data := []byte(`{"id":"1","metadata":{"phase_gate":{"enforce_persona":"reviewer"}}}`)
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := msg.PhaseGatePersona(); got != "reviewer" {
		t.Errorf("PhaseGatePersona() = %q, want reviewer", got)
	}
}
