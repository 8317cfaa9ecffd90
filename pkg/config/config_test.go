package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"switchboard/pkg/delivery"
)

const fullYAML = `
signing:
  strict: false
  require_active_session: true
  key_file: /etc/switchboard/key
  replay_store: memory
  replay_window: 15m

delivery:
  chunk_size: 256
  chunk_delay: 20ms
  submit_delay: 1s
  poll_interval: 10s
  static_inboxes: [planner, ops]

housekeeping:
  schedule: "*/10 * * * *"
  retain_per_agent: 5
  processed_max_age: 12h

activity:
  max_queue: 50

sequencer:
  interval_seconds: 120
  stages:
    - role: planner
      instruction: enhance
    - role: lead
`

const fullTOML = `
[signing]
replay_store = "sqlite"

[delivery]
chunk_delay = "10ms"

[housekeeping]
schedule = "@hourly"

[pipeline]
interval_seconds = 45
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Signing.StrictMode() {
		t.Error("StrictMode = true, want false")
	}
	if !cfg.Signing.RequireActiveSession || cfg.Signing.KeyFile != "/etc/switchboard/key" {
		t.Errorf("Signing = %+v", cfg.Signing)
	}
	if cfg.Signing.ReplayStore != ReplayMemory || cfg.Signing.ReplayWindow.D() != 15*time.Minute {
		t.Errorf("replay = %s / %v", cfg.Signing.ReplayStore, cfg.Signing.ReplayWindow.D())
	}
	if cfg.Delivery.ChunkSize != 256 || cfg.Delivery.ChunkDelay.D() != 20*time.Millisecond {
		t.Errorf("Delivery = %+v", cfg.Delivery)
	}
	if cfg.Delivery.Debounce.D() != delivery.DefaultDebounce {
		t.Errorf("Debounce = %v, want default", cfg.Delivery.Debounce.D())
	}
	if got := strings.Join(cfg.Delivery.StaticInboxes, ","); got != "planner,ops" {
		t.Errorf("StaticInboxes = %s", got)
	}
	if cfg.Housekeeping.RetainPerAgent != 5 || cfg.Housekeeping.ProcessedMaxAge.D() != 12*time.Hour {
		t.Errorf("Housekeeping = %+v", cfg.Housekeeping)
	}
	if cfg.Activity.MaxQueue != 50 || cfg.Activity.MaxRetries != 3 {
		t.Errorf("Activity = %+v", cfg.Activity)
	}
	stages := cfg.SequencerStages()
	if len(stages) != 2 || stages[1].Role != "lead" || stages[0].Instruction != "enhance" {
		t.Errorf("stages = %+v", stages)
	}
	if cfg.Sequencer.IntervalSeconds != 120 || cfg.Sequencer.MinResumeSeconds != 10 {
		t.Errorf("Sequencer = %+v", cfg.Sequencer)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if !cfg.Signing.StrictMode() || cfg.Signing.ReplayStore != ReplaySQLite {
		t.Errorf("Signing = %+v", cfg.Signing)
	}
	if cfg.Housekeeping.Schedule != "@every 5m" {
		t.Errorf("Schedule = %q", cfg.Housekeeping.Schedule)
	}
	if len(cfg.SequencerStages()) != 3 {
		t.Errorf("stages = %+v", cfg.Sequencer.Stages)
	}
	if cfg.Delivery.MaxAge.D() != 5*time.Minute {
		t.Errorf("MaxAge = %v", cfg.Delivery.MaxAge.D())
	}
}

func TestParseTOML(t *testing.T) {
	cfg, err := ParseTOML([]byte(fullTOML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Delivery.ChunkDelay.D() != 10*time.Millisecond {
		t.Errorf("ChunkDelay = %v", cfg.Delivery.ChunkDelay.D())
	}
	if cfg.Housekeeping.Schedule != "@hourly" || cfg.Pipeline.IntervalSeconds != 45 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"replay store", "signing: {replay_store: redis}", "replay_store"},
		{"schedule", "housekeeping: {schedule: sometimes}", "housekeeping.schedule"},
		{"negative duration", "delivery: {debounce: -1s}", "delivery.debounce"},
		{"bad inbox", "delivery: {static_inboxes: [../up]}", "static_inboxes[0]"},
		{"bad stage role", "sequencer: {stages: [{role: ''}, {role: lead}]}", "stages[0].role"},
		{"bad duration", "delivery: {chunk_delay: fast}", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	cfg, path, err := LoadDir(dir)
	if err != nil || path != "" || cfg == nil {
		t.Fatalf("empty dir: cfg=%v path=%q err=%v", cfg, path, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(fullTOML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, path, err = LoadDir(dir)
	if err != nil || filepath.Base(path) != "config.toml" || cfg.Pipeline.IntervalSeconds != 45 {
		t.Fatalf("toml: path=%q err=%v", path, err)
	}

	// YAML wins over TOML.
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("pipeline: {interval_seconds: 7}"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, path, err = LoadDir(dir)
	if err != nil || filepath.Base(path) != "config.yaml" || cfg.Pipeline.IntervalSeconds != 7 {
		t.Fatalf("yaml: path=%q cfg=%+v err=%v", path, cfg.Pipeline, err)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file loaded")
	}
}
