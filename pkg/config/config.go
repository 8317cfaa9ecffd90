// Package config loads switchboard settings from <root>/config.yaml or
// <root>/config.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"switchboard/pkg/activity"
	"switchboard/pkg/delivery"
	"switchboard/pkg/orchestrator"
	"switchboard/pkg/protocol"
	"switchboard/pkg/terminal"
)

// Replay store backends.
const (
	ReplayMemory = "memory"
	ReplaySQLite = "sqlite"
)

// FileNames are tried in order by LoadDir.
var FileNames = []string{"config.yaml", "config.yml", "config.toml"}

// Duration is a time.Duration written as "2s" or "5m" in config files.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config is the top-level configuration.
type Config struct {
	Signing      SigningConfig      `yaml:"signing" toml:"signing"`
	Delivery     DeliveryConfig     `yaml:"delivery" toml:"delivery"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping" toml:"housekeeping"`
	Activity     ActivityConfig     `yaml:"activity" toml:"activity"`
	Sequencer    SequencerConfig    `yaml:"sequencer" toml:"sequencer"`
	Pipeline     PipelineConfig     `yaml:"pipeline" toml:"pipeline"`
}

// SigningConfig controls dispatch authentication.
type SigningConfig struct {
	Strict               *bool    `yaml:"strict" toml:"strict"` // default true
	RequireActiveSession bool     `yaml:"require_active_session" toml:"require_active_session"`
	KeyFile              string   `yaml:"key_file" toml:"key_file"` // default <root>/signing.key
	ReplayStore          string   `yaml:"replay_store" toml:"replay_store"`
	ReplayWindow         Duration `yaml:"replay_window" toml:"replay_window"`
}

// StrictMode reports whether unsigned dispatches are refused.
func (s SigningConfig) StrictMode() bool { return s.Strict == nil || *s.Strict }

// DeliveryConfig tunes the delivery engine and terminal injection.
type DeliveryConfig struct {
	ChunkSize     int      `yaml:"chunk_size" toml:"chunk_size"`
	ChunkDelay    Duration `yaml:"chunk_delay" toml:"chunk_delay"`
	SubmitDelay   Duration `yaml:"submit_delay" toml:"submit_delay"`
	PollInterval  Duration `yaml:"poll_interval" toml:"poll_interval"`
	Debounce      Duration `yaml:"debounce" toml:"debounce"`
	MaxAge        Duration `yaml:"max_age" toml:"max_age"`
	StaticInboxes []string `yaml:"static_inboxes" toml:"static_inboxes"`
}

// HousekeepingConfig bounds what inbox sweeps keep.
type HousekeepingConfig struct {
	Schedule        string   `yaml:"schedule" toml:"schedule"`
	RetainPerAgent  int      `yaml:"retain_per_agent" toml:"retain_per_agent"`
	ProcessedMaxAge Duration `yaml:"processed_max_age" toml:"processed_max_age"`
	OrphanMaxAge    Duration `yaml:"orphan_max_age" toml:"orphan_max_age"`
	SignalMaxAge    Duration `yaml:"signal_max_age" toml:"signal_max_age"`
	MaxLogBytes     int64    `yaml:"max_log_bytes" toml:"max_log_bytes"`
}

// ActivityConfig tunes the activity log writer.
type ActivityConfig struct {
	MaxBytes     int64 `yaml:"max_bytes" toml:"max_bytes"`
	MaxRetries   int   `yaml:"max_retries" toml:"max_retries"`
	MaxStringLen int   `yaml:"max_string_len" toml:"max_string_len"`
	MaxQueue     int   `yaml:"max_queue" toml:"max_queue"`
}

// StageConfig is one sequencer stage.
type StageConfig struct {
	Role        string `yaml:"role" toml:"role"`
	Instruction string `yaml:"instruction" toml:"instruction"`
	Label       string `yaml:"label" toml:"label"`
}

// SequencerConfig configures the stage sequencer.
type SequencerConfig struct {
	IntervalSeconds  int           `yaml:"interval_seconds" toml:"interval_seconds"`
	MinResumeSeconds int           `yaml:"min_resume_seconds" toml:"min_resume_seconds"`
	Stages           []StageConfig `yaml:"stages" toml:"stages"`
}

// PipelineConfig configures the pipeline scheduler.
type PipelineConfig struct {
	IntervalSeconds int `yaml:"interval_seconds" toml:"interval_seconds"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads the config file at path. Files ending in .toml are TOML;
// anything else is YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParseTOML(data)
	}
	return Parse(data)
}

// LoadDir loads the first config file found in root, or the defaults when
// there is none. The returned path is empty in the latter case.
func LoadDir(root string) (*Config, string, error) {
	for _, name := range FileNames {
		p := filepath.Join(root, name)
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		cfg, err := Load(p)
		return cfg, p, err
	}
	return Default(), "", nil
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return finish(&cfg)
}

// ParseTOML unmarshals TOML bytes into a validated Config.
func ParseTOML(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse toml: %w", err)
	}
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultDuration(d *Duration, v time.Duration) {
	if *d == 0 {
		*d = Duration(v)
	}
}

// applyDefaults fills in unset values.
func (c *Config) applyDefaults() {
	if c.Signing.ReplayStore == "" {
		c.Signing.ReplayStore = ReplaySQLite
	}
	defaultDuration(&c.Signing.ReplayWindow, 10*time.Minute)

	d := &c.Delivery
	if d.ChunkSize == 0 {
		d.ChunkSize = terminal.DefaultChunkSize
	}
	defaultDuration(&d.ChunkDelay, terminal.DefaultChunkDelay)
	defaultDuration(&d.SubmitDelay, terminal.DefaultSubmitDelay)
	defaultDuration(&d.PollInterval, delivery.DefaultPollInterval)
	defaultDuration(&d.Debounce, delivery.DefaultDebounce)
	defaultDuration(&d.MaxAge, 5*time.Minute)
	if d.StaticInboxes == nil {
		d.StaticInboxes = append([]string(nil), delivery.DefaultStaticInboxes...)
	}

	h := &c.Housekeeping
	if h.Schedule == "" {
		h.Schedule = delivery.DefaultSchedule
	}
	if h.RetainPerAgent == 0 {
		h.RetainPerAgent = delivery.DefaultRetainPerAgent
	}
	defaultDuration(&h.ProcessedMaxAge, delivery.DefaultProcessedMaxAge)
	defaultDuration(&h.OrphanMaxAge, delivery.DefaultOrphanMaxAge)
	defaultDuration(&h.SignalMaxAge, delivery.DefaultSignalMaxAge)
	if h.MaxLogBytes == 0 {
		h.MaxLogBytes = delivery.DefaultMaxLogBytes
	}

	a := &c.Activity
	if a.MaxBytes == 0 {
		a.MaxBytes = activity.DefaultMaxBytes
	}
	if a.MaxRetries == 0 {
		a.MaxRetries = activity.DefaultMaxRetries
	}
	if a.MaxStringLen == 0 {
		a.MaxStringLen = activity.DefaultMaxStringLen
	}
	if a.MaxQueue == 0 {
		a.MaxQueue = activity.DefaultMaxQueue
	}

	if c.Sequencer.IntervalSeconds == 0 {
		c.Sequencer.IntervalSeconds = orchestrator.DefaultIntervalSeconds
	}
	if c.Sequencer.MinResumeSeconds == 0 {
		c.Sequencer.MinResumeSeconds = orchestrator.DefaultMinResumeSeconds
	}
	if len(c.Sequencer.Stages) == 0 {
		for _, s := range orchestrator.DefaultStages {
			c.Sequencer.Stages = append(c.Sequencer.Stages, StageConfig(s))
		}
	}
	if c.Pipeline.IntervalSeconds == 0 {
		c.Pipeline.IntervalSeconds = orchestrator.DefaultIntervalSeconds
	}
}

// validate checks ranges and names.
func (c *Config) validate() error {
	var errs []string
	if c.Signing.ReplayStore != ReplayMemory && c.Signing.ReplayStore != ReplaySQLite {
		errs = append(errs, fmt.Sprintf("signing.replay_store must be %q or %q", ReplayMemory, ReplaySQLite))
	}
	if c.Delivery.ChunkSize < 1 {
		errs = append(errs, "delivery.chunk_size must be positive")
	}
	for i, name := range c.Delivery.StaticInboxes {
		if err := protocol.ValidateName("inbox", name); err != nil {
			errs = append(errs, fmt.Sprintf("delivery.static_inboxes[%d]: %v", i, err))
		}
	}
	for name, d := range map[string]Duration{
		"delivery.chunk_delay":           c.Delivery.ChunkDelay,
		"delivery.submit_delay":          c.Delivery.SubmitDelay,
		"delivery.poll_interval":         c.Delivery.PollInterval,
		"delivery.debounce":              c.Delivery.Debounce,
		"delivery.max_age":               c.Delivery.MaxAge,
		"housekeeping.processed_max_age": c.Housekeeping.ProcessedMaxAge,
		"housekeeping.orphan_max_age":    c.Housekeeping.OrphanMaxAge,
		"housekeeping.signal_max_age":    c.Housekeeping.SignalMaxAge,
		"signing.replay_window":          c.Signing.ReplayWindow,
	} {
		if d < 0 {
			errs = append(errs, name+" must not be negative")
		}
	}
	if _, err := delivery.ParseSchedule(c.Housekeeping.Schedule); err != nil {
		errs = append(errs, "housekeeping.schedule: "+err.Error())
	}
	if c.Housekeeping.RetainPerAgent < 0 {
		errs = append(errs, "housekeeping.retain_per_agent must not be negative")
	}
	if c.Activity.MaxRetries < 0 || c.Activity.MaxQueue < 0 || c.Activity.MaxStringLen < 0 || c.Activity.MaxBytes < 0 {
		errs = append(errs, "activity limits must not be negative")
	}
	if c.Sequencer.IntervalSeconds < 1 || c.Pipeline.IntervalSeconds < 1 {
		errs = append(errs, "interval_seconds must be positive")
	}
	if c.Sequencer.MinResumeSeconds < 0 {
		errs = append(errs, "sequencer.min_resume_seconds must not be negative")
	}
	for i, s := range c.Sequencer.Stages {
		if err := protocol.ValidateName("role", s.Role); err != nil {
			errs = append(errs, fmt.Sprintf("sequencer.stages[%d].role: %v", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SequencerStages converts the configured stages.
func (c *Config) SequencerStages() []orchestrator.Stage {
	out := make([]orchestrator.Stage, 0, len(c.Sequencer.Stages))
	for _, s := range c.Sequencer.Stages {
		out = append(out, orchestrator.Stage(s))
	}
	return out
}
