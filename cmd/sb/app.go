package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"switchboard/pkg/activity"
	"switchboard/pkg/config"
	"switchboard/pkg/dispatch"
	"switchboard/pkg/mailbox"
	"switchboard/pkg/orchestrator"
	"switchboard/pkg/protocol"
	"switchboard/pkg/runsheet"
	"switchboard/pkg/signals"
	"switchboard/pkg/signing"
	"switchboard/pkg/suppress"
	"switchboard/pkg/workspace"
)

// globalOpts are the persistent root flags.
type globalOpts struct {
	root    string
	verbose bool
}

// app bundles the stores every command works against. Close flushes the
// activity log and stops the workspace writer.
type app struct {
	paths    *Paths
	cfg      *config.Config
	cfgPath  string
	logger   *slog.Logger
	suppress *suppress.Set
	ws       *workspace.Store
	mb       *mailbox.Mailbox
	sheets   *runsheet.Store
	activity *activity.Log
	signals  *signals.Board
	control  *orchestrator.Control
	key      []byte
	keyPath  string
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func openApp(g *globalOpts, stderr io.Writer) (*app, error) {
	paths := ResolvePaths(g.root)
	logger := newLogger(stderr, g.verbose)

	cfg, cfgPath, err := config.LoadDir(paths.Home)
	if err != nil {
		return nil, err
	}
	if cfgPath != "" {
		logger.Debug("config loaded", "path", cfgPath)
	}

	keyPath := paths.KeyPath
	if cfg.Signing.KeyFile != "" {
		keyPath = cfg.Signing.KeyFile
		if !filepath.IsAbs(keyPath) {
			keyPath = filepath.Join(paths.Home, keyPath)
		}
	}
	key, err := signing.LoadKey(keyPath)
	if err != nil {
		return nil, err
	}

	log, err := activity.Open(activity.Config{
		Path:         paths.ActivityPath,
		MaxBytes:     cfg.Activity.MaxBytes,
		MaxRetries:   cfg.Activity.MaxRetries,
		MaxStringLen: cfg.Activity.MaxStringLen,
		MaxQueue:     cfg.Activity.MaxQueue,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open activity log: %w", err)
	}

	set := suppress.New(0)
	return &app{
		paths:    paths,
		cfg:      cfg,
		cfgPath:  cfgPath,
		logger:   logger,
		suppress: set,
		ws:       workspace.Open(paths.StatePath, workspace.WithLogger(logger)),
		mb:       mailbox.New(paths.Home, mailbox.WithSuppress(set), mailbox.WithLogger(logger)),
		sheets:   runsheet.NewStore(paths.Sub(protocol.SessionsDir), runsheet.WithSuppress(set), runsheet.WithLogger(logger)),
		activity: log,
		signals:  signals.New(paths.Sub(protocol.SignalsDir)),
		control:  orchestrator.NewControl(paths.Sub(protocol.ControlDir), logger),
		key:      key,
		keyPath:  keyPath,
	}, nil
}

// Close flushes the activity log and releases the workspace store.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.activity.Flush(ctx); err != nil {
		a.logger.Warn("activity flush failed", "error", err)
	}
	if err := a.activity.Close(); err != nil {
		a.logger.Warn("activity close failed", "error", err)
	}
	a.ws.Close()
}

func (a *app) signer() *signing.Signer {
	return &signing.Signer{Key: a.key, Strict: a.cfg.Signing.StrictMode()}
}

// dispatcher builds a Dispatcher. nudge may be nil.
func (a *app) dispatcher(nudge func(context.Context, string)) *dispatch.Dispatcher {
	opts := []dispatch.Option{
		dispatch.WithSessions(a.ws),
		dispatch.WithRunSheets(a.sheets),
		dispatch.WithActivity(a.activity),
		dispatch.WithLogger(a.logger),
	}
	if nudge != nil {
		opts = append(opts, dispatch.WithNudge(nudge))
	}
	return dispatch.New(a.mb, a.signer(), opts...)
}

// schedulerConfig is the orchestrator config for one scheduler kind.
func (a *app) schedulerConfig(kind protocol.SchedulerKind) orchestrator.Config {
	cfg := orchestrator.Config{
		MinResumeSeconds: a.cfg.Sequencer.MinResumeSeconds,
		Stages:           a.cfg.SequencerStages(),
		Signals:          a.signals,
		Checkpoints:      orchestrator.NewCheckpoints(a.paths.Sub(protocol.OrchestratorDir)),
		Activity:         a.activity,
		Logger:           a.logger,
	}
	cfg.IntervalSeconds = a.cfg.Sequencer.IntervalSeconds
	if kind == protocol.KindPipeline {
		cfg.IntervalSeconds = a.cfg.Pipeline.IntervalSeconds
	}
	return cfg
}

// coordinator wires both schedulers to d.
func (a *app) coordinator(d *dispatch.Dispatcher) *orchestrator.Coordinator {
	seq := orchestrator.NewSequencer(d, a.sheets, a.schedulerConfig(protocol.KindSequencer))
	pipe := orchestrator.NewPipeline(d, a.sheets, a.schedulerConfig(protocol.KindPipeline))
	return orchestrator.NewCoordinator(seq, pipe, a.control, a.logger)
}
