package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"switchboard/pkg/config"
	"switchboard/pkg/delivery"
	"switchboard/pkg/protocol"
	"switchboard/pkg/signing"
	"switchboard/pkg/terminal"

	"github.com/spf13/cobra"
)

type serveOpts struct {
	once         bool
	noSchedulers bool
}

// newServeCmd creates the "sb serve" subcommand.
func newServeCmd(g *globalOpts) *cobra.Command {
	o := &serveOpts{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the delivery engine and the schedulers",
		Long:  "Watches every inbox and injects execute dispatches into live tmux panes,\nsweeps the inboxes on the housekeeping schedule, restores the scheduler\nthat was running before a restart, and applies directives queued by\n\"sb seq\" and \"sb pipeline\". Only one serve process per root drives the\nschedulers; the others deliver messages and take over if it exits.\nRuns until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				return runServe(cmd.Context(), cmd.OutOrStdout(), a, o)
			})
		},
	}
	cmd.Flags().BoolVar(&o.once, "once", false, "deliver and sweep once, then exit")
	cmd.Flags().BoolVar(&o.noSchedulers, "no-schedulers", false, "deliver only; ignore scheduler checkpoints and directives")
	return cmd
}

// nonceCache opens the replay cache selected by the config. The returned
// close func is never nil.
func nonceCache(a *app) (signing.NonceCache, func(), error) {
	window := a.cfg.Signing.ReplayWindow.D()
	if a.cfg.Signing.ReplayStore == config.ReplayMemory {
		return signing.NewMemoryNonces(window), func() {}, nil
	}
	db, err := signing.OpenSQLiteNonces(a.paths.NonceDBPath, window)
	if err != nil {
		return nil, nil, err
	}
	return db, func() {
		if err := db.Close(); err != nil {
			a.logger.Warn("closing nonce cache failed", "error", err)
		}
	}, nil
}

func newEngine(a *app, tmux *terminal.Tmux, nonces signing.NonceCache) (*delivery.Engine, error) {
	strict := a.cfg.Signing.StrictMode()
	h := a.cfg.Housekeeping
	return delivery.New(delivery.Deps{
		Mailbox:  a.mb,
		Verifier: &signing.Verifier{Key: a.key, Nonces: nonces},
		Sessions: a.ws,
		Targets:  a.ws,
		Panes:    tmux,
		Injector: tmux,
		Activity: a.activity,
		Suppress: a.suppress,
		Logger:   a.logger,
	}, delivery.Config{
		Strict:               strict,
		RequireActiveSession: a.cfg.Signing.RequireActiveSession,
		MaxAge:               a.cfg.Delivery.MaxAge.D(),
		PollInterval:         a.cfg.Delivery.PollInterval.D(),
		Debounce:             a.cfg.Delivery.Debounce.D(),
		Schedule:             h.Schedule,
		Housekeeping: delivery.HousekeepingConfig{
			RetainPerAgent:  h.RetainPerAgent,
			ProcessedMaxAge: h.ProcessedMaxAge.D(),
			OrphanMaxAge:    h.OrphanMaxAge.D(),
			SignalMaxAge:    h.SignalMaxAge.D(),
			MaxLogBytes:     h.MaxLogBytes,
			StaticInboxes:   a.cfg.Delivery.StaticInboxes,
		},
	})
}

func newTmux(cfg *config.Config) *terminal.Tmux {
	t := terminal.NewTmux()
	t.ChunkSize = cfg.Delivery.ChunkSize
	t.ChunkDelay = cfg.Delivery.ChunkDelay.D()
	t.SubmitDelay = cfg.Delivery.SubmitDelay.D()
	return t
}

func runServe(ctx context.Context, w io.Writer, a *app, o *serveOpts) error {
	if a.cfg.Signing.StrictMode() && len(a.key) == 0 {
		a.logger.Warn("strict mode without a signing key; every execute dispatch will be rejected", "key_file", a.keyPath)
	}
	nonces, closeNonces, err := nonceCache(a)
	if err != nil {
		return err
	}
	defer closeNonces()

	engine, err := newEngine(a, newTmux(a.cfg), nonces)
	if err != nil {
		return err
	}

	if o.once {
		scan := engine.Scan(ctx)
		sweep := engine.Sweep(ctx)
		fmt.Fprintf(w, "executed %d, rejected %d, failed %d, unresolved %d; archived %d\n",
			scan[delivery.OutcomeExecuted], scan[delivery.OutcomeRejected], scan[delivery.OutcomeFailed],
			scan[delivery.OutcomeUnresolved], sweep.ArchivedProcessed+sweep.ArchivedOrphans+sweep.ArchivedClaims)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		once sync.Once
		werr error
	)
	fail := func(err error) {
		if err == nil {
			return
		}
		once.Do(func() { werr = err })
		cancel()
	}

	if !o.noSchedulers {
		var nudges sync.WaitGroup
		defer nudges.Wait()
		d := a.dispatcher(func(ctx context.Context, path string) {
			nudges.Add(1)
			go func() {
				defer nudges.Done()
				engine.ProcessFile(ctx, path)
			}()
		})
		coord := a.coordinator(d)
		lockPath := filepath.Join(a.paths.Sub(protocol.OrchestratorDir), protocol.OwnerLockFile)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(coord.Own(ctx, lockPath, 0))
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		fail(engine.Run(ctx))
	}()

	a.logger.Info("serving", "root", a.paths.Home, "strict", a.cfg.Signing.StrictMode())
	wg.Wait()
	return werr
}
