package main

import (
	"fmt"
	"io"
	"time"

	"switchboard/pkg/protocol"

	"github.com/spf13/cobra"
)

// newSchedulerCmd creates a command group that queues directives for one
// scheduler. A running "sb serve" applies them.
func newSchedulerCmd(g *globalOpts, use, short string, kind protocol.SchedulerKind) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long:  short + ".\nDirectives are queued in the control directory and applied by \"sb serve\".",
	}

	var interval time.Duration
	startUse := "start"
	startArgs := cobra.NoArgs
	if kind == protocol.KindSequencer {
		startUse = "start <session-id>"
		startArgs = cobra.ExactArgs(1)
	}
	start := &cobra.Command{
		Use:   startUse,
		Short: "Start the " + string(kind) + "; the other scheduler is stopped",
		Args:  startArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := protocol.Command{
				Scheduler:       kind,
				Directive:       protocol.DirectiveStart,
				IntervalSeconds: int(interval / time.Second),
			}
			if len(args) == 1 {
				c.SessionID = args[0]
			}
			return withApp(cmd, g, func(a *app) error { return submitDirective(cmd.OutOrStdout(), a, c) })
		},
	}
	start.Flags().DurationVar(&interval, "interval", 0, "countdown between stages (default from config)")
	cmd.AddCommand(start)

	for _, d := range []struct {
		directive protocol.Directive
		short     string
	}{
		{protocol.DirectiveAdvance, "Dispatch the next stage now"},
		{protocol.DirectivePause, "Freeze the countdown"},
		{protocol.DirectiveUnpause, "Resume the countdown"},
		{protocol.DirectiveStop, "Stop and clear the countdown"},
	} {
		directive := d.directive
		cmd.AddCommand(&cobra.Command{
			Use:   string(directive),
			Short: d.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				c := protocol.Command{Scheduler: kind, Directive: directive}
				return withApp(cmd, g, func(a *app) error { return submitDirective(cmd.OutOrStdout(), a, c) })
			},
		})
	}
	return cmd
}

func submitDirective(w io.Writer, a *app, c protocol.Command) error {
	queued, err := a.control.Submit(c)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "queued %s %s (%s)\n", queued.Scheduler, queued.Directive, queued.ID)
	return nil
}
