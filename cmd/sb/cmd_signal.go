package main

import (
	"encoding/json"
	"fmt"
	"time"

	"switchboard/pkg/signals"

	"github.com/spf13/cobra"
)

// newSignalCmd creates the "sb signal" command group.
func newSignalCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Raise or wait for one-shot signals",
	}

	var payload map[string]string
	var done []string
	raise := &cobra.Command{
		Use:   "raise [name]",
		Short: "Raise a signal",
		Long:  "Raises the named signal. With --done <session>,<role> it raises the\nstage-done signal the sequencer waits on instead.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			switch {
			case len(done) != 0 && len(done) != 2:
				return fmt.Errorf("signal: --done wants <session>,<role>")
			case len(done) == 2:
				name = signals.StageDone(done[0], done[1])
			case len(args) == 1:
				name = args[0]
			default:
				return fmt.Errorf("signal: name or --done <session>,<role> required")
			}
			p := make(map[string]any, len(payload))
			for k, v := range payload {
				p[k] = v
			}
			return withApp(cmd, g, func(a *app) error {
				if err := a.signals.Raise(name, p); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "raised %s\n", name)
				return nil
			})
		},
	}
	raise.Flags().StringToStringVar(&payload, "data", nil, "payload key=value pairs")
	raise.Flags().StringSliceVar(&done, "done", nil, "session,role whose stage finished")

	var timeout time.Duration
	wait := &cobra.Command{
		Use:   "wait <name>",
		Short: "Block until a signal is raised, then consume it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				sig, err := a.signals.Await(cmd.Context(), args[0], timeout)
				if err != nil {
					return err
				}
				data, err := json.Marshal(sig)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			})
		},
	}
	wait.Flags().DurationVar(&timeout, "timeout", signals.DefaultTimeout, "give up after this long")

	cmd.AddCommand(raise, wait)
	return cmd
}
