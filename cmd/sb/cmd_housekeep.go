package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newHousekeepCmd creates the "sb housekeep" subcommand.
func newHousekeepCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "housekeep",
		Short: "Run one housekeeping sweep",
		Long:  "Archives processed, orphaned, and stale claimed messages, prunes inboxes\nof unknown agents, rotates oversized logs, and expires old signals.\nRunning it twice in a row changes nothing the second time.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				engine, err := newEngine(a, newTmux(a.cfg), nil)
				if err != nil {
					return err
				}
				rep := engine.Sweep(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(),
					"archived %d processed, %d orphans, %d stale claims; pruned %d inboxes; rotated %d logs; expired %d signals; %d errors\n",
					rep.ArchivedProcessed, rep.ArchivedOrphans, rep.ArchivedClaims, rep.PrunedDirs, rep.RotatedLogs, rep.DeletedSignals, rep.Errors)
				return nil
			})
		},
	}
}
