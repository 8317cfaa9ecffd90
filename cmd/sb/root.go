package main

import (
	"fmt"

	"switchboard/internal/version"
	"switchboard/pkg/protocol"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root sb command with all subcommands attached.
func newRootCmd() *cobra.Command {
	g := &globalOpts{}
	cmd := &cobra.Command{
		Use:           "sb",
		Short:         "Switchboard agent coordination",
		Long:          "sb sends signed dispatches between agents, delivers them into live\nterminal panes, and sequences plan stages across roles.",
		Version:       fmt.Sprintf("sb %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVar(&g.root, "root", "", "coordination root (default $SWITCHBOARD_HOME or ./.switchboard)")
	cmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "debug logging on stderr")

	cmd.AddCommand(
		newInitCmd(g),
		newKeygenCmd(g),
		newSendCmd(g),
		newServeCmd(g),
		newSchedulerCmd(g, "seq", "Control the stage sequencer", protocol.KindSequencer),
		newSchedulerCmd(g, "pipeline", "Control the plan pipeline", protocol.KindPipeline),
		newPlanCmd(g),
		newTargetCmd(g),
		newSessionCmd(g),
		newInboxCmd(g),
		newSignalCmd(g),
		newActivityCmd(g),
		newHousekeepCmd(g),
		newStatusCmd(g),
		newVersionCmd(),
	)

	return cmd
}

// withApp opens the app for cmd, runs fn, and closes it.
func withApp(cmd *cobra.Command, g *globalOpts, fn func(a *app) error) error {
	a, err := openApp(g, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "sb %s\n", version.Full())
			return nil
		},
	}
}
