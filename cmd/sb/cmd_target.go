package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"switchboard/pkg/workspace"

	"github.com/spf13/cobra"
)

// newTargetCmd creates the "sb target" command group.
func newTargetCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Register the panes dispatches are delivered to",
	}

	var t workspace.Target
	add := &cobra.Command{
		Use:   "add <name> <pane>",
		Short: "Register or update an execution target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t.Name, t.Pane = args[0], args[1]
			return withApp(cmd, g, func(a *app) error {
				if err := a.ws.RegisterTarget(cmd.Context(), t); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "registered %s -> %s\n", t.Name, t.Pane)
				return nil
			})
		},
	}
	add.Flags().StringVar(&t.Role, "role", "", "role served by the target")
	add.Flags().StringSliceVar(&t.Aliases, "alias", nil, "extra names the target answers to")
	add.Flags().BoolVar(&t.RequiresConfirm, "confirm", false, "send a second Enter after each injection")

	rm := &cobra.Command{
		Use:     "rm <name>",
		Aliases: []string{"remove"},
		Short:   "Unregister a target",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				if err := a.ws.RemoveTarget(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			})
		},
	}

	ls := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List registered targets, earliest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				targets, err := a.ws.Targets(cmd.Context())
				if err != nil {
					return err
				}
				if len(targets) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no targets")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tPANE\tROLE\tALIASES\tREGISTERED")
				for _, t := range targets {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.Name, t.Pane, t.Role, strings.Join(t.Aliases, ","), t.RegisteredAt)
				}
				return tw.Flush()
			})
		},
	}

	cmd.AddCommand(add, rm, ls)
	return cmd
}

// newSessionCmd creates the "sb session" command group.
func newSessionCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Show or change the active session",
	}
	set := &cobra.Command{
		Use:   "set <session-id>",
		Short: "Make a session active; execute dispatches must carry its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				if err := a.ws.SetActiveSession(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "active session: %s\n", args[0])
				return nil
			})
		},
	}
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear the active session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				return a.ws.SetActiveSession(cmd.Context(), "")
			})
		},
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the active session id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				id, err := a.ws.ActiveSession(cmd.Context())
				if err != nil {
					return err
				}
				if id == "" {
					id = "(none)"
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.AddCommand(set, clearCmd, show)
	return cmd
}
