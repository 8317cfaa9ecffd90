package main

import (
	"context"
	"fmt"
	"io"

	"switchboard/pkg/activity"
	"switchboard/pkg/orchestrator"
	"switchboard/pkg/runsheet"

	"github.com/spf13/cobra"
)

// newPlanCmd creates the "sb plan" command group.
func newPlanCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage plan run sheets",
	}
	cmd.AddCommand(
		newPlanCreateCmd(g),
		newPlanListCmd(g),
		newPlanCompleteCmd(g),
		newPlanDeleteCmd(g),
		newPlanEventCmd(g),
		newPlanDispatchCmd(g),
	)
	return cmd
}

func newPlanCreateCmd(g *globalOpts) *cobra.Command {
	var rs runsheet.RunSheet
	var activate bool
	cmd := &cobra.Command{
		Use:   "create <topic>",
		Short: "Create a run sheet for a new plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs.Topic = args[0]
			return withApp(cmd, g, func(a *app) error {
				return runPlanCreate(cmd.Context(), cmd.OutOrStdout(), a, rs, activate)
			})
		},
	}
	cmd.Flags().StringVar(&rs.SessionID, "id", "", "session id (default derived from --source, else random)")
	cmd.Flags().StringVar(&rs.PlanFile, "file", "", "plan file path")
	cmd.Flags().StringVar(&rs.Source, "source", "", "external id the plan mirrors")
	cmd.Flags().BoolVar(&activate, "activate", false, "make the new plan the active session")
	return cmd
}

func runPlanCreate(ctx context.Context, w io.Writer, a *app, rs runsheet.RunSheet, activate bool) error {
	created, err := a.sheets.Create(ctx, rs)
	if err != nil {
		return err
	}
	a.activity.LogEvent(activity.TypePlanManagement, map[string]any{
		"operation": "create",
		"sessionId": created.SessionID,
		"topic":     created.Topic,
	}, "")
	if activate {
		if err := a.ws.SetActiveSession(ctx, created.SessionID); err != nil {
			return err
		}
	}
	fmt.Fprintln(w, created.SessionID)
	return nil
}

func newPlanListCmd(g *globalOpts) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				return runPlanList(cmd.Context(), cmd.OutOrStdout(), a, all)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include completed plans")
	return cmd
}

func runPlanList(ctx context.Context, w io.Writer, a *app, all bool) error {
	list := a.sheets.List
	if all {
		list = a.sheets.All
	}
	sheets, err := list(ctx)
	if err != nil {
		return err
	}
	if len(sheets) == 0 {
		fmt.Fprintln(w, "no plans")
		return nil
	}
	for _, rs := range sheets {
		fmt.Fprintf(w, "%s  %-10s  %s\n", rs.SessionID, planStatus(rs), rs.Title())
	}
	return nil
}

// planStatus is the stage a plan is in, or its next stage.
func planStatus(rs *runsheet.RunSheet) string {
	if rs.Completed {
		return "completed"
	}
	if cur := rs.CurrentStage(); cur != "" {
		return cur
	}
	next, done := orchestrator.NextStage(rs)
	if done {
		return "done"
	}
	return "next:" + next.Role
}

func newPlanCompleteCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <session-id>",
		Short: "Mark a plan completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				rs, err := a.sheets.Complete(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				a.activity.LogEvent(activity.TypePlanManagement, map[string]any{
					"operation": "complete",
					"sessionId": rs.SessionID,
				}, "")
				fmt.Fprintf(cmd.OutOrStdout(), "%s completed at %s\n", rs.SessionID, rs.CompletedAt)
				return nil
			})
		},
	}
}

func newPlanDeleteCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a plan's run sheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				if err := a.sheets.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				a.activity.LogEvent(activity.TypePlanManagement, map[string]any{
					"operation": "delete",
					"sessionId": args[0],
				}, "")
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func newPlanEventCmd(g *globalOpts) *cobra.Command {
	var outcome string
	cmd := &cobra.Command{
		Use:   "event <session-id> <workflow> <start|stop>",
		Short: "Record a workflow event in a plan's run sheet",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := runsheet.EventAction(args[2])
			if action != runsheet.ActionStart && action != runsheet.ActionStop {
				return fmt.Errorf("event: action must be %q or %q", runsheet.ActionStart, runsheet.ActionStop)
			}
			return withApp(cmd, g, func(a *app) error {
				added, err := a.sheets.RecordEvent(cmd.Context(), args[0], args[1], action, outcome)
				if err != nil {
					return err
				}
				if !added {
					fmt.Fprintln(cmd.OutOrStdout(), "unchanged")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[1], action)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "outcome recorded with the event")
	return cmd
}

func newPlanDispatchCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <session-id> <role> [instruction]",
		Short: "Send one plan stage to a role now",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			instruction := ""
			if len(args) == 3 {
				instruction = args[2]
			}
			return withApp(cmd, g, func(a *app) error {
				a.activity.LogEvent(activity.TypeUIAction, map[string]any{
					"action":      "dispatch_role",
					"sessionId":   args[0],
					"role":        args[1],
					"instruction": instruction,
				}, "")
				id, err := a.dispatcher(nil).DispatchRole(cmd.Context(), args[1], args[0], instruction)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
}
