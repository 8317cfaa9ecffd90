package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"switchboard/pkg/activity"

	"github.com/spf13/cobra"
)

// newActivityCmd creates the "sb activity" command group.
func newActivityCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Inspect the activity log",
	}

	var n int
	var typ string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				events, err := readActivity(cmd.Context(), a)
				if err != nil {
					return err
				}
				return runActivityTail(cmd.OutOrStdout(), events, typ, n)
			})
		},
	}
	tail.Flags().IntVarP(&n, "lines", "n", 20, "number of events")
	tail.Flags().StringVar(&typ, "type", "", "only events of this type")

	var window time.Duration
	var asJSON bool
	summary := &cobra.Command{
		Use:   "summary",
		Short: "Print events with UI actions paired to the dispatches they caused",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				events, err := readActivity(cmd.Context(), a)
				if err != nil {
					return err
				}
				return runActivitySummary(cmd.OutOrStdout(), activity.Summarize(events, window), asJSON)
			})
		},
	}
	summary.Flags().DurationVar(&window, "window", activity.DefaultPairWindow, "max gap between a UI action and its dispatch")
	summary.Flags().BoolVar(&asJSON, "json", false, "print JSON lines")

	cmd.AddCommand(tail, summary)
	return cmd
}

// readActivity flushes this process's pending events and reads the log.
func readActivity(ctx context.Context, a *app) ([]activity.Event, error) {
	if err := a.activity.Flush(ctx); err != nil {
		return nil, err
	}
	return activity.ReadEvents(a.activity.Path())
}

func runActivityTail(w io.Writer, events []activity.Event, typ string, n int) error {
	var out []activity.Event
	for _, ev := range events {
		if typ == "" || ev.Type == typ {
			out = append(out, ev)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	for _, ev := range out {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s  %-18s  %s\n", ev.Timestamp, ev.Type, payload)
	}
	return nil
}

func runActivitySummary(w io.Writer, rows []activity.Summary, asJSON bool) error {
	for _, row := range rows {
		if asJSON {
			data, err := json.Marshal(row)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, string(data))
			continue
		}
		line := fmt.Sprintf("%s  %-18s", row.Timestamp, row.Type)
		if v := row.Field("action"); v != "" {
			line += "  " + v
		}
		if v := row.Field("sessionId"); v != "" {
			line += "  session=" + v
		}
		if v := row.Field("role"); v != "" {
			line += "  role=" + v
		}
		if row.Dispatch != nil {
			line += "  -> " + row.Dispatch.Field("messageId")
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
