package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"switchboard/pkg/protocol"

	"github.com/spf13/cobra"
)

// newInboxCmd creates the "sb inbox" command group.
func newInboxCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Read and answer a recipient's delegated tasks",
	}

	var peek bool
	read := &cobra.Command{
		Use:   "read <recipient>",
		Short: "List pending delegate_task messages and mark them delivered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				return runInboxRead(cmd.Context(), cmd.OutOrStdout(), a, args[0], !peek)
			})
		},
	}
	read.Flags().BoolVar(&peek, "peek", false, "do not write delivery receipts")

	var status, summary, errMsg string
	ack := &cobra.Command{
		Use:   "ack <recipient> <message-id>",
		Short: "Record the result of a delegated task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				res := protocol.Result{Status: protocol.ResultStatus(status), Summary: summary, Error: errMsg}
				return runInboxAck(cmd.OutOrStdout(), a, args[0], args[1], res)
			})
		},
	}
	ack.Flags().StringVar(&status, "status", string(protocol.StatusCompleted), "result status")
	ack.Flags().StringVar(&summary, "summary", "", "result summary")
	ack.Flags().StringVar(&errMsg, "error", "", "error detail")

	cmd.AddCommand(read, ack)
	return cmd
}

func runInboxRead(ctx context.Context, w io.Writer, a *app, recipient string, receipt bool) error {
	entries, err := a.mb.Poll(ctx, recipient)
	if err != nil {
		return err
	}
	n := 0
	for _, e := range entries {
		if e.Message.Action != protocol.ActionDelegateTask {
			continue
		}
		n++
		fmt.Fprintf(w, "%s  from %s  %s\n%s\n\n", e.Message.ID, e.Message.Sender, e.Message.CreatedAt, e.Message.Payload)
		if receipt {
			if err := a.mb.MarkDelivered(e.Path, recipient); err != nil {
				a.logger.Warn("writing receipt failed", "path", e.Path, "error", err)
			}
		}
	}
	if n == 0 {
		fmt.Fprintln(w, "no pending tasks")
	}
	return nil
}

func runInboxAck(w io.Writer, a *app, recipient, id string, res protocol.Result) error {
	dir, err := a.mb.Dir(recipient)
	if err != nil {
		return err
	}
	if err := protocol.ValidateName("message id", id); err != nil {
		return err
	}
	p := filepath.Join(dir, protocol.MessagePrefix+id+protocol.MessageSuffix)
	if _, err := a.mb.Read(p); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	if err := a.mb.Ack(p, res); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	fmt.Fprintf(w, "%s %s\n", id, res.Status)
	return nil
}

