package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"switchboard/pkg/dispatch"
	"switchboard/pkg/protocol"

	"github.com/spf13/cobra"
)

type sendOpts struct {
	action  string
	from    string
	persona string
	meta    map[string]string
}

// newSendCmd creates the "sb send" subcommand.
func newSendCmd(g *globalOpts) *cobra.Command {
	o := &sendOpts{}
	cmd := &cobra.Command{
		Use:   "send <recipient> [payload...]",
		Short: "Write a signed dispatch into a recipient's inbox",
		Long:  "Sends a dispatch to recipient. The payload is the remaining arguments\njoined by spaces, or stdin when none are given. Execute dispatches are\ninjected into the recipient's pane by a running \"sb serve\"; delegate_task\ndispatches wait for the recipient to read its inbox.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := strings.Join(args[1:], " ")
			if len(args) == 1 {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("send: read stdin: %w", err)
				}
				payload = strings.TrimRight(string(data), "\n")
			}
			return withApp(cmd, g, func(a *app) error {
				return runSend(cmd.Context(), cmd.OutOrStdout(), a, args[0], payload, o)
			})
		},
	}
	cmd.Flags().StringVarP(&o.action, "action", "a", string(protocol.ActionExecute), "execute or delegate_task")
	cmd.Flags().StringVar(&o.from, "from", dispatch.DefaultSender, "sender name")
	cmd.Flags().StringVar(&o.persona, "persona", "", "route to the pane serving this role")
	cmd.Flags().StringToStringVar(&o.meta, "meta", nil, "extra metadata key=value pairs")
	return cmd
}

func runSend(ctx context.Context, w io.Writer, a *app, recipient, payload string, o *sendOpts) error {
	if strings.TrimSpace(payload) == "" {
		return fmt.Errorf("send: empty payload")
	}
	meta := map[string]any{}
	for k, v := range o.meta {
		meta[k] = v
	}
	if o.persona != "" {
		meta["phase_gate"] = map[string]any{"enforce_persona": o.persona}
	}
	if len(meta) == 0 {
		meta = nil
	}
	id, err := a.dispatcher(nil).Dispatch(ctx, dispatch.Request{
		Action:    protocol.Action(o.action),
		Sender:    o.from,
		Recipient: recipient,
		Payload:   payload,
		Metadata:  meta,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(w, id)
	return nil
}
