package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"switchboard/pkg/orchestrator"
	"switchboard/pkg/protocol"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// statusReport is the snapshot printed by "sb status".
type statusReport struct {
	Root          string            `yaml:"root"`
	Config        string            `yaml:"config,omitempty"`
	Strict        bool              `yaml:"strict"`
	SigningKey    bool              `yaml:"signing_key"`
	ActiveSession string            `yaml:"active_session,omitempty"`
	Targets       []targetStatus    `yaml:"targets"`
	Inboxes       []inboxStatus     `yaml:"inboxes"`
	Plans         int               `yaml:"open_plans"`
	Schedulers    []schedulerStatus `yaml:"schedulers"`
	Queued        int               `yaml:"queued_directives"`
}

type targetStatus struct {
	Name string `yaml:"name"`
	Pane string `yaml:"pane"`
	Role string `yaml:"role,omitempty"`
}

type inboxStatus struct {
	Recipient string `yaml:"recipient"`
	Pending   int    `yaml:"pending"`
}

type schedulerStatus struct {
	Kind             string `yaml:"kind"`
	Running          bool   `yaml:"running"`
	Paused           bool   `yaml:"paused,omitempty"`
	SessionID        string `yaml:"session_id,omitempty"`
	Stage            string `yaml:"stage,omitempty"`
	SecondsRemaining int    `yaml:"seconds_remaining,omitempty"`
	PendingPlans     int    `yaml:"pending_plans,omitempty"`
	LastError        string `yaml:"last_error,omitempty"`
}

// newStatusCmd creates the "sb status" subcommand.
func newStatusCmd(g *globalOpts) *cobra.Command {
	var asYAML, plain bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show targets, inboxes, plans, and schedulers",
		Long:  "Displays the active session, registered targets, pending messages per\ninbox, open plans, and the last checkpoint of each scheduler.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				rep, err := collectStatus(cmd.Context(), a)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if asYAML {
					data, err := yaml.Marshal(rep)
					if err != nil {
						return fmt.Errorf("status: encode: %w", err)
					}
					_, err = w.Write(data)
					return err
				}
				fmt.Fprintln(w, renderStatus(rep, newStyles(DefaultTheme(), !plain && isTerminal(w))))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print YAML")
	cmd.Flags().BoolVar(&plain, "plain", false, "never use colors")
	return cmd
}

// isTerminal reports whether w is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func collectStatus(ctx context.Context, a *app) (*statusReport, error) {
	rep := &statusReport{
		Root:       a.paths.Home,
		Config:     a.cfgPath,
		Strict:     a.cfg.Signing.StrictMode(),
		SigningKey: len(a.key) > 0,
		Targets:    []targetStatus{},
		Inboxes:    []inboxStatus{},
	}

	st, err := a.ws.Load(ctx)
	if err != nil {
		return nil, err
	}
	rep.ActiveSession = st.ActiveSessionID
	for _, t := range st.TargetList() {
		rep.Targets = append(rep.Targets, targetStatus{Name: t.Name, Pane: t.Pane, Role: t.Role})
	}

	recipients, err := a.mb.Recipients()
	if err != nil {
		return nil, err
	}
	for _, r := range recipients {
		entries, err := a.mb.Poll(ctx, r)
		if err != nil {
			a.logger.Warn("reading inbox failed", "recipient", r, "error", err)
			continue
		}
		rep.Inboxes = append(rep.Inboxes, inboxStatus{Recipient: r, Pending: len(entries)})
	}

	plans, err := a.sheets.List(ctx)
	if err != nil {
		return nil, err
	}
	rep.Plans = len(plans)

	cps := orchestrator.NewCheckpoints(a.paths.Sub(protocol.OrchestratorDir))
	for _, kind := range []protocol.SchedulerKind{protocol.KindSequencer, protocol.KindPipeline} {
		s := schedulerStatus{Kind: string(kind)}
		cp, err := cps.Load(kind)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			a.logger.Warn("reading checkpoint failed", "kind", kind, "error", err)
		default:
			s.Running, s.Paused = cp.Running, cp.Paused
			s.SessionID = cp.SessionID
			s.SecondsRemaining = cp.SecondsRemaining
			s.PendingPlans = cp.PendingCount
			s.LastError = cp.LastError
			if stage, ok := cp.CurrentStage(); ok && kind == protocol.KindSequencer {
				s.Stage = stage.Label
			}
		}
		rep.Schedulers = append(rep.Schedulers, s)
	}

	queued, err := a.control.Pending()
	if err != nil {
		return nil, err
	}
	rep.Queued = len(queued)
	return rep, nil
}

func renderStatus(rep *statusReport, s styles) string {
	sections := []string{s.Title.Render("switchboard " + rep.Root)}

	signing := s.Good.Render("strict")
	if !rep.Strict {
		signing = s.Warn.Render("permissive")
	}
	if !rep.SigningKey {
		signing += " " + s.Bad.Render("(no key)")
	}
	session := rep.ActiveSession
	if session == "" {
		session = s.Dim.Render("(none)")
	}
	sections = append(sections, lipgloss.JoinVertical(lipgloss.Left,
		"Signing: "+signing,
		"Session: "+session,
		fmt.Sprintf("Open plans: %d", rep.Plans),
	))

	lines := []string{s.Section.Render("Targets")}
	if len(rep.Targets) == 0 {
		lines = append(lines, s.Dim.Render("  none registered"))
	}
	for _, t := range rep.Targets {
		line := fmt.Sprintf("  %s -> %s", t.Name, t.Pane)
		if t.Role != "" {
			line += s.Dim.Render(" (" + t.Role + ")")
		}
		lines = append(lines, line)
	}
	sections = append(sections, lipgloss.JoinVertical(lipgloss.Left, lines...))

	lines = []string{s.Section.Render("Inboxes")}
	for _, in := range rep.Inboxes {
		count := s.Dim.Render("0")
		if in.Pending > 0 {
			count = s.Warn.Render(fmt.Sprint(in.Pending))
		}
		lines = append(lines, fmt.Sprintf("  %-16s %s", in.Recipient, count))
	}
	sections = append(sections, lipgloss.JoinVertical(lipgloss.Left, lines...))

	lines = []string{s.Section.Render("Schedulers")}
	for _, sc := range rep.Schedulers {
		lines = append(lines, "  "+renderScheduler(sc, s))
	}
	if rep.Queued > 0 {
		lines = append(lines, s.Warn.Render(fmt.Sprintf("  %d directives queued", rep.Queued)))
	}
	sections = append(sections, lipgloss.JoinVertical(lipgloss.Left, lines...))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderScheduler(sc schedulerStatus, s styles) string {
	var state string
	switch {
	case sc.Running && sc.Paused:
		state = s.Warn.Render("paused")
	case sc.Running:
		state = s.Good.Render("running")
	default:
		state = s.Dim.Render("stopped")
	}
	parts := []string{fmt.Sprintf("%-10s %s", sc.Kind, state)}
	if sc.SessionID != "" {
		parts = append(parts, "session="+sc.SessionID)
	}
	if sc.Stage != "" {
		parts = append(parts, "stage="+sc.Stage)
	}
	if sc.Running {
		parts = append(parts, fmt.Sprintf("next in %ds", sc.SecondsRemaining))
	}
	if sc.PendingPlans > 0 {
		parts = append(parts, fmt.Sprintf("pending=%d", sc.PendingPlans))
	}
	if sc.LastError != "" {
		parts = append(parts, s.Bad.Render("error: "+sc.LastError))
	}
	return strings.Join(parts, "  ")
}
