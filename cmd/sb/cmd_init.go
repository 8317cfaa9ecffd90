package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"switchboard/pkg/config"
	"switchboard/pkg/protocol"
	"switchboard/pkg/signing"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newInitCmd creates the "sb init" subcommand.
func newInitCmd(g *globalOpts) *cobra.Command {
	var noKey bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the coordination root",
		Long:  "Creates the coordination directories and static inboxes, generates a\nsigning key, and writes a config.yaml with the defaults. Existing files\nare left alone.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				return runInit(cmd.OutOrStdout(), a, !noKey)
			})
		},
	}
	cmd.Flags().BoolVar(&noKey, "no-key", false, "skip signing key generation")
	return cmd
}

func runInit(w io.Writer, a *app, withKey bool) error {
	dirs := []string{
		a.paths.Home,
		a.mb.InboxRoot(),
		a.mb.ArchiveRoot(),
		a.paths.Sub(protocol.SessionsDir),
		a.paths.Sub(protocol.OrchestratorDir),
		a.paths.Sub(protocol.ControlDir),
		a.paths.Sub(protocol.SignalsDir),
	}
	for _, name := range a.cfg.Delivery.StaticInboxes {
		dirs = append(dirs, filepath.Join(a.mb.InboxRoot(), name))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	fmt.Fprintf(w, "root: %s\n", a.paths.Home)

	if withKey {
		if len(a.key) > 0 {
			fmt.Fprintln(w, "signing key: present")
		} else {
			key, err := signing.GenerateKey()
			if err != nil {
				return err
			}
			if err := signing.WriteKey(a.keyPath, key); err != nil {
				return fmt.Errorf("init: write key: %w", err)
			}
			fmt.Fprintf(w, "signing key: %s\n", a.keyPath)
		}
	}

	if a.cfgPath != "" {
		fmt.Fprintf(w, "config: %s (kept)\n", a.cfgPath)
		return nil
	}
	p := filepath.Join(a.paths.Home, config.FileNames[0])
	if err := writeDefaultConfig(p); err != nil {
		return err
	}
	fmt.Fprintf(w, "config: %s\n", p)
	return nil
}

func writeDefaultConfig(path string) error {
	cfg := config.Default()
	strict := cfg.Signing.StrictMode()
	cfg.Signing.Strict = &strict
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("init: encode config: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("init: create config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("init: write config: %w", err)
	}
	return f.Close()
}

// newKeygenCmd creates the "sb keygen" subcommand.
func newKeygenCmd(g *globalOpts) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the shared signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(a *app) error {
				if _, err := os.Stat(a.keyPath); err == nil && !force {
					return fmt.Errorf("keygen: %s exists (use --force to replace it)", a.keyPath)
				}
				key, err := signing.GenerateKey()
				if err != nil {
					return err
				}
				if err := os.MkdirAll(filepath.Dir(a.keyPath), 0o755); err != nil {
					return fmt.Errorf("keygen: %w", err)
				}
				if err := signing.WriteKey(a.keyPath, key); err != nil {
					return fmt.Errorf("keygen: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", a.keyPath)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing key")
	return cmd
}
