package main

import (
	"os"
	"path/filepath"

	"switchboard/pkg/protocol"
)

// Paths holds the resolved locations of switchboard state.
// Use ResolvePaths to populate it with defaults and env overrides.
type Paths struct {
	Home         string // ./.switchboard or SWITCHBOARD_HOME
	KeyPath      string // signing.key or SWITCHBOARD_KEY_FILE
	NonceDBPath  string // nonces.db or SWITCHBOARD_NONCE_DB
	ActivityPath string // sessions/activity.jsonl or SWITCHBOARD_ACTIVITY_LOG
	StatePath    string // state.json
}

// ResolvePaths returns every switchboard path. A non-empty root wins over
// SWITCHBOARD_HOME, which wins over ./.switchboard. The specific variables
// override both the default and the home base:
//   - SWITCHBOARD_KEY_FILE: signing key (default: $HOME/signing.key)
//   - SWITCHBOARD_NONCE_DB: replay cache (default: $HOME/nonces.db)
//   - SWITCHBOARD_ACTIVITY_LOG: activity log (default: $HOME/sessions/activity.jsonl)
func ResolvePaths(root string) *Paths {
	home := resolveHome(root)
	return &Paths{
		Home:         home,
		KeyPath:      resolvePathWithEnv("SWITCHBOARD_KEY_FILE", home, protocol.KeyFile),
		NonceDBPath:  resolvePathWithEnv("SWITCHBOARD_NONCE_DB", home, protocol.NonceDB),
		ActivityPath: resolvePathWithEnv("SWITCHBOARD_ACTIVITY_LOG", home, filepath.Join(protocol.SessionsDir, protocol.ActivityFile)),
		StatePath:    filepath.Join(home, protocol.StateFile),
	}
}

func resolveHome(root string) string {
	if root != "" {
		return root
	}
	if v := os.Getenv("SWITCHBOARD_HOME"); v != "" {
		return v
	}
	return protocol.RootDir
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}

// Sub returns a directory inside the coordination root.
func (p *Paths) Sub(name string) string { return filepath.Join(p.Home, name) }
