package delivery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"switchboard/pkg/activity"
	"switchboard/pkg/mailbox"
	"switchboard/pkg/protocol"
)

// HousekeepingConfig bounds what a sweep keeps.
type HousekeepingConfig struct {
	RetainPerAgent  int
	ProcessedMaxAge time.Duration
	OrphanMaxAge    time.Duration
	SignalMaxAge    time.Duration
	MaxLogBytes     int64
	StaticInboxes   []string // never treated as unknown and never pruned
}

// Housekeeping defaults.
const (
	DefaultRetainPerAgent  = 20
	DefaultProcessedMaxAge = 24 * time.Hour
	DefaultOrphanMaxAge    = time.Hour
	DefaultSignalMaxAge    = 24 * time.Hour
	DefaultMaxLogBytes     = 10 << 20
)

// DefaultStaticInboxes are the role inboxes plus the system inbox.
var DefaultStaticInboxes = []string{
	protocol.RolePlanner, protocol.RoleLead, protocol.RoleReviewer, protocol.RoleCoder, "system",
}

func (c HousekeepingConfig) withDefaults() HousekeepingConfig {
	if c.RetainPerAgent <= 0 {
		c.RetainPerAgent = DefaultRetainPerAgent
	}
	if c.ProcessedMaxAge <= 0 {
		c.ProcessedMaxAge = DefaultProcessedMaxAge
	}
	if c.OrphanMaxAge <= 0 {
		c.OrphanMaxAge = DefaultOrphanMaxAge
	}
	if c.SignalMaxAge <= 0 {
		c.SignalMaxAge = DefaultSignalMaxAge
	}
	if c.MaxLogBytes <= 0 {
		c.MaxLogBytes = DefaultMaxLogBytes
	}
	if c.StaticInboxes == nil {
		c.StaticInboxes = DefaultStaticInboxes
	}
	return c
}

// SweepReport counts what one sweep changed.
type SweepReport struct {
	ArchivedProcessed int `json:"archivedProcessed"`
	ArchivedOrphans   int `json:"archivedOrphans"`
	ArchivedClaims    int `json:"archivedClaims"`
	PrunedDirs        int `json:"prunedDirs"`
	RotatedLogs       int `json:"rotatedLogs"`
	DeletedSignals    int `json:"deletedSignals"`
	Errors            int `json:"errors"`
}

// Changed reports whether the sweep touched anything.
func (r SweepReport) Changed() bool {
	return r.ArchivedProcessed+r.ArchivedOrphans+r.ArchivedClaims+r.PrunedDirs+r.RotatedLogs+r.DeletedSignals > 0
}

type inboxFile struct {
	path    string
	modTime time.Time
}

// Sweep archives old processed and orphaned messages, prunes empty inboxes,
// rotates oversized logs, and deletes stale signal files. Per-file failures
// are logged and counted; the sweep always runs to the end. Running it twice
// with no new activity changes nothing the second time.
func (e *Engine) Sweep(ctx context.Context) SweepReport {
	var rep SweepReport
	cfg := e.cfg.Housekeeping
	now := e.nowFunc()

	known := e.knownAgents(ctx)
	recipients, err := e.mb.Recipients()
	if err != nil {
		e.logger.Warn("housekeeping: listing inboxes failed", "error", err)
		rep.Errors++
	}

	for _, r := range recipients {
		if ctx.Err() != nil {
			return rep
		}
		dir := filepath.Join(e.mb.InboxRoot(), r)
		entries, err := os.ReadDir(dir)
		if err != nil {
			e.logger.Warn("housekeeping: reading inbox failed", "recipient", r, "error", err)
			rep.Errors++
			continue
		}

		var processed []inboxFile
		isKnown := known[protocol.NormalizeName(r)]
		for _, ent := range entries {
			name := ent.Name()
			p := filepath.Join(dir, name)
			info, err := ent.Info()
			if err != nil {
				continue
			}
			age := now.Sub(info.ModTime())
			switch {
			case strings.HasPrefix(name, claimPrefix):
				if age > cfg.OrphanMaxAge {
					e.archive(r, p, &rep.ArchivedClaims, &rep)
				}
			case !mailbox.IsMessageFile(name):
			case mailbox.Processed(p):
				processed = append(processed, inboxFile{path: p, modTime: info.ModTime()})
			case !isKnown && age > cfg.OrphanMaxAge:
				e.archive(r, p, &rep.ArchivedOrphans, &rep)
			}
		}

		// Newest first; everything past the retention count that is also
		// old enough goes to the archive with its sidecars.
		sort.Slice(processed, func(i, j int) bool { return processed[i].modTime.After(processed[j].modTime) })
		for i, f := range processed {
			if i < cfg.RetainPerAgent || now.Sub(f.modTime) <= cfg.ProcessedMaxAge {
				continue
			}
			e.archive(r, f.path, &rep.ArchivedProcessed, &rep)
		}

		if !e.isStatic(r) {
			if err := os.Remove(dir); err == nil {
				rep.PrunedDirs++
			}
		}
	}

	e.rotateLogs(now, &rep)
	e.expireSignals(now, &rep)

	if rep.Changed() {
		e.logger.Info("housekeeping sweep", "archived_processed", rep.ArchivedProcessed,
			"archived_orphans", rep.ArchivedOrphans, "pruned_dirs", rep.PrunedDirs,
			"rotated_logs", rep.RotatedLogs, "deleted_signals", rep.DeletedSignals, "errors", rep.Errors)
		e.logActivity(activity.TypeHousekeeping, map[string]any{
			"archivedProcessed": rep.ArchivedProcessed,
			"archivedOrphans":   rep.ArchivedOrphans,
			"archivedClaims":    rep.ArchivedClaims,
			"prunedDirs":        rep.PrunedDirs,
			"rotatedLogs":       rep.RotatedLogs,
			"deletedSignals":    rep.DeletedSignals,
		}, "")
	}
	return rep
}

// knownAgents returns normalized names of every registered target, alias,
// live pane, and static inbox.
func (e *Engine) knownAgents(ctx context.Context) map[string]bool {
	known := make(map[string]bool)
	for _, s := range e.cfg.Housekeeping.StaticInboxes {
		known[protocol.NormalizeName(s)] = true
	}
	snap, err := e.resolver.snapshot(ctx)
	if err != nil {
		e.logger.Warn("housekeeping: listing targets failed", "error", err)
		return known
	}
	for _, t := range snap.targets {
		known[protocol.NormalizeName(t.Name)] = true
		for _, a := range t.Aliases {
			known[protocol.NormalizeName(a)] = true
		}
		if t.Role != "" {
			known[protocol.NormalizeName(t.Role)] = true
		}
	}
	for _, p := range snap.panes {
		for _, n := range p.Names() {
			known[protocol.NormalizeName(n)] = true
		}
	}
	return known
}

func (e *Engine) isStatic(recipient string) bool {
	n := protocol.NormalizeName(recipient)
	for _, s := range e.cfg.Housekeeping.StaticInboxes {
		if protocol.NormalizeName(s) == n {
			return true
		}
	}
	return false
}

// archive moves a message and its sidecars to <root>/archive/<recipient>/.
func (e *Engine) archive(recipient, p string, counter *int, rep *SweepReport) {
	dst := filepath.Join(e.mb.ArchiveRoot(), recipient)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		e.logger.Warn("housekeeping: creating archive dir failed", "error", err)
		rep.Errors++
		return
	}
	moved := false
	for _, src := range []string{p, mailbox.ResultPath(p), mailbox.ReceiptPath(p), mailbox.AcceptedPath(p)} {
		if strings.HasPrefix(filepath.Base(src), claimPrefix) && src != p {
			continue
		}
		err := os.Rename(src, uniquePath(filepath.Join(dst, filepath.Base(src))))
		switch {
		case err == nil:
			if src == p {
				moved = true
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			e.logger.Warn("housekeeping: archiving failed", "path", src, "error", err)
			rep.Errors++
		}
	}
	if moved {
		*counter++
	}
}

// uniquePath appends a counter when p already exists.
func uniquePath(p string) string {
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		return p
	}
	ext := filepath.Ext(p)
	stem := strings.TrimSuffix(p, ext)
	for i := 1; ; i++ {
		c := fmt.Sprintf("%s.%d%s", stem, i, ext)
		if _, err := os.Stat(c); errors.Is(err, os.ErrNotExist) {
			return c
		}
	}
}

// rotateLogs gzips any *.log or *.jsonl under the root past MaxLogBytes.
func (e *Engine) rotateLogs(now time.Time, rep *SweepReport) {
	root := e.mb.Root()
	archiveRoot := e.mb.ArchiveRoot()
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p == archiveRoot {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(p)
		if ext != ".log" && ext != ".jsonl" {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() <= e.cfg.Housekeeping.MaxLogBytes {
			return nil
		}
		if _, err := activity.Rotate(p, now); err != nil {
			e.logger.Warn("housekeeping: rotating log failed", "path", p, "error", err)
			rep.Errors++
			return nil
		}
		rep.RotatedLogs++
		return nil
	})
}

// expireSignals deletes signal files older than SignalMaxAge.
func (e *Engine) expireSignals(now time.Time, rep *SweepReport) {
	dir := filepath.Join(e.mb.Root(), protocol.SignalsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".signal" {
			continue
		}
		info, err := ent.Info()
		if err != nil || now.Sub(info.ModTime()) <= e.cfg.Housekeeping.SignalMaxAge {
			continue
		}
		err = os.Remove(filepath.Join(dir, ent.Name()))
		switch {
		case err == nil:
			rep.DeletedSignals++
		case errors.Is(err, os.ErrNotExist):
		default:
			e.logger.Warn("housekeeping: deleting signal failed", "path", ent.Name(), "error", err)
			rep.Errors++
		}
	}
}
