package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"switchboard/pkg/mailbox"
)

// scheduleParser accepts standard 5-field expressions and descriptors such
// as "@every 5m" or "@hourly".
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a housekeeping schedule.
func ParseSchedule(spec string) (cron.Schedule, error) {
	s, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("delivery: parse schedule %q: %w", spec, err)
	}
	return s, nil
}

// newStoppedTimer returns a timer that will not fire until Reset.
func newStoppedTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

// Run watches the inbox tree until ctx is done. New message files are
// processed as they appear, a fallback poll rescans everything, a sweep runs
// once events go quiet for the debounce interval, and another runs on the
// configured schedule. If fsnotify is unavailable Run degrades to polling.
func (e *Engine) Run(ctx context.Context) error {
	sched, err := ParseSchedule(e.cfg.Schedule)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(e.mb.InboxRoot(), 0o755); err != nil {
		return fmt.Errorf("delivery: create inbox root: %w", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	process := func(p string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.ProcessFile(ctx, p)
		}()
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		e.logger.Warn("fsnotify unavailable; polling only", "error", err)
	} else {
		defer func() { _ = watcher.Close() }()
		e.watchTree(watcher)
		events, errs = watcher.Events, watcher.Errors
	}

	e.Scan(ctx)

	poll := time.NewTicker(e.cfg.PollInterval)
	defer poll.Stop()
	debounce := newStoppedTimer()
	defer debounce.Stop()
	scheduled := time.NewTimer(time.Until(sched.Next(e.nowFunc())))
	defer scheduled.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.handleEvent(watcher, ev, process)
			resetTimer(debounce, e.cfg.Debounce)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			e.logger.Warn("fsnotify error", "error", err)

		case <-poll.C:
			e.Scan(ctx)

		case <-debounce.C:
			e.Sweep(ctx)

		case <-scheduled.C:
			e.Sweep(ctx)
			scheduled.Reset(time.Until(sched.Next(e.nowFunc())))
		}
	}
}

// watchTree adds the inbox root and every recipient directory.
func (e *Engine) watchTree(w *fsnotify.Watcher) {
	root := e.mb.InboxRoot()
	if err := w.Add(root); err != nil {
		e.logger.Warn("watching inbox root failed", "path", root, "error", err)
	}
	recipients, _ := e.mb.Recipients()
	for _, r := range recipients {
		dir := filepath.Join(root, r)
		if err := w.Add(dir); err != nil {
			e.logger.Warn("watching inbox failed", "path", dir, "error", err)
		}
	}
}

func (e *Engine) handleEvent(w *fsnotify.Watcher, ev fsnotify.Event, process func(string)) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if e.suppress.Suppressed(ev.Name) {
		return
	}

	if filepath.Dir(ev.Name) == e.mb.InboxRoot() {
		info, err := os.Stat(ev.Name)
		if err != nil || !info.IsDir() {
			return
		}
		if w != nil {
			if err := w.Add(ev.Name); err != nil {
				e.logger.Warn("watching new inbox failed", "path", ev.Name, "error", err)
			}
		}
		// Files may have landed before the watch was added.
		entries, _ := os.ReadDir(ev.Name)
		for _, ent := range entries {
			if mailbox.IsMessageFile(ent.Name()) {
				process(filepath.Join(ev.Name, ent.Name()))
			}
		}
		return
	}

	if mailbox.IsMessageFile(filepath.Base(ev.Name)) {
		process(ev.Name)
	}
}
