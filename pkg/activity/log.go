// Package activity is the append-only coordination event log. Writers enqueue
// events; one goroutine per Log owns the file, rotating it by size and
// retrying failed appends with exponential backoff before dropping them.
package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"switchboard/pkg/protocol"
)

// Event types written by switchboard components.
const (
	TypeDispatch          = "dispatch"
	TypeDispatchDelivered = "dispatch_delivered"
	TypeDispatchRejected  = "dispatch_rejected"
	TypeDispatchFailed    = "dispatch_failed"
	TypeUIAction          = "ui_action"
	TypePlanManagement    = "plan_management"
	TypeOrchestrator      = "orchestrator"
	TypeHousekeeping      = "housekeeping"
)

// Event is one line of the activity log.
type Event struct {
	Timestamp     string `json:"timestamp"`
	Type          string `json:"type"`
	Payload       any    `json:"payload,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Time parses Timestamp; the zero time is returned when it cannot be parsed.
func (e Event) Time() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Field returns payload[key] as a string when the payload is an object.
func (e Event) Field(key string) string {
	m, ok := e.Payload.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Defaults for Config.
const (
	DefaultMaxBytes       = 5 << 20
	DefaultMaxRetries     = 3
	DefaultMaxStringLen   = 2000
	DefaultMaxQueue       = 1000
	DefaultInitialBackoff = 50 * time.Millisecond
)

// Config configures a Log.
type Config struct {
	Path           string // required
	MaxBytes       int64
	MaxRetries     int
	MaxStringLen   int
	MaxQueue       int
	InitialBackoff time.Duration
	Logger         *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxStringLen <= 0 {
		c.MaxStringLen = DefaultMaxStringLen
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = DefaultMaxQueue
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("activity: log closed")

// Log is an asynchronous activity log. The zero value is not usable; call
// Open.
type Log struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	queue   []Event
	closed  bool
	dropped int

	wake     chan struct{}
	flushReq chan chan struct{}
	stop     chan struct{}
	done     chan struct{}

	nowFunc  func() time.Time
	sleep    func(time.Duration)
	appendFn func(path string, data []byte) error
}

// Open creates the log directory and starts the writer goroutine.
func Open(cfg Config) (*Log, error) {
	if cfg.Path == "" {
		return nil, errors.New("activity: path is required")
	}
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("activity: create dir: %w", err)
	}
	l := &Log{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "activity"),
		wake:     make(chan struct{}, 1),
		flushReq: make(chan chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		nowFunc:  time.Now,
		sleep:    time.Sleep,
		appendFn: appendFile,
	}
	go l.run()
	return l, nil
}

// Path returns the active log file path.
func (l *Log) Path() string { return l.cfg.Path }

// LogEvent sanitizes payload and enqueues an event. It never blocks on I/O.
// When the queue is full the oldest pending event is dropped.
func (l *Log) LogEvent(typ string, payload any, correlationID string) {
	if l == nil {
		return
	}
	ev := Event{
		Timestamp:     protocol.Timestamp(l.nowFunc()),
		Type:          typ,
		Payload:       Sanitize(payload, l.cfg.MaxStringLen),
		CorrelationID: correlationID,
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if len(l.queue) >= l.cfg.MaxQueue {
		l.queue = l.queue[1:]
		l.dropped++
	}
	l.queue = append(l.queue, ev)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every event enqueued before the call has been written
// or dropped.
func (l *Log) Flush(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case l.flushReq <- reply:
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the writer. Later LogEvent calls are
// ignored.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.stop)
	<-l.done
	return nil
}

func (l *Log) run() {
	defer close(l.done)
	for {
		select {
		case <-l.wake:
			l.drain()
		case reply := <-l.flushReq:
			l.drain()
			close(reply)
		case <-l.stop:
			l.drain()
			return
		}
	}
}

// drain writes everything queued so far as one batch.
func (l *Log) drain() {
	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	dropped := l.dropped
	l.dropped = 0
	l.mu.Unlock()

	if dropped > 0 {
		l.logger.Warn("activity queue overflow", "dropped", dropped)
	}
	if len(batch) == 0 {
		return
	}

	var buf bytes.Buffer
	for _, ev := range batch {
		line, err := json.Marshal(ev)
		if err != nil {
			l.logger.Warn("skipping unencodable activity event", "type", ev.Type, "error", err)
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	l.rotateIfNeeded()

	backoff := l.cfg.InitialBackoff
	var err error
	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			l.sleep(backoff)
			backoff *= 2
		}
		if err = l.appendFn(l.cfg.Path, buf.Bytes()); err == nil {
			return
		}
	}
	l.logger.Error("dropping activity events after retries",
		"count", len(batch), "attempts", l.cfg.MaxRetries+1, "error", err)
}

func (l *Log) rotateIfNeeded() {
	info, err := os.Stat(l.cfg.Path)
	if err != nil || info.Size() < l.cfg.MaxBytes {
		return
	}
	archived, err := Rotate(l.cfg.Path, l.nowFunc())
	if err != nil {
		l.logger.Warn("activity rotation failed", "path", l.cfg.Path, "error", err)
		return
	}
	l.logger.Info("activity log rotated", "archive", archived)
}

func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
