// Package mailbox is the typed view of the inbox directory tree:
//
//	<root>/inbox/<recipient>/msg_<id>.json          message
//	<root>/inbox/<recipient>/msg_<id>.result.json   processing result
//	<root>/inbox/<recipient>/msg_<id>.receipt.json  delivery receipt
//	<root>/inbox/<recipient>/msg_<id>.accepted.json verified delegate_task
//	<root>/archive/<recipient>/...                  housekeeping archive
//
// Callers deal in messages and results; the layout stays here.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"switchboard/pkg/filelock"
	"switchboard/pkg/protocol"
	"switchboard/pkg/suppress"
)

// ErrAlreadyProcessed is returned by Ack when a result already exists.
var ErrAlreadyProcessed = errors.New("mailbox: message already has a result")

// Mailbox reads and writes one coordination root's inboxes.
type Mailbox struct {
	root     string
	suppress *suppress.Set
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// Option configures a Mailbox.
type Option func(*Mailbox)

// WithSuppress registers sidecar writes in set before they happen.
func WithSuppress(set *suppress.Set) Option { return func(m *Mailbox) { m.suppress = set } }

// WithLogger sets the mailbox logger.
func WithLogger(l *slog.Logger) Option { return func(m *Mailbox) { m.logger = l } }

// New returns a Mailbox for the coordination root.
func New(root string, opts ...Option) *Mailbox {
	m := &Mailbox{root: root, logger: slog.Default(), nowFunc: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Root returns the coordination root.
func (m *Mailbox) Root() string { return m.root }

// InboxRoot returns <root>/inbox.
func (m *Mailbox) InboxRoot() string { return filepath.Join(m.root, protocol.InboxDir) }

// ArchiveRoot returns <root>/archive.
func (m *Mailbox) ArchiveRoot() string { return filepath.Join(m.root, protocol.ArchiveDir) }

// Dir returns the inbox directory of recipient after validating the name.
func (m *Mailbox) Dir(recipient string) (string, error) {
	if err := protocol.ValidateName("recipient", recipient); err != nil {
		return "", err
	}
	return filepath.Join(m.InboxRoot(), recipient), nil
}

// IsMessageFile reports whether name is a message (not a sidecar).
func IsMessageFile(name string) bool {
	return strings.HasPrefix(name, protocol.MessagePrefix) &&
		strings.HasSuffix(name, protocol.MessageSuffix) &&
		!strings.HasSuffix(name, protocol.ResultSuffix) &&
		!strings.HasSuffix(name, protocol.ReceiptSuffix) &&
		!strings.HasSuffix(name, protocol.AcceptedSuffix)
}

// ResultPath returns the result sidecar path of a message file.
func ResultPath(msgPath string) string {
	return strings.TrimSuffix(msgPath, protocol.MessageSuffix) + protocol.ResultSuffix
}

// ReceiptPath returns the receipt sidecar path of a message file.
func ReceiptPath(msgPath string) string {
	return strings.TrimSuffix(msgPath, protocol.MessageSuffix) + protocol.ReceiptSuffix
}

// AcceptedPath returns the acceptance marker path of a message file.
func AcceptedPath(msgPath string) string {
	return strings.TrimSuffix(msgPath, protocol.MessageSuffix) + protocol.AcceptedSuffix
}

// MessageID extracts <id> from a msg_<id>.json path.
func MessageID(msgPath string) string {
	base := filepath.Base(msgPath)
	return strings.TrimSuffix(strings.TrimPrefix(base, protocol.MessagePrefix), protocol.MessageSuffix)
}

// Send persists msg in its recipient's inbox and returns the file path.
func (m *Mailbox) Send(_ context.Context, msg *protocol.Message) (string, error) {
	if err := protocol.ValidateName("message id", msg.ID); err != nil {
		return "", err
	}
	dir, err := m.Dir(msg.Recipient)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mailbox: create inbox: %w", err)
	}
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("mailbox: encode message: %w", err)
	}
	p := filepath.Join(dir, protocol.MessagePrefix+msg.ID+protocol.MessageSuffix)
	if err := filelock.WriteFile(p, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("mailbox: send: %w", err)
	}
	return p, nil
}

// Read parses the message at path.
func (m *Mailbox) Read(path string) (*protocol.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("mailbox: parse %s: %w", path, err)
	}
	return &msg, nil
}

// Entry is a message found in an inbox.
type Entry struct {
	Path    string
	Message *protocol.Message
}

// Poll returns recipient's messages that have no result yet, oldest first.
// Malformed files are logged and skipped.
func (m *Mailbox) Poll(_ context.Context, recipient string) ([]Entry, error) {
	dir, err := m.Dir(recipient)
	if err != nil {
		return nil, err
	}
	names, err := m.messageFiles(dir)
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, name := range names {
		p := filepath.Join(dir, name)
		if exists(ResultPath(p)) {
			continue
		}
		msg, err := m.Read(p)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				m.logger.Warn("skipping unreadable message", "path", p, "error", err)
			}
			continue
		}
		out = append(out, Entry{Path: p, Message: msg})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Message.CreatedAt != out[j].Message.CreatedAt {
			return out[i].Message.CreatedAt < out[j].Message.CreatedAt
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// MessagePaths lists every message file of recipient, processed or not.
func (m *Mailbox) MessagePaths(recipient string) ([]string, error) {
	dir, err := m.Dir(recipient)
	if err != nil {
		return nil, err
	}
	names, err := m.messageFiles(dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = filepath.Join(dir, n)
	}
	return out, nil
}

func (m *Mailbox) messageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mailbox: list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && IsMessageFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Recipients lists every inbox directory name.
func (m *Mailbox) Recipients() ([]string, error) {
	entries, err := os.ReadDir(m.InboxRoot())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mailbox: list inboxes: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// Ack writes the result sidecar for the message at msgPath. The sidecar is
// created exclusively: a second Ack fails with ErrAlreadyProcessed.
func (m *Mailbox) Ack(msgPath string, res protocol.Result) error {
	if res.ProcessedAt == "" {
		res.ProcessedAt = protocol.Timestamp(m.nowFunc())
	}
	if res.InReplyTo == "" {
		res.InReplyTo = MessageID(msgPath)
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("mailbox: encode result: %w", err)
	}
	err = m.createExclusive(ResultPath(msgPath), append(data, '\n'))
	if errors.Is(err, os.ErrExist) {
		return ErrAlreadyProcessed
	}
	return err
}

// MarkDelivered writes a receipt for the message at msgPath. An existing
// receipt is left alone.
func (m *Mailbox) MarkDelivered(msgPath, by string) error {
	rc := protocol.Receipt{
		InReplyTo:   MessageID(msgPath),
		DeliveredAt: protocol.Timestamp(m.nowFunc()),
		By:          by,
	}
	data, err := json.MarshalIndent(rc, "", "  ")
	if err != nil {
		return fmt.Errorf("mailbox: encode receipt: %w", err)
	}
	err = m.createExclusive(ReceiptPath(msgPath), append(data, '\n'))
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	return err
}

// ReadResult loads the result sidecar of a message, if any.
func (m *Mailbox) ReadResult(msgPath string) (*protocol.Result, error) {
	data, err := os.ReadFile(ResultPath(msgPath))
	if err != nil {
		return nil, err
	}
	var res protocol.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("mailbox: parse result: %w", err)
	}
	return &res, nil
}

// Delete removes a message file and its acceptance marker. A file that is
// already gone counts as deleted.
func (m *Mailbox) Delete(msgPath string) error {
	err := os.Remove(msgPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("mailbox: delete %s: %w", msgPath, err)
	}
	if err := os.Remove(AcceptedPath(msgPath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("removing acceptance marker failed", "path", msgPath, "error", err)
	}
	return nil
}

// acceptance records which version of a message file was verified.
type acceptance struct {
	InReplyTo  string `json:"inReplyTo"`
	AcceptedAt string `json:"acceptedAt"`
	ModTime    string `json:"modTime"`
	Size       int64  `json:"size"`
}

// MarkAccepted records that the message at msgPath, as it is on disk now,
// passed verification. A marker left by an earlier version of the file is
// replaced.
func (m *Mailbox) MarkAccepted(msgPath string) error {
	info, err := os.Stat(msgPath)
	if err != nil {
		return fmt.Errorf("mailbox: stat %s: %w", msgPath, err)
	}
	data, err := json.MarshalIndent(acceptance{
		InReplyTo:  MessageID(msgPath),
		AcceptedAt: protocol.Timestamp(m.nowFunc()),
		ModTime:    info.ModTime().UTC().Format(time.RFC3339Nano),
		Size:       info.Size(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("mailbox: encode acceptance: %w", err)
	}
	dst := AcceptedPath(msgPath)
	m.suppress.Mark(dst)
	if err := filelock.WriteFile(dst, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("mailbox: mark accepted: %w", err)
	}
	return nil
}

// Accepted reports whether msgPath carries an acceptance marker written for
// the file as it is now. A file rewritten after acceptance is not accepted.
func (m *Mailbox) Accepted(msgPath string) bool {
	data, err := os.ReadFile(AcceptedPath(msgPath))
	if err != nil {
		return false
	}
	var a acceptance
	if err := json.Unmarshal(data, &a); err != nil {
		return false
	}
	info, err := os.Stat(msgPath)
	if err != nil {
		return false
	}
	return a.Size == info.Size() && a.ModTime == info.ModTime().UTC().Format(time.RFC3339Nano)
}

// Processed reports whether a result or receipt exists for msgPath.
func Processed(msgPath string) bool {
	return exists(ResultPath(msgPath)) || exists(ReceiptPath(msgPath))
}

// createExclusive writes data to a temp file and hard-links it into place,
// so the destination appears complete and only if it did not exist.
func (m *Mailbox) createExclusive(dst string, data []byte) error {
	m.suppress.Mark(dst)
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".sidecar-*")
	if err != nil {
		return fmt.Errorf("mailbox: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("mailbox: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("mailbox: close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("mailbox: chmod temp: %w", err)
	}
	if err := os.Link(tmpPath, dst); err != nil {
		if errors.Is(err, os.ErrExist) {
			return os.ErrExist
		}
		return fmt.Errorf("mailbox: link %s: %w", dst, err)
	}
	return nil
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
