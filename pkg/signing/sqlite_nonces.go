package signing

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver for database/sql
)

const nonceSchemaDDL = `
CREATE TABLE IF NOT EXISTS nonces (
	nonce   TEXT PRIMARY KEY,
	seen_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS nonces_seen_at ON nonces(seen_at);
`

// SQLiteNonces is a NonceCache shared by every process that opens the same
// database file, so a nonce accepted by one watcher is a replay for all.
type SQLiteNonces struct {
	db     *sql.DB
	window time.Duration
}

// OpenSQLiteNonces opens or creates the nonce database at dbPath.
func OpenSQLiteNonces(dbPath string, window time.Duration) (*SQLiteNonces, error) {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("signing: create nonce db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("signing: open nonce db: %w", err)
	}

	ctx := context.Background()
	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", nonceSchemaDDL} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("signing: init nonce db: %w", err)
		}
	}
	return &SQLiteNonces{db: db, window: window}, nil
}

// CheckAndStore implements NonceCache. Expired rows are deleted first, then
// the nonce is inserted; an existing row means a replay.
func (s *SQLiteNonces) CheckAndStore(ctx context.Context, nonce string, now time.Time) (bool, error) {
	cutoff := now.Add(-s.window).UnixNano()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM nonces WHERE seen_at < ?`, cutoff); err != nil {
		return false, fmt.Errorf("prune nonces: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO nonces(nonce, seen_at) VALUES (?, ?)`, nonce, now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("insert nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert nonce: %w", err)
	}
	return n == 0, nil
}

// Close releases the database handle.
func (s *SQLiteNonces) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("signing: close nonce db: %w", err)
	}
	return nil
}
