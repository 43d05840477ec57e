// Package history keeps a journal of completed fetch attempts in an
// embedded SQLite database, one row per attempt with its outcome.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/mvarrel/stagedir/pkg/cancellation"
)

// Status values for the status column.
const (
	StatusDone     = "done"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// StatusFor maps a fetch outcome to its journal status. Cancellation is
// recorded distinctly; every other failure keeps its message in the error
// column.
func StatusFor(err error) string {
	switch {
	case err == nil:
		return StatusDone
	case errors.Is(err, cancellation.ErrCanceled):
		return StatusCanceled
	default:
		return StatusFailed
	}
}

// Entry is one journal row.
type Entry struct {
	ID        int64
	URL       string
	Dest      string
	Status    string
	Bytes     int64
	Duration  time.Duration
	Error     string
	Checksum  string
	StartedAt time.Time
}

// SQL statements for journal operations.
const (
	sqlInsertEntry = `INSERT INTO fetch_log
		(url, dest, status, bytes, duration_ms, error_msg, checksum, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	sqlRecentEntries = `SELECT id, url, dest, status, bytes, duration_ms, error_msg, checksum, started_at
		FROM fetch_log ORDER BY id DESC LIMIT ?`

	sqlPruneEntries = `DELETE FROM fetch_log WHERE id NOT IN
		(SELECT id FROM fetch_log ORDER BY id DESC LIMIT ?)`

	sqlClearEntries = `DELETE FROM fetch_log`
)

// Journal is the sole writer to the history database.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the journal database at dbPath and runs
// pending migrations. Use ":memory:" for tests.
func Open(dbPath string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("history: creating database directory: %w", err)
		}
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()

		return nil, err
	}

	logger.Debug("history journal ready", "path", dbPath)

	return &Journal{db: db, logger: logger}, nil
}

// Record appends one entry and returns its row ID.
func (j *Journal) Record(ctx context.Context, e Entry) (int64, error) {
	var errMsg sql.NullString
	if e.Error != "" {
		errMsg = sql.NullString{String: e.Error, Valid: true}
	}

	started := e.StartedAt
	if started.IsZero() {
		started = time.Now()
	}

	result, err := j.db.ExecContext(ctx, sqlInsertEntry,
		e.URL, e.Dest, e.Status, e.Bytes, e.Duration.Milliseconds(),
		errMsg, e.Checksum, started.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("history: recording %s: %w", e.URL, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("history: last insert ID: %w", err)
	}

	return id, nil
}

// Recent returns the newest entries, most recent first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, sqlRecentEntries, limit)
	if err != nil {
		return nil, fmt.Errorf("history: listing entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		var (
			e          Entry
			durationMS int64
			errMsg     sql.NullString
			startedNS  int64
		)

		if err := rows.Scan(&e.ID, &e.URL, &e.Dest, &e.Status, &e.Bytes,
			&durationMS, &errMsg, &e.Checksum, &startedNS); err != nil {
			return nil, fmt.Errorf("history: scanning entry: %w", err)
		}

		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.Error = errMsg.String
		e.StartedAt = time.Unix(0, startedNS)

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterating entries: %w", err)
	}

	return entries, nil
}

// Prune deletes all but the newest keep entries and returns the number of
// rows removed.
func (j *Journal) Prune(ctx context.Context, keep int) (int, error) {
	result, err := j.db.ExecContext(ctx, sqlPruneEntries, keep)
	if err != nil {
		return 0, fmt.Errorf("history: pruning entries: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: prune rows affected: %w", err)
	}

	if n > 0 {
		j.logger.Debug("history pruned", "removed", n, "kept", keep)
	}

	return int(n), nil
}

// Clear deletes every entry.
func (j *Journal) Clear(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, sqlClearEntries); err != nil {
		return fmt.Errorf("history: clearing entries: %w", err)
	}

	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("history: closing database: %w", err)
	}

	return nil
}
