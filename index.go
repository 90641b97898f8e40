package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS captures (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session    TEXT    NOT NULL,
	host       TEXT    NOT NULL,
	path       TEXT    NOT NULL,
	method     TEXT    NOT NULL,
	kind       TEXT    NOT NULL,
	seq        INTEGER NOT NULL DEFAULT 0,
	location   TEXT    NOT NULL UNIQUE,
	size       INTEGER NOT NULL,
	sha256     TEXT    NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_captures_session ON captures(session);
`

// IndexEntry is one persisted artifact as recorded in the index.
type IndexEntry struct {
	Session   string    `db:"session" json:"session"`
	Host      string    `db:"host" json:"host"`
	Path      string    `db:"path" json:"path"`
	Method    string    `db:"method" json:"method"`
	Kind      string    `db:"kind" json:"kind"`
	Seq       int       `db:"seq" json:"seq"`
	Location  string    `db:"location" json:"location"`
	Size      int64     `db:"size" json:"size"`
	SHA256    string    `db:"sha256" json:"sha256"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// CaptureIndex is an append-only SQLite table of persisted artifacts,
// kept next to the capture files so forensic tooling can query a run
// without walking the tree.
type CaptureIndex struct {
	db *sqlx.DB

	// MaxRetries bounds retries of an insert that hit a busy or locked
	// database.
	MaxRetries uint64
}

// OpenCaptureIndex opens (creating if needed) the index database at path.
func OpenCaptureIndex(ctx context.Context, path string) (*CaptureIndex, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open capture index: %w", err)
	}
	// A single connection serializes writers inside this process.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create capture index schema: %w", err)
	}
	return &CaptureIndex{db: db, MaxRetries: 5}, nil
}

// Add inserts one entry, retrying while SQLite reports the database busy.
func (ci *CaptureIndex) Add(ctx context.Context, e IndexEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	op := func() error {
		_, err := ci.db.NamedExecContext(ctx, `
			INSERT INTO captures (session, host, path, method, kind, seq, location, size, sha256, created_at)
			VALUES (:session, :host, :path, :method, :kind, :seq, :location, :size, :sha256, :created_at)`, e)
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, ci.MaxRetries), ctx)); err != nil {
		return fmt.Errorf("index %s: %w", e.Location, err)
	}
	return nil
}

// List returns the entries of one session in insertion order. An empty
// session lists every entry.
func (ci *CaptureIndex) List(ctx context.Context, session string) ([]IndexEntry, error) {
	var rows []IndexEntry
	var err error
	const cols = `SELECT session, host, path, method, kind, seq, location, size, sha256, created_at FROM captures`
	if session == "" {
		err = ci.db.SelectContext(ctx, &rows, cols+` ORDER BY id`)
	} else {
		err = ci.db.SelectContext(ctx, &rows, cols+` WHERE session = ? ORDER BY id`, session)
	}
	if err != nil {
		return nil, fmt.Errorf("list captures: %w", err)
	}
	return rows, nil
}

// Close closes the database.
func (ci *CaptureIndex) Close() error {
	return ci.db.Close()
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
