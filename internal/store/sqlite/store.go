// Package sqlite implements the addr registry store backed by a SQLite
// database. It owns the names, ports, and fingerprints tables and enforces
// their invariants transactionally.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/koltyakov/addr/internal/domain"
)

// Store wraps a SQLite connection pool. Connection-scoped work goes through a
// [Handle] obtained from [Store.Acquire].
type Store struct {
	db *sql.DB
}

const defaultMaxOpenConns = 16
const defaultBusyTimeout = 5 * time.Second

// OpenOptions controls SQLite connection pool sizing and lock waiting.
type OpenOptions struct {
	MaxOpenConns int
	BusyTimeout  time.Duration
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates or opens the SQLite database at path, enables WAL mode, and
// creates the schema on first run.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions is [Open] with tunable pool settings.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	// Every pooled connection gets these PRAGMAs. _txlock=immediate takes the
	// write lock at BEGIN so read-then-write transactions serialize instead of
	// failing to upgrade.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + fmt.Sprintf(
		"_pragma=journal_mode(WAL)&_pragma=synchronous(full)&_pragma=busy_timeout(%d)&_txlock=immediate",
		busy.Milliseconds(),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS names (
	name TEXT PRIMARY KEY NOT NULL,
	port INTEGER NOT NULL DEFAULT 0,
	plan INTEGER NOT NULL DEFAULT 10,
	status INTEGER NOT NULL DEFAULT 0,
	fingerprint TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS ports (
	port INTEGER PRIMARY KEY,
	owner TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS fingerprints (
	fingerprint TEXT PRIMARY KEY NOT NULL,
	owner TEXT NOT NULL,
	usage INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_names_fingerprint ON names(fingerprint);
CREATE INDEX IF NOT EXISTS idx_fingerprints_owner ON fingerprints(owner);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// JournalMode returns the active journal mode, "wal" once Open succeeded on
// a file-backed database.
func (s *Store) JournalMode(ctx context.Context) (string, error) {
	var mode string
	if err := s.db.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode); err != nil {
		return "", err
	}
	return strings.ToLower(mode), nil
}

// Acquire opens a registry scope for one client connection. The handle holds
// no pooled connection between operations. The caller must Close it.
func (s *Store) Acquire(ctx context.Context) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return &Handle{db: s.db}, nil
}

// GetName returns the full name record.
func (s *Store) GetName(ctx context.Context, name string) (domain.NameRecord, error) {
	var rec domain.NameRecord
	err := s.db.QueryRowContext(ctx, `
SELECT name, port, plan, status, fingerprint
FROM names
WHERE name = ?`, name).Scan(&rec.Name, &rec.Port, &rec.Plan, &rec.Status, &rec.Fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NameRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.NameRecord{}, err
	}
	return rec, nil
}

// ListNames returns every name record ordered by name.
func (s *Store) ListNames(ctx context.Context) ([]domain.NameRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, port, plan, status, fingerprint
FROM names
ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.NameRecord
	for rows.Next() {
		var rec domain.NameRecord
		if err := rows.Scan(&rec.Name, &rec.Port, &rec.Plan, &rec.Status, &rec.Fingerprint); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetFingerprint returns the usage record for a device fingerprint.
func (s *Store) GetFingerprint(ctx context.Context, fingerprint string) (domain.FingerprintRecord, error) {
	var rec domain.FingerprintRecord
	err := s.db.QueryRowContext(ctx, `
SELECT fingerprint, owner, usage
FROM fingerprints
WHERE fingerprint = ?`, fingerprint).Scan(&rec.Fingerprint, &rec.Owner, &rec.Usage)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FingerprintRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.FingerprintRecord{}, err
	}
	return rec, nil
}

// ListBindings returns every port binding on which the ports and names tables
// agree, ordered by name. Stale bindings left behind by port recycling are
// excluded.
func (s *Store) ListBindings(ctx context.Context) ([]domain.PortRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT p.port, p.owner
FROM ports p
JOIN names n ON n.port = p.port AND n.name = p.owner
ORDER BY p.owner`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PortRecord
	for rows.Next() {
		var rec domain.PortRecord
		if err := rows.Scan(&rec.Port, &rec.Owner); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
