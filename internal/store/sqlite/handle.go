package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/koltyakov/addr/internal/domain"
)

// errHandleClosed is returned by operations on a closed [Handle].
var errHandleClosed = errors.New("registry handle closed")

// Handle is a connection-scoped view of the registry. It serializes the
// operations issued on it, so the handlers of one client connection never
// interleave inside a transaction. Each operation borrows a pooled SQLite
// connection only for its own duration.
type Handle struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// Close ends the handle's scope. Later operations fail.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// lock acquires the handle's mutex. On error the mutex is not held.
func (h *Handle) lock() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, errHandleClosed)
	}
	return nil
}

// FindNameFingerprint returns the fingerprint a name is bound to.
func (h *Handle) FindNameFingerprint(ctx context.Context, name string) (string, bool, error) {
	if err := h.lock(); err != nil {
		return "", false, err
	}
	defer h.mu.Unlock()
	return findNameFingerprint(ctx, h.db, name)
}

// FindQuotaFor resolves a fingerprint's plan through the name that first
// registered it, together with its current usage.
func (h *Handle) FindQuotaFor(ctx context.Context, fingerprint string) (domain.Quota, bool, error) {
	if err := h.lock(); err != nil {
		return domain.Quota{}, false, err
	}
	defer h.mu.Unlock()
	return findQuotaFor(ctx, h.db, fingerprint)
}

// RegisterName inserts a new name with no port. It returns
// [domain.ErrNameExists] if the name is already registered.
func (h *Handle) RegisterName(ctx context.Context, name, fingerprint string, plan int) error {
	if err := h.lock(); err != nil {
		return err
	}
	defer h.mu.Unlock()
	return registerName(ctx, h.db, name, fingerprint, plan)
}

// RegisterOrBumpFingerprint creates the fingerprint's usage record owned by
// owner, or refreshes its usage if it already exists.
func (h *Handle) RegisterOrBumpFingerprint(ctx context.Context, fingerprint, owner string) error {
	if err := h.lock(); err != nil {
		return err
	}
	defer h.mu.Unlock()
	return registerOrBumpFingerprint(ctx, h.db, fingerprint, owner)
}

// Admit binds name to fingerprint in one transaction. An existing name must
// already belong to fingerprint ([domain.ErrNameOwned] otherwise). A new name
// is refused with a [*domain.QuotaError] when the device has exhausted its
// plan; otherwise the name is inserted and the device usage updated before
// commit.
func (h *Handle) Admit(ctx context.Context, name, fingerprint string, plan int) (domain.Admission, error) {
	if err := h.lock(); err != nil {
		return domain.Admission{}, err
	}
	defer h.mu.Unlock()

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Admission{}, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	owner, exists, err := findNameFingerprint(ctx, tx, name)
	if err != nil {
		return domain.Admission{}, err
	}
	if exists {
		if owner != fingerprint {
			return domain.Admission{}, domain.ErrNameOwned
		}
		quota, _, err := findQuotaFor(ctx, tx, fingerprint)
		if err != nil {
			return domain.Admission{}, err
		}
		if err = tx.Commit(); err != nil {
			return domain.Admission{}, err
		}
		return domain.Admission{Quota: quota}, nil
	}

	quota, found, err := findQuotaFor(ctx, tx, fingerprint)
	if err != nil {
		return domain.Admission{}, err
	}
	if found && quota.Exhausted() {
		return domain.Admission{}, &domain.QuotaError{Usage: quota.Usage, Plan: quota.Plan}
	}
	if err = registerName(ctx, tx, name, fingerprint, plan); err != nil {
		return domain.Admission{}, err
	}
	if err = registerOrBumpFingerprint(ctx, tx, fingerprint, name); err != nil {
		return domain.Admission{}, err
	}
	quota, _, err = findQuotaFor(ctx, tx, fingerprint)
	if err != nil {
		return domain.Admission{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Admission{}, err
	}
	return domain.Admission{Registered: true, Quota: quota}, nil
}

// ResolvePortForName returns the port bound to name, or 0 when the name has
// no port or the ports table has since handed that port to another name.
func (h *Handle) ResolvePortForName(ctx context.Context, name string) (int, error) {
	if err := h.lock(); err != nil {
		return 0, err
	}
	defer h.mu.Unlock()

	var port int
	err := h.db.QueryRowContext(ctx, `
SELECT p.port
FROM ports p
JOIN names n ON n.port = p.port AND n.name = p.owner
WHERE n.name = ?`, name).Scan(&port)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return port, nil
}

// BindPort points port at name and name at port atomically. A port previously
// owned by another name is taken over.
func (h *Handle) BindPort(ctx context.Context, port int, name string) error {
	if err := h.lock(); err != nil {
		return err
	}
	defer h.mu.Unlock()

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, `
INSERT INTO ports(port, owner) VALUES(?, ?)
ON CONFLICT(port) DO UPDATE SET owner = excluded.owner`, port, name); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE names SET port = ? WHERE name = ?`, port, name)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("bind port %d: name %q: %w", port, name, domain.ErrNotFound)
	}
	return tx.Commit()
}

func findNameFingerprint(ctx context.Context, q queryer, name string) (string, bool, error) {
	var fingerprint string
	err := q.QueryRowContext(ctx, `SELECT fingerprint FROM names WHERE name = ?`, name).Scan(&fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return fingerprint, true, nil
}

func findQuotaFor(ctx context.Context, q queryer, fingerprint string) (domain.Quota, bool, error) {
	var quota domain.Quota
	err := q.QueryRowContext(ctx, `
SELECT n.plan, f.usage
FROM fingerprints f
JOIN names n ON n.name = f.owner
WHERE f.fingerprint = ?`, fingerprint).Scan(&quota.Plan, &quota.Usage)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Quota{}, false, nil
	}
	if err != nil {
		return domain.Quota{}, false, err
	}
	return quota, true, nil
}

func registerName(ctx context.Context, q queryer, name, fingerprint string, plan int) error {
	if _, err := q.ExecContext(ctx, `
INSERT INTO names(name, port, plan, status, fingerprint)
VALUES(?, 0, ?, ?, ?)`, name, plan, domain.NameStatusActive, fingerprint); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrNameExists
		}
		return err
	}
	return nil
}

// registerOrBumpFingerprint sets usage to the number of names the fingerprint
// owns, so repeated calls for the same name never count it twice.
func registerOrBumpFingerprint(ctx context.Context, q queryer, fingerprint, owner string) error {
	_, err := q.ExecContext(ctx, `
INSERT INTO fingerprints(fingerprint, owner, usage)
VALUES(?, ?, (SELECT COUNT(1) FROM names WHERE fingerprint = ?))
ON CONFLICT(fingerprint) DO UPDATE SET
	usage = (SELECT COUNT(1) FROM names WHERE fingerprint = excluded.fingerprint)`,
		fingerprint, owner, fingerprint)
	return err
}
