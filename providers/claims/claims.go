// Package claims provides exclusive named claims held by lease handles.
//
// A claim is a row in please_claims referencing the lease that holds it. Because the reference is a foreign key
// with ON DELETE SET NULL, a claim is released automatically when its lease is closed, expired or swept, so a
// crashed holder never blocks other operations for longer than the operation timeout.
package claims

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"log/slog"
	"time"

	"github.com/alecthomas/errors"

	"github.com/alecthomas/please"
	"github.com/alecthomas/please/internal"
	pleasesql "github.com/alecthomas/please/providers/sql"
)

// ErrClaimHeld is returned when a claim could not be acquired before the timeout because it is held by another lease.
var ErrClaimHeld = errors.New("claim is held")

// ErrClaimNotHeld is returned by Release when the claim is not held by the lease.
var ErrClaimNotHeld = errors.New("claim is not held")

//go:embed migrations/*.sql
var migrations embed.FS

// Migrations for the please_claims table. These must be applied after [please.Migrations].
func Migrations() pleasesql.Migrations {
	sub, _ := fs.Sub(migrations, "migrations")
	return pleasesql.Migrations{sub}
}

// Claims acquires and releases named claims.
type Claims struct {
	q      func(string) string
	driver pleasesql.Driver
	log    *slog.Logger
}

// New creates a [Claims] for the SQL dialect of driver.
func New(logger *slog.Logger, driver pleasesql.Driver) *Claims {
	return &Claims{q: driver.Denormalise, driver: driver, log: logger}
}

// Acquire the named claim for handle.
//
// It retries while the claim is held by another lease, until the claim is acquired, timeout has elapsed, or the
// context is cancelled. At least one attempt is always made, so a non-positive timeout tries exactly once. Each
// attempt is a [please.Handle.Transaction], so acquiring a claim also refreshes the lease, and an expired lease
// fails immediately with [please.ErrExpired]. Acquiring a claim already held by the same lease succeeds.
func (c *Claims) Acquire(ctx context.Context, handle *please.Handle, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := handle.Transaction(ctx, func(ctx context.Context, tx *sql.Tx, id int64) error {
			return c.acquireTx(ctx, tx, name, id)
		})
		if err == nil {
			c.log.Debug("Acquired claim", "claim", name, "lease", handle.ID())
			return nil
		}
		if !errors.Is(err, ErrClaimHeld) {
			return errors.Errorf("claim %s: %w", name, err)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return c.heldError(ctx, handle, name)
		}
		c.log.Debug("Claim is held, will retry", "claim", name, "lease", handle.ID())
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-time.After(min(internal.Jitter(time.Millisecond*100), remaining)):
		}
	}
}

func (c *Claims) acquireTx(ctx context.Context, tx *sql.Tx, name string, id int64) error {
	result, err := tx.ExecContext(ctx, c.q(`
		UPDATE please_claims
		SET lease_id = ?
		WHERE name = ? AND (lease_id IS NULL OR lease_id = ?)
	`), id, name, id)
	if err != nil {
		return errors.WithStack(c.driver.TranslateError(err))
	}
	count, err := result.RowsAffected()
	if err != nil {
		return errors.WithStack(c.driver.TranslateError(err))
	}
	if count == 1 {
		return nil
	}
	// Some dialects only count rows that changed, so check whether we already hold it.
	var holder sql.NullInt64
	err = tx.QueryRowContext(ctx, c.q(`SELECT lease_id FROM please_claims WHERE name = ?`), name).Scan(&holder)
	switch {
	case err == nil && holder.Valid && holder.Int64 == id:
		return nil
	case err == nil:
		return errors.Errorf("%s: %w", name, ErrClaimHeld)
	case !errors.Is(err, sql.ErrNoRows):
		return errors.WithStack(c.driver.TranslateError(err))
	}
	// The claim has never been acquired. If we can insert it, we have it.
	_, err = tx.ExecContext(ctx, c.q(`INSERT INTO please_claims (name, lease_id) VALUES (?, ?)`), name, id)
	if err != nil {
		err = c.driver.TranslateError(err)
		if errors.Is(err, pleasesql.ErrConstraint) {
			return errors.Errorf("%s: %w", name, ErrClaimHeld)
		}
		return errors.WithStack(err)
	}
	return nil
}

func (c *Claims) heldError(ctx context.Context, handle *please.Handle, name string) error {
	holder, ok, err := c.Holder(ctx, handle, name)
	if err != nil || !ok {
		return errors.Errorf("%s: %w: by unknown", name, ErrClaimHeld)
	}
	return errors.Errorf("%s: %w: by lease %d", name, ErrClaimHeld, holder)
}

// Holder returns the ID of the lease holding the named claim, if any.
//
// The query is made from within a transaction on handle, so it also refreshes the lease.
func (c *Claims) Holder(ctx context.Context, handle *please.Handle, name string) (id int64, ok bool, err error) {
	err = handle.Transaction(ctx, func(ctx context.Context, tx *sql.Tx, _ int64) error {
		var holder sql.NullInt64
		err := tx.QueryRowContext(ctx, c.q(`SELECT lease_id FROM please_claims WHERE name = ?`), name).Scan(&holder)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		} else if err != nil {
			return errors.WithStack(c.driver.TranslateError(err))
		}
		id, ok = holder.Int64, holder.Valid
		return nil
	})
	if err != nil {
		return 0, false, errors.WithStack(err)
	}
	return id, ok, nil
}

// Release the named claim held by handle.
//
// Claims are also released when the lease is closed, so this is only necessary to release a claim early.
func (c *Claims) Release(ctx context.Context, handle *please.Handle, name string) error {
	err := handle.Transaction(ctx, func(ctx context.Context, tx *sql.Tx, id int64) error {
		result, err := tx.ExecContext(ctx, c.q(`
			UPDATE please_claims
			SET lease_id = NULL
			WHERE name = ? AND lease_id = ?
		`), name, id)
		if err != nil {
			return errors.WithStack(c.driver.TranslateError(err))
		}
		count, err := result.RowsAffected()
		if err != nil {
			return errors.WithStack(c.driver.TranslateError(err))
		}
		if count == 0 {
			return errors.Errorf("claim %s: %w", name, ErrClaimNotHeld)
		}
		return nil
	})
	if err != nil {
		return errors.WithStack(err)
	}
	c.log.Debug("Released claim", "claim", name, "lease", handle.ID())
	return nil
}
