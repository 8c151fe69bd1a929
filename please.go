// Package please identifies and expires long-running operations using rows in a shared SQL database.
//
// The core primitive is the [Handle]. A handle represents a long-running operation, and can be used as the basis
// for exclusive locking when a lock may be held for too long for transaction-level locking to be acceptable.
//
// A typical operation creates a handle, claims some part of the database for it by storing the handle's ID in a
// domain row from within [Handle.Transaction], performs its work in bounded units each validated through
// [Handle.Transaction], and finally closes the handle:
//
//	handle, err := store.NewWithCleanup(ctx, "generating report")
//	if err != nil {
//		return err
//	}
//	defer handle.Release(ctx)
//
//	err = handle.Transaction(ctx, func(ctx context.Context, tx *sql.Tx, id int64) error {
//		result, err := tx.ExecContext(ctx, `UPDATE reports SET operation_id = $1 WHERE id = $2 AND operation_id IS NULL`, id, reportID)
//		...
//	})
//	...
//	return handle.Close(ctx)
//
// Domain tables should reference please_ids(id) through a nullable foreign key with ON DELETE SET NULL, so that
// when a lease disappears any row it claimed is released automatically.
//
// # Operation timeouts
//
// If no transaction or refresh happens on a handle for longer than the operation timeout, the handle may be
// removed by any client calling [Store.PerformCleanup] or [Store.NewWithCleanup]. [Handle.Transaction] and
// [Handle.Refresh] fail fast with [ErrExpired] once that has happened, and the operation must then be abandoned.
//
// The timeout is computed by the database, never by the client, so client clock skew is irrelevant. It defaults to
// two minutes and is changed with a migration altering please_timeout(). There is no per-lease timeout.
package please

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/alecthomas/errors"

	pleasesql "github.com/alecthomas/please/providers/sql"
)

// Provider supplies connections to the lease store.
//
// [*sql.DB] implements this interface.
type Provider interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}

var _ Provider = (*sql.DB)(nil)

// Store creates lease handles and sweeps expired leases.
//
// A Store is safe for concurrent use, but the [Handle]s it creates are not.
type Store struct {
	provider Provider
	driver   pleasesql.Driver
	queries  queries
	log      *slog.Logger
}

// NewStore creates a [Store] that obtains connections from provider, using the SQL dialect of driver.
//
// The schema from [Migrations] must already be applied.
func NewStore(logger *slog.Logger, driver pleasesql.Driver, provider Provider) *Store {
	return &Store{
		provider: provider,
		driver:   driver,
		queries:  newQueries(driver),
		log:      logger,
	}
}

// New creates a new lease with the given human-readable title, in its own transaction.
//
// The title has no uniqueness constraint. It is useful when inspecting the database or logging expired leases.
func (s *Store) New(ctx context.Context, title string) (*Handle, error) {
	var id int64
	err := s.txn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		id, err = s.insert(ctx, tx, title)
		return err
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	s.log.Debug("Created lease", "lease", id, "title", title)
	return s.newHandle(id), nil
}

// NewWithCleanup calls [Store.PerformCleanup], ignoring any failure, followed by [Store.New].
//
// Callers that want to handle expired leases themselves should call the methods individually.
func (s *Store) NewWithCleanup(ctx context.Context, title string) (*Handle, error) {
	expired, err := s.PerformCleanup(ctx)
	if err != nil {
		s.log.Debug("Cleanup before creating lease failed", "title", title, "error", err)
	}
	for _, record := range expired {
		s.log.Info("Expired lease", "lease", record.ID, "title", record.Title, "expiry", record.Expiry, "refreshes", record.RefreshCount)
	}
	return s.New(ctx, title)
}

// NewWithTx creates a new lease from within a transaction owned by the caller.
//
// This allows a lease to be created conditionally without losing the atomicity of the caller's transaction. The
// returned handle is only usable once the caller has committed. Errors are reported as [ErrQuery].
func (s *Store) NewWithTx(ctx context.Context, tx *sql.Tx, title string) (*Handle, error) {
	id, err := s.insert(ctx, tx, title)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	s.log.Debug("Created lease in caller transaction", "lease", id, "title", title)
	return s.newHandle(id), nil
}

func (s *Store) insert(ctx context.Context, tx *sql.Tx, title string) (int64, error) {
	if s.driver.SupportsReturning() {
		var id int64
		if err := tx.QueryRowContext(ctx, s.queries.insert, title).Scan(&id); err != nil {
			return 0, s.queryError(err)
		}
		return id, nil
	}
	result, err := tx.ExecContext(ctx, s.queries.insert, title)
	if err != nil {
		return 0, s.queryError(err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, s.queryError(err)
	}
	return id, nil
}

// PerformCleanup deletes every lease whose expiry is earlier than the database's current time, in a single
// transaction, and returns the deleted leases for logging.
//
// It removes any timed out lease regardless of which process created it. It is safe to call concurrently with
// transactions on other leases: a lease whose transaction is in progress is locked and will have its expiry
// advanced before the sweep can observe it.
func (s *Store) PerformCleanup(ctx context.Context) ([]ExpiredRecord, error) {
	var expired []ExpiredRecord
	err := s.txn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		if s.driver.SupportsReturning() {
			expired, err = s.queryExpired(ctx, tx, s.queries.sweepReturning)
			return err
		}
		expired, err = s.queryExpired(ctx, tx, s.queries.selectExpiredForUpdate)
		if err != nil {
			return err
		}
		for _, record := range expired {
			if _, err := tx.ExecContext(ctx, s.queries.deleteByID, record.ID); err != nil {
				return s.queryError(err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(expired) > 0 {
		s.log.Debug("Swept expired leases", "count", len(expired))
	}
	return expired, nil
}

func (s *Store) queryExpired(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]ExpiredRecord, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.queryError(err)
	}
	defer rows.Close()
	var out []ExpiredRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, s.queryError(err)
		}
		out = append(out, ExpiredRecord{record})
	}
	if err := rows.Err(); err != nil {
		return nil, s.queryError(err)
	}
	return out, nil
}

// List returns all leases currently in the store, including those that have timed out but not yet been swept.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var records []Record
	err := s.txn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.queries.list)
		if err != nil {
			return s.queryError(err)
		}
		defer rows.Close()
		for rows.Next() {
			record, err := scanRecord(rows)
			if err != nil {
				return s.queryError(err)
			}
			records = append(records, record)
		}
		if err := rows.Err(); err != nil {
			return s.queryError(err)
		}
		return nil
	})
	return records, errors.WithStack(err)
}

// Timeout returns the operation timeout configured in the database.
func (s *Store) Timeout(ctx context.Context) (time.Duration, error) {
	if s.queries.timeout == "" {
		return 0, errors.Errorf("reading the timeout is not supported for %s", s.driver.Name())
	}
	var seconds float64
	err := s.txn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, s.queries.timeout).Scan(&seconds); err != nil {
			return s.queryError(err)
		}
		return nil
	})
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// With creates a lease using [Store.NewWithCleanup], passes it to fn, and releases it on every exit path,
// including panics.
//
// Release failures are discarded. Callers that need to observe them should call [Handle.Close] from within fn,
// after which the implicit release is a no-op.
func With(ctx context.Context, store *Store, title string, fn func(ctx context.Context, handle *Handle) error) error {
	handle, err := store.NewWithCleanup(ctx, title)
	if err != nil {
		return errors.WithStack(err)
	}
	defer handle.Release(ctx)
	return fn(ctx, handle)
}
