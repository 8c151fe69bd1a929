package please

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/alecthomas/errors"
)

// How long the best-effort release of an unreachable handle may take.
const abandonedReleaseTimeout = time.Second * 10

// TxFunc is called by [Handle.Transaction] within a store transaction, after the lease has been validated and
// refreshed.
type TxFunc func(ctx context.Context, tx *sql.Tx, id int64) error

// Handle identifies a long-running operation by the ID of its row in the store.
//
// A Handle must not be used concurrently. It should always be closed, either with [Handle.Close] or, where
// errors are of no interest, with a deferred [Handle.Release]. If a handle becomes unreachable without being
// closed its row is deleted on a best-effort basis by the garbage collector, but this should not be relied upon.
type Handle struct {
	store   *Store
	id      int64
	closed  bool
	cleanup runtime.Cleanup
}

func (s *Store) newHandle(id int64) *Handle {
	h := &Handle{store: s, id: id}
	h.cleanup = runtime.AddCleanup(h, s.releaseAbandoned, id)
	return h
}

// Called by the runtime on its cleanup goroutine, so the delete is handed off to avoid blocking other cleanups.
func (s *Store) releaseAbandoned(id int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), abandonedReleaseTimeout)
		defer cancel()
		if _, err := s.expire(ctx, id); err != nil {
			s.log.Debug("Failed to release abandoned lease", "lease", id, "error", err)
			return
		}
		s.log.Debug("Released abandoned lease", "lease", id)
	}()
}

// ID of the lease.
//
// The ID is only known to be valid inside [Handle.Transaction], which also passes it to its callback.
func (h *Handle) ID() int64 { return h.id }

// Closed reports whether the handle has been closed, either by a successful [Handle.Close] or by one that found
// the lease already gone.
func (h *Handle) Closed() bool { return h.closed }

// Transaction runs fn as part of the operation this handle represents.
//
// After beginning the transaction, the lease is refreshed and validated in a single statement, which also locks
// the lease's row so that it cannot be expired by a concurrent sweep while the transaction is in progress. If the
// lease has already expired fn is not called and [ErrExpired] is returned.
//
// If fn returns an error the transaction, including the refresh, is rolled back and the error is returned
// unchanged.
func (h *Handle) Transaction(ctx context.Context, fn TxFunc) error {
	if h.closed {
		return expiredError(h.id)
	}
	s := h.store
	id := h.id
	return s.txn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.queries.refresh, id)
		if err != nil {
			return s.queryError(err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return s.queryError(err)
		}
		if rows != 1 {
			// The row was closed or swept.
			return expiredError(id)
		}
		return fn(ctx, tx, id)
	})
}

// Transact is [Handle.Transaction] for callbacks that produce a value.
func Transact[R any](ctx context.Context, h *Handle, fn func(ctx context.Context, tx *sql.Tx, id int64) (R, error)) (R, error) {
	var out R
	err := h.Transaction(ctx, func(ctx context.Context, tx *sql.Tx, id int64) error {
		var err error
		out, err = fn(ctx, tx, id)
		return err
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return out, nil
}

// Refresh the lease, postponing its expiry and recording liveness.
//
// This is equivalent to an empty [Handle.Transaction].
func (h *Handle) Refresh(ctx context.Context) error {
	return h.Transaction(ctx, func(context.Context, *sql.Tx, int64) error { return nil })
}

// Expire deletes the lease unconditionally, returning a snapshot of the deleted row.
//
// Future operations on this handle will fail with [ErrExpired], as will a second call to Expire. Use
// [Handle.Close] to release a lease idempotently.
func (h *Handle) Expire(ctx context.Context) (ExpiredRecord, error) {
	if h.closed {
		return ExpiredRecord{}, expiredError(h.id)
	}
	record, err := h.store.expire(ctx, h.id)
	if err != nil {
		return ExpiredRecord{}, errors.WithStack(err)
	}
	h.store.log.Debug("Expired lease", "lease", record.ID, "title", record.Title)
	return record, nil
}

func (s *Store) expire(ctx context.Context, id int64) (ExpiredRecord, error) {
	var expired []ExpiredRecord
	err := s.txn(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		if s.driver.SupportsReturning() {
			expired, err = s.queryExpired(ctx, tx, s.queries.expireReturning, id)
			if err != nil {
				return err
			}
		} else {
			expired, err = s.queryExpired(ctx, tx, s.queries.selectByIDForUpdate, id)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, s.queries.deleteByID, id); err != nil {
				return s.queryError(err)
			}
		}
		if len(expired) == 0 {
			return expiredError(id)
		}
		return nil
	})
	if err != nil {
		return ExpiredRecord{}, err
	}
	return expired[0], nil
}

// Close the handle, deleting its lease and reporting any error.
//
// If the lease had already expired [ErrExpired] is returned, but the handle is still closed. Other failures leave
// the handle open so that Close can be retried. Closing an already closed handle is a no-op and does not touch the
// store.
func (h *Handle) Close(ctx context.Context) error {
	if h.closed {
		return nil
	}
	_, err := h.Expire(ctx)
	if err != nil && !errors.Is(err, ErrExpired) {
		return errors.WithStack(err)
	}
	h.closed = true
	h.cleanup.Stop()
	return errors.WithStack(err)
}

// Release closes the handle, discarding any error.
//
// It is intended to be deferred immediately after a handle is created.
func (h *Handle) Release(ctx context.Context) {
	if err := h.Close(ctx); err != nil {
		h.store.log.Debug("Failed to release lease", "lease", h.id, "error", err)
	}
}
