package please

import (
	"context"
	"database/sql"

	"github.com/alecthomas/errors"
)

// txn runs fn inside a store transaction on a connection obtained from the provider.
//
// The transaction is committed if fn returns nil, and rolled back otherwise. Errors returned by fn are returned
// unchanged, whether they originate from the lease protocol itself or from caller code, so both share a single
// rollback-triggering channel. Failure to obtain a connection is reported as [ErrProvider], and failure to begin
// or commit as [ErrQuery].
func (s *Store) txn(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	conn, err := s.provider.Conn(ctx)
	if err != nil {
		return providerError(err)
	}
	defer conn.Close() //nolint:errcheck

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return s.queryError(err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			err = errors.Join(err, s.queryError(rerr))
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.queryError(err)
	}
	committed = true
	return nil
}
