package please

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/alecthomas/errors"

	"github.com/alecthomas/please/providers/logging/loggingtest"
	pleasesql "github.com/alecthomas/please/providers/sql"
	"github.com/alecthomas/please/providers/sql/sqltest"
)

type testDB struct {
	db       *sql.DB
	driver   pleasesql.Driver
	provider *countingProvider
	store    *Store
}

// countingProvider counts connection requests, so tests can assert that an operation did not touch the store.
type countingProvider struct {
	Provider
	conns atomic.Int64
	err   error
}

func (c *countingProvider) Conn(ctx context.Context) (*sql.Conn, error) {
	c.conns.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.Provider.Conn(ctx)
}

func (d *testDB) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	_, err := d.db.ExecContext(t.Context(), d.driver.Denormalise(query), args...)
	assert.NoError(t, err)
}

func (d *testDB) refreshCount(t *testing.T, id int64) int {
	t.Helper()
	var count int
	err := d.db.QueryRowContext(t.Context(), d.driver.Denormalise(`SELECT refresh_count FROM please_ids WHERE id = ?`), id).Scan(&count)
	assert.NoError(t, err)
	return count
}

func (d *testDB) exists(t *testing.T, id int64) bool {
	t.Helper()
	var count int
	err := d.db.QueryRowContext(t.Context(), d.driver.Denormalise(`SELECT COUNT(*) FROM please_ids WHERE id = ?`), id).Scan(&count)
	assert.NoError(t, err)
	return count == 1
}

// backdate simulates the operation timeout elapsing for a lease.
func (d *testDB) backdate(t *testing.T, id int64) {
	t.Helper()
	d.exec(t, `UPDATE please_ids SET expiry = '2000-01-01 00:00:00' WHERE id = ?`, id)
}

func testStore(t *testing.T, dsn func(t *testing.T) string) { //nolint:maintidx
	newDB := func(t *testing.T) *testDB {
		t.Helper()
		db, driver := sqltest.NewForTesting(t, dsn(t), Migrations())
		provider := &countingProvider{Provider: db}
		return &testDB{
			db:       db,
			driver:   driver,
			provider: provider,
			store:    NewStore(loggingtest.NewForTesting(), driver, provider),
		}
	}

	t.Run("DistinctIDs", func(t *testing.T) {
		d := newDB(t)
		seen := map[int64]bool{}
		for range 5 {
			h, err := d.store.New(t.Context(), "distinct")
			assert.NoError(t, err)
			assert.False(t, seen[h.ID()], "duplicate id %d", h.ID())
			seen[h.ID()] = true
			defer h.Release(t.Context())
		}
	})

	t.Run("FirstTransactionRefreshes", func(t *testing.T) {
		d := newDB(t)
		h, err := d.store.New(t.Context(), "smoke")
		assert.NoError(t, err)
		defer h.Release(t.Context())
		before, err := d.store.List(t.Context())
		assert.NoError(t, err)
		assert.Equal(t, 1, len(before))
		assert.Equal(t, 0, before[0].RefreshCount)
		assert.Equal(t, "smoke", before[0].Title)

		called := false
		err = h.Transaction(t.Context(), func(ctx context.Context, tx *sql.Tx, id int64) error {
			called = true
			assert.Equal(t, h.ID(), id)
			return nil
		})
		assert.NoError(t, err)
		assert.True(t, called)
		assert.Equal(t, 1, d.refreshCount(t, h.ID()))

		after, err := d.store.List(t.Context())
		assert.NoError(t, err)
		assert.False(t, after[0].Expiry.Before(before[0].Expiry), "expiry moved backwards")
		assert.NoError(t, h.Close(t.Context()))
	})

	t.Run("Refresh", func(t *testing.T) {
		d := newDB(t)
		h, err := d.store.New(t.Context(), "refresh")
		assert.NoError(t, err)
		defer h.Release(t.Context())
		for range 3 {
			assert.NoError(t, h.Refresh(t.Context()))
		}
		assert.Equal(t, 3, d.refreshCount(t, h.ID()))
	})

	t.Run("Transact", func(t *testing.T) {
		d := newDB(t)
		h, err := d.store.New(t.Context(), "transact")
		assert.NoError(t, err)
		defer h.Release(t.Context())
		title, err := Transact(t.Context(), h, func(ctx context.Context, tx *sql.Tx, id int64) (string, error) {
			var title string
			err := tx.QueryRowContext(ctx, d.driver.Denormalise(`SELECT title FROM please_ids WHERE id = ?`), id).Scan(&title)
			return title, err
		})
		assert.NoError(t, err)
		assert.Equal(t, "transact", title)
	})

	t.Run("ExpireThenTransactionFails", func(t *testing.T) {
		d := newDB(t)
		h, err := d.store.New(t.Context(), "expiry")
		assert.NoError(t, err)

		record, err := h.Expire(t.Context())
		assert.NoError(t, err)
		assert.Equal(t, h.ID(), record.ID)
		assert.Equal(t, "expiry", record.Title)

		err = h.Transaction(t.Context(), func(ctx context.Context, tx *sql.Tx, id int64) error {
			t.Fatal("transaction function called on an expired lease")
			return nil
		})
		assert.IsError(t, err, ErrExpired)

		_, err = h.Expire(t.Context())
		assert.IsError(t, err, ErrExpired)

		// The first Close reports that the row is gone, but still closes the handle.
		assert.IsError(t, h.Close(t.Context()), ErrExpired)
		assert.True(t, h.Closed())
		assert.NoError(t, h.Close(t.Context()))
	})

	t.Run("SweptThenCloseTwice", func(t *testing.T) {
		d := newDB(t)
		h, err := d.store.New(t.Context(), "swept")
		assert.NoError(t, err)
		d.backdate(t, h.ID())
		expired, err := d.store.PerformCleanup(t.Context())
		assert.NoError(t, err)
		assert.Equal(t, 1, len(expired))

		err = h.Close(t.Context())
		assert.IsError(t, err, ErrExpired)
		assert.Contains(t, err.Error(), fmt.Sprintf("lease %d:", h.ID()))
		assert.True(t, h.Closed())

		conns := d.provider.conns.Load()
		assert.NoError(t, h.Close(t.Context()))
		h.Release(t.Context())
		assert.Equal(t, conns, d.provider.conns.Load(), "closed handle touched the store")
	})

	t.Run("ClosedHandleErrorsNameTheLease", func(t *testing.T) {
		d := newDB(t)
		h, err := d.store.New(t.Context(), "named")
		assert.NoError(t, err)
		assert.NoError(t, h.Close(t.Context()))

		err = h.Refresh(t.Context())
		assert.IsError(t, err, ErrExpired)
		assert.Contains(t, err.Error(), fmt.Sprintf("lease %d:", h.ID()))
		_, err = h.Expire(t.Context())
		assert.IsError(t, err, ErrExpired)
		assert.NotContains(t, err.Error(), "lease -1")
	})

	t.Run("QueryFailure", func(t *testing.T) {
		d := newDB(t)
		if d.driver.Name() == "sqlite" {
			d.exec(t, `
				CREATE TRIGGER please_ids_reject BEFORE INSERT ON please_ids
				WHEN NEW.title = 'rejected'
				BEGIN
					SELECT RAISE(ABORT, 'rejected');
				END`)
		} else {
			d.exec(t, `ALTER TABLE please_ids ADD CONSTRAINT please_ids_reject CHECK (title <> 'rejected')`)
		}

		_, err := d.store.New(t.Context(), "rejected")
		assert.IsError(t, err, ErrQuery)
		assert.IsError(t, err, pleasesql.ErrConstraint)
		assert.False(t, errors.Is(err, ErrProvider))
		assert.False(t, errors.Is(err, ErrExpired))

		records, err := d.store.List(t.Context())
		assert.NoError(t, err)
		assert.Equal(t, 0, len(records))
	})

	t.Run("CloseIsIdempotent", func(t *testing.T) {
		d := newDB(t)
		h, err := d.store.New(t.Context(), "close")
		assert.NoError(t, err)
		assert.NoError(t, h.Close(t.Context()))
		assert.True(t, h.Closed())
		assert.False(t, d.exists(t, h.ID()))

		conns := d.provider.conns.Load()
		assert.NoError(t, h.Close(t.Context()))
		h.Release(t.Context())
		assert.IsError(t, h.Refresh(t.Context()), ErrExpired)
		_, err = h.Expire(t.Context())
		assert.IsError(t, err, ErrExpired)
		assert.Equal(t, conns, d.provider.conns.Load(), "closed handle touched the store")
	})

	t.Run("TwoHandles", func(t *testing.T) {
		d := newDB(t)
		a, err := d.store.New(t.Context(), "job-1")
		assert.NoError(t, err)
		defer a.Release(t.Context())
		b, err := d.store.New(t.Context(), "job-2")
		assert.NoError(t, err)
		defer b.Release(t.Context())
		assert.NotEqual(t, a.ID(), b.ID())

		var seenA, seenB int64
		if d.driver.Name() == "sqlite" {
			// SQLite allows a single writer, so the transactions cannot be nested.
			assert.NoError(t, a.Transaction(t.Context(), func(ctx context.Context, tx *sql.Tx, id int64) error { seenA = id; return nil }))
			assert.NoError(t, b.Transaction(t.Context(), func(ctx context.Context, tx *sql.Tx, id int64) error { seenB = id; return nil }))
		} else {
			err = a.Transaction(t.Context(), func(ctx context.Context, tx *sql.Tx, idA int64) error {
				seenA = idA
				return b.Transaction(ctx, func(ctx context.Context, tx *sql.Tx, idB int64) error {
					seenB = idB
					return nil
				})
			})
			assert.NoError(t, err)
		}
		assert.Equal(t, a.ID(), seenA)
		assert.Equal(t, b.ID(), seenB)

		_, err = a.Expire(t.Context())
		assert.NoError(t, err)
		assert.IsError(t, a.Refresh(t.Context()), ErrExpired)
		assert.NoError(t, b.Refresh(t.Context()))

		assert.NoError(t, b.Close(t.Context()))
		expired, err := d.store.PerformCleanup(t.Context())
		assert.NoError(t, err)
		assert.Equal(t, 0, len(expired))
	})

	t.Run("SweepRemovesTimedOutLeases", func(t *testing.T) {
		d := newDB(t)
		stale, err := d.store.New(t.Context(), "stale")
		assert.NoError(t, err)
		defer stale.Release(t.Context())
		live, err := d.store.New(t.Context(), "live")
		assert.NoError(t, err)
		defer live.Release(t.Context())

		d.backdate(t, stale.ID())

		expired, err := d.store.PerformCleanup(t.Context())
		assert.NoError(t, err)
		assert.Equal(t, 1, len(expired))
		assert.Equal(t, stale.ID(), expired[0].ID)
		assert.Equal(t, "stale", expired[0].Title)
		assert.Equal(t, 2000, expired[0].Expiry.Year())

		assert.IsError(t, stale.Refresh(t.Context()), ErrExpired)
		assert.NoError(t, live.Refresh(t.Context()))

		expired, err = d.store.PerformCleanup(t.Context())
		assert.NoError(t, err)
		assert.Equal(t, 0, len(expired))
	})

	t.Run("NewWithCleanupSweepsFirst", func(t *testing.T) {
		d := newDB(t)
		stale, err := d.store.New(t.Context(), "stale")
		assert.NoError(t, err)
		defer stale.Release(t.Context())
		d.backdate(t, stale.ID())

		fresh, err := d.store.NewWithCleanup(t.Context(), "fresh")
		assert.NoError(t, err)
		defer fresh.Release(t.Context())
		assert.False(t, d.exists(t, stale.ID()))
		assert.True(t, d.exists(t, fresh.ID()))
	})

	t.Run("CallerErrorRollsBack", func(t *testing.T) {
		d := newDB(t)
		d.exec(t, `CREATE TABLE jobs (name VARCHAR(255) NOT NULL PRIMARY KEY)`)
		h, err := d.store.New(t.Context(), "rollback")
		assert.NoError(t, err)
		defer h.Release(t.Context())

		errBoom := errors.New("boom")
		err = h.Transaction(t.Context(), func(ctx context.Context, tx *sql.Tx, id int64) error {
			_, err := tx.ExecContext(ctx, d.driver.Denormalise(`INSERT INTO jobs (name) VALUES (?)`), "partial")
			assert.NoError(t, err)
			return errBoom
		})
		assert.IsError(t, err, errBoom)
		assert.False(t, errors.Is(err, ErrExpired))
		assert.Equal(t, 0, d.refreshCount(t, h.ID()))

		var count int
		err = d.db.QueryRowContext(t.Context(), `SELECT COUNT(*) FROM jobs`).Scan(&count)
		assert.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("ProviderFailure", func(t *testing.T) {
		d := newDB(t)
		errDown := errors.New("pool exhausted")
		store := NewStore(loggingtest.NewForTesting(), d.driver, &countingProvider{Provider: d.db, err: errDown})
		_, err := store.New(t.Context(), "unreachable")
		assert.IsError(t, err, ErrProvider)
		assert.IsError(t, err, errDown)

		_, err = store.PerformCleanup(t.Context())
		assert.IsError(t, err, ErrProvider)

		// Failures during the implicit sweep are ignored, but creation still fails.
		_, err = store.NewWithCleanup(t.Context(), "unreachable")
		assert.IsError(t, err, ErrProvider)
	})

	t.Run("NewWithTx", func(t *testing.T) {
		d := newDB(t)
		conn, err := d.db.Conn(t.Context())
		assert.NoError(t, err)
		defer conn.Close()

		tx, err := conn.BeginTx(t.Context(), nil)
		assert.NoError(t, err)
		committed, err := d.store.NewWithTx(t.Context(), tx, "committed")
		assert.NoError(t, err)
		assert.NoError(t, tx.Commit())
		defer committed.Release(t.Context())
		assert.NoError(t, committed.Refresh(t.Context()))

		tx, err = conn.BeginTx(t.Context(), nil)
		assert.NoError(t, err)
		rolledBack, err := d.store.NewWithTx(t.Context(), tx, "rolled back")
		assert.NoError(t, err)
		assert.NoError(t, tx.Rollback())
		assert.IsError(t, rolledBack.Refresh(t.Context()), ErrExpired)
	})

	t.Run("ForeignKeyDetachesOnClose", func(t *testing.T) {
		d := newDB(t)
		d.exec(t, `
			CREATE TABLE reports (
				id INTEGER NOT NULL PRIMARY KEY,
				operation_id BIGINT NULL,
				FOREIGN KEY (operation_id) REFERENCES please_ids (id) ON DELETE SET NULL
			)`)
		d.exec(t, `INSERT INTO reports (id) VALUES (1)`)

		claim := func(h *Handle) error {
			return h.Transaction(t.Context(), func(ctx context.Context, tx *sql.Tx, id int64) error {
				result, err := tx.ExecContext(ctx, d.driver.Denormalise(`UPDATE reports SET operation_id = ? WHERE id = 1 AND operation_id IS NULL`), id)
				if err != nil {
					return errors.WithStack(err)
				}
				if n, _ := result.RowsAffected(); n != 1 {
					return errors.New("report already claimed")
				}
				return nil
			})
		}

		first, err := d.store.New(t.Context(), "report")
		assert.NoError(t, err)
		assert.NoError(t, claim(first))

		second, err := d.store.New(t.Context(), "report")
		assert.NoError(t, err)
		defer second.Release(t.Context())
		assert.EqualError(t, claim(second), "report already claimed")

		assert.NoError(t, first.Close(t.Context()))
		assert.NoError(t, claim(second))
	})

	t.Run("Timeout", func(t *testing.T) {
		d := newDB(t)
		timeout, err := d.store.Timeout(t.Context())
		assert.NoError(t, err)
		assert.Equal(t, 2*time.Minute, timeout)
	})

	t.Run("With", func(t *testing.T) {
		d := newDB(t)
		var id int64
		errBoom := errors.New("boom")
		err := With(t.Context(), d.store, "scoped", func(ctx context.Context, h *Handle) error {
			id = h.ID()
			assert.NoError(t, h.Refresh(ctx))
			return errBoom
		})
		assert.IsError(t, err, errBoom)
		assert.False(t, d.exists(t, id))

		func() {
			defer func() { assert.Equal(t, "panic", recover()) }()
			_ = With(t.Context(), d.store, "scoped", func(ctx context.Context, h *Handle) error {
				id = h.ID()
				panic("panic")
			})
		}()
		assert.False(t, d.exists(t, id))
	})

	t.Run("ReleasedWhenUnreachable", func(t *testing.T) {
		d := newDB(t)
		id := func() int64 {
			h, err := d.store.New(t.Context(), "abandoned")
			assert.NoError(t, err)
			return h.ID()
		}()
		deadline := time.Now().Add(time.Second * 10)
		for d.exists(t, id) {
			if time.Now().After(deadline) {
				t.Fatal("abandoned lease was not released")
			}
			runtime.GC()
			time.Sleep(time.Millisecond * 50)
		}
	})
}
