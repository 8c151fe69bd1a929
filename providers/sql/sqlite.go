package sql

import (
	"context"
	"database/sql"
	"os"
	"strings"

	"github.com/alecthomas/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

func init() {
	Register("sqlite", SQLiteDriver{})
}

type SQLiteDriver struct{}

var _ Driver = (*SQLiteDriver)(nil)

func (SQLiteDriver) Name() string { return "sqlite" }

// TranslateError maps every SQLITE_CONSTRAINT extended code, including constraints raised by triggers, to
// [ErrConstraint].
func (SQLiteDriver) TranslateError(err error) error {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	// Extended result codes carry the primary code in their low byte.
	if sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return errors.Errorf("%w: %w", ErrConstraint, err)
	}
	return err
}

func (SQLiteDriver) Denormalise(query string) string { return query }

// SupportsReturning is true as of SQLite 3.35.
func (SQLiteDriver) SupportsReturning() bool { return true }

func (SQLiteDriver) CurrentTime() string { return "strftime('%Y-%m-%d %H:%M:%f', 'now')" }

func (SQLiteDriver) Open(dsn string) (*sql.DB, error) {
	return errors.WithStack2(sql.Open("sqlite", transformSQLiteDSN(dsn)))
}

func (SQLiteDriver) RecreateDatabase(ctx context.Context, dsn string) error {
	if strings.Contains(dsn, "mode=memory") || strings.Contains(dsn, ":memory:") {
		return nil
	}
	dsn = transformSQLiteDSN(dsn)
	path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return errors.WithStack(err)
}

func transformSQLiteDSN(dsn string) string {
	return strings.TrimPrefix(dsn, "sqlite://")
}
