package sql

import (
	"context"
	"database/sql"
	"io/fs"
	"log/slog"
	"path"
	"sort"

	"github.com/alecthomas/errors"
)

// Migrations is a set of filesystems containing SQL migration files.
//
// Files matching *.sql are applied in lexical order of their base name. If a filesystem contains a directory named
// after the [Driver] (eg. "postgres"), only the files in that directory are applied for that driver.
//
// Migration names must be unique across all filesystems.
type Migrations []fs.FS

type migration struct {
	name string
	fs   fs.FS
	path string
}

// Migrate applies any migrations that have not yet been applied to the database.
//
// Applied migrations are recorded in the please_migrations table.
func Migrate(ctx context.Context, logger *slog.Logger, driver Driver, db *sql.DB, migrations Migrations) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS please_migrations (name VARCHAR(255) NOT NULL PRIMARY KEY)`)
	if err != nil {
		return errors.Errorf("failed to create migrations table: %w", driver.TranslateError(err))
	}
	pending, err := collectMigrations(driver, migrations)
	if err != nil {
		return errors.WithStack(err)
	}
	for _, m := range pending {
		var count int
		err := db.QueryRowContext(ctx, driver.Denormalise(`SELECT COUNT(*) FROM please_migrations WHERE name = ?`), m.name).Scan(&count)
		if err != nil {
			return errors.Errorf("%s: failed to check migration: %w", m.name, err)
		}
		if count > 0 {
			continue
		}
		content, err := fs.ReadFile(m.fs, m.path)
		if err != nil {
			return errors.Errorf("%s: failed to read migration: %w", m.name, err)
		}
		logger.Debug("Applying migration", "migration", m.name, "driver", driver.Name())
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return errors.Errorf("%s: failed to apply migration: %w", m.name, driver.TranslateError(err))
		}
		if _, err := db.ExecContext(ctx, driver.Denormalise(`INSERT INTO please_migrations (name) VALUES (?)`), m.name); err != nil {
			return errors.Errorf("%s: failed to record migration: %w", m.name, driver.TranslateError(err))
		}
	}
	return nil
}

func collectMigrations(driver Driver, migrations Migrations) ([]migration, error) {
	var out []migration
	seen := map[string]bool{}
	for _, fsys := range migrations {
		root := "."
		if info, err := fs.Stat(fsys, driver.Name()); err == nil && info.IsDir() {
			root = driver.Name()
		}
		matches, err := fs.Glob(fsys, path.Join(root, "*.sql"))
		if err != nil {
			return nil, errors.Errorf("failed to list migrations: %w", err)
		}
		for _, match := range matches {
			name := path.Base(match)
			if seen[name] {
				return nil, errors.Errorf("duplicate migration %q", name)
			}
			seen[name] = true
			out = append(out, migration{name: name, fs: fsys, path: match})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}
