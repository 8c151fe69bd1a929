package sql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"github.com/alecthomas/errors"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func init() {
	Register("postgres", PostgresDriver{})
	Register("postgresql", PostgresDriver{})
	Register("pgx", PostgresDriver{})
}

type PostgresDriver struct{}

var _ Driver = (*PostgresDriver)(nil)

func (PostgresDriver) Name() string { return "postgres" }

func (PostgresDriver) TranslateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgerrcode.IsIntegrityConstraintViolation(pgErr.Code) {
		return errors.Errorf("%w: %w", ErrConstraint, err)
	}
	return err
}

// Denormalise rewrites "?" placeholders as $1, $2, ... Question marks inside quoted literals, quoted identifiers
// and dollar-quoted bodies are left alone.
func (PostgresDriver) Denormalise(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		switch c := query[i]; c {
		case '\'', '"':
			end := strings.IndexByte(query[i+1:], c)
			if end == -1 {
				out.WriteString(query[i:])
				return out.String()
			}
			out.WriteString(query[i : i+end+2])
			i += end + 1
		case '$':
			body, ok := dollarQuoted(query[i:])
			if !ok {
				out.WriteByte(c)
				continue
			}
			out.WriteString(body)
			i += len(body) - 1
		case '?':
			n++
			out.WriteString("$" + strconv.Itoa(n))
		default:
			out.WriteByte(c)
		}
	}
	return out.String()
}

// dollarQuoted returns the $tag$...$tag$ string at the start of s, if any.
func dollarQuoted(s string) (string, bool) {
	end := strings.IndexByte(s[1:], '$')
	if end == -1 {
		return "", false
	}
	tag := s[:end+2]
	for i, r := range tag[1 : len(tag)-1] {
		if !(r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r))) {
			return "", false
		}
	}
	closing := strings.Index(s[len(tag):], tag)
	if closing == -1 {
		return "", false
	}
	return s[:len(tag)+closing+len(tag)], true
}

func (PostgresDriver) SupportsReturning() bool { return true }

func (PostgresDriver) CurrentTime() string { return "CURRENT_TIMESTAMP" }

func (PostgresDriver) Open(dsn string) (*sql.DB, error) {
	return errors.WithStack2(sql.Open("pgx", normalisePostgresDSN(dsn)))
}

func (PostgresDriver) RecreateDatabase(ctx context.Context, dsn string) error {
	u, err := url.Parse(normalisePostgresDSN(dsn))
	if err != nil {
		return errors.Errorf("failed to parse DSN: %w", err)
	}
	dbName := strings.Trim(u.Path, "/")
	// Reconnect to PG without DB
	bare, err := url.Parse(u.String())
	if err != nil {
		return errors.Errorf("failed to parse DSN: %w", err)
	}
	bare.Path = ""
	db, err := sql.Open("pgx", bare.String())
	if err != nil {
		return errors.Errorf("failed to open database connection: %w", err)
	}
	defer db.Close()
	// Kill all existing connections, if any, so the DROP doesn't block.
	_, err = db.ExecContext(ctx, `
	     SELECT pid, pg_terminate_backend(pid)
	     FROM pg_stat_activity
	     WHERE datname = $1 AND pid <> pg_backend_pid()`,
		dbName)
	if err != nil {
		return errors.Errorf("failed to kill existing backends: %w", err)
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %q", dbName)) //nolint
	if err != nil {
		return errors.Errorf("failed to drop database: %w", err)
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %q", dbName)) //nolint
	if err != nil {
		return errors.Errorf("failed to create database: %w", err)
	}
	return nil
}

func normalisePostgresDSN(dsn string) string {
	for _, scheme := range []string{"pgx://", "postgresql://"} {
		if after, ok := strings.CutPrefix(dsn, scheme); ok {
			return "postgres://" + after
		}
	}
	return dsn
}
