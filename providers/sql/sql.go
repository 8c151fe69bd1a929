// Package sql provides SQL drivers and a migration runner for the lease store.
package sql

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/alecthomas/errors"
)

// ErrConstraint is returned by [Driver.TranslateError] when a query violates an integrity constraint.
var ErrConstraint = errors.New("constraint violation")

// Driver abstracts over the differences between SQL dialects.
type Driver interface {
	// Name of the driver, eg. "postgres". Migrations for a dialect live in a directory of this name.
	Name() string
	// TranslateError translates driver specific errors into errors defined in this package, such as [ErrConstraint].
	TranslateError(err error) error
	// Denormalise converts a query using "?" placeholders into the dialect's native placeholder syntax.
	Denormalise(query string) string
	// Open a connection pool for the given DSN.
	Open(dsn string) (*sql.DB, error)
	// RecreateDatabase drops and recreates the database referenced by the DSN.
	RecreateDatabase(ctx context.Context, dsn string) error
	// SupportsReturning reports whether INSERT/DELETE ... RETURNING is available.
	SupportsReturning() bool
	// CurrentTime is an SQL expression evaluating to the database server's current time.
	CurrentTime() string
}

var (
	driversLock sync.Mutex
	drivers     = map[string]Driver{}
)

// Register a [Driver] for a DSN scheme.
func Register(scheme string, driver Driver) {
	driversLock.Lock()
	defer driversLock.Unlock()
	drivers[scheme] = driver
}

// Drivers returns the names of all registered DSN schemes.
func Drivers() []string {
	driversLock.Lock()
	defer driversLock.Unlock()
	return supportedNoLock()
}

// Config for the SQL connection.
type Config struct {
	DSN     string `default:"${sqldsn=postgres://localhost:5432/please?sslmode=disable}" help:"DSN for the SQL connection." env:"PLEASE_DSN"`
	Create  bool   `help:"Drop and recreate the database on startup (for testing)." hidden:""`
	Migrate bool   `help:"Apply migrations on startup." default:"true" negatable:""`
}

// DriverForConfig returns the [Driver] registered for the scheme of the configured DSN.
func DriverForConfig(config Config) (Driver, error) {
	return DriverForDSN(config.DSN)
}

// DriverForDSN returns the [Driver] registered for the scheme of the DSN.
func DriverForDSN(dsn string) (Driver, error) {
	scheme, _, ok := strings.Cut(dsn, "://")
	if !ok {
		u, err := url.Parse(dsn)
		if err != nil {
			return nil, errors.Errorf("failed to parse DSN: %w", err)
		}
		scheme = u.Scheme
	}
	driversLock.Lock()
	defer driversLock.Unlock()
	driver, ok := drivers[scheme]
	if !ok {
		return nil, errors.Errorf("unsupported SQL DSN scheme %q (supported: %s)", scheme, strings.Join(supportedNoLock(), ", "))
	}
	return driver, nil
}

func supportedNoLock() []string {
	out := make([]string, 0, len(drivers))
	for scheme := range drivers {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

// Open a connection pool for the configured DSN and check that the database is reachable.
//
// If config.Create is set the database is first dropped and recreated. Migrations are not applied.
func Open(ctx context.Context, config Config, logger *slog.Logger) (*sql.DB, Driver, error) {
	driver, err := DriverForConfig(config)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}
	if config.Create {
		logger.Debug("Recreating database", "driver", driver.Name())
		if err := driver.RecreateDatabase(ctx, config.DSN); err != nil {
			return nil, nil, errors.Errorf("failed to recreate database: %w", err)
		}
	}
	db, err := driver.Open(config.DSN)
	if err != nil {
		return nil, nil, errors.Errorf("failed to open %s connection: %w", driver.Name(), err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, errors.Errorf("failed to connect to %s database: %w", driver.Name(), err)
	}
	return db, driver, nil
}

// New opens a connection pool for the configured DSN.
//
// If config.Create is set the database is first dropped and recreated, and if config.Migrate is set all
// migrations are applied before returning.
func New(ctx context.Context, config Config, logger *slog.Logger, migrations Migrations) (*sql.DB, error) {
	db, driver, err := Open(ctx, config, logger)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if config.Migrate {
		if err := Migrate(ctx, logger, driver, db, migrations); err != nil {
			_ = db.Close()
			return nil, errors.WithStack(err)
		}
	}
	return db, nil
}
