// Command please inspects, sweeps and serves a lease store, and runs commands under a lease.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	"github.com/jpillora/backoff"

	"github.com/alecthomas/please"
	"github.com/alecthomas/please/providers/claims"
	"github.com/alecthomas/please/providers/logging"
	pleasesql "github.com/alecthomas/please/providers/sql"
)

type CLI struct {
	Version        kong.VersionFlag `help:"Print the version and exit."`
	Config         kong.ConfigFlag  `help:"Load configuration from a TOML file." placeholder:"FILE"`
	ConnectTimeout time.Duration    `help:"Give up connecting to the database after this long." default:"30s"`

	Log logging.Config   `embed:"" prefix:"log-"`
	SQL pleasesql.Config `embed:""`

	Migrate migrateCmd `cmd:"" help:"Apply database migrations."`
	List    listCmd    `cmd:"" help:"List leases, including timed out leases that have not been swept."`
	Sweep   sweepCmd   `cmd:"" help:"Delete timed out leases."`
	Run     runCmd     `cmd:"" help:"Run a command while holding a lease."`
	Serve   serveCmd   `cmd:"" help:"Serve the HTTP admin API."`
}

// connect to the database, retrying until the connection timeout elapses.
//
// Migrations are applied once connected if enabled.
func (c *CLI) connect(ctx context.Context, logger *slog.Logger) (*sql.DB, pleasesql.Driver, error) {
	connectCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	defer cancel()
	retry := backoff.Backoff{Min: time.Millisecond * 250, Max: time.Second * 5}
	for {
		db, driver, err := pleasesql.Open(connectCtx, c.SQL, logger)
		if err == nil {
			if c.SQL.Migrate {
				if err := pleasesql.Migrate(ctx, logger, driver, db, migrations()); err != nil {
					_ = db.Close()
					return nil, nil, errors.WithStack(err)
				}
			}
			return db, driver, nil
		}
		delay := retry.Duration()
		logger.Warn("Failed to connect to database", "error", err, "retry", delay)
		select {
		case <-connectCtx.Done():
			return nil, nil, errors.Errorf("gave up after %d attempts: %w", int(retry.Attempt()), err)
		case <-time.After(delay):
		}
	}
}

func migrations() pleasesql.Migrations {
	return append(please.Migrations(), claims.Migrations()...)
}

func (c *CLI) store(ctx context.Context, logger *slog.Logger) (*please.Store, pleasesql.Driver, func(), error) {
	db, driver, err := c.connect(ctx, logger)
	if err != nil {
		return nil, nil, nil, errors.WithStack(err)
	}
	return please.NewStore(logger, driver, db), driver, func() { _ = db.Close() }, nil
}

type migrateCmd struct{}

func (m *migrateCmd) Run(ctx context.Context, cli *CLI, logger *slog.Logger) error {
	cli.SQL.Migrate = true
	db, driver, err := cli.connect(ctx, logger)
	if err != nil {
		return errors.WithStack(err)
	}
	defer db.Close() //nolint:errcheck
	logger.Info("Database is up to date", "driver", driver.Name())
	return nil
}

func main() {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		version = info.Main.Version
	}
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Description("Expiring operation leases over a shared SQL database."),
		kong.Configuration(kongtoml.Loader, "~/.config/please.toml"),
		kong.Vars{"version": version},
		kong.UsageOnError(),
	)
	logger := logging.New(cli.Log)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	kctx.BindTo(ctx, (*context.Context)(nil))
	err := kctx.Run(cli, logger)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cancel()
		kctx.Exit(exitErr.ExitCode())
	}
	kctx.FatalIfErrorf(err)
}

func printf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...) //nolint:errcheck
}
