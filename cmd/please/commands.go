package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/alecthomas/errors"
	"github.com/kballard/go-shellquote"
	"go.jetify.com/typeid/v2"

	"github.com/alecthomas/please"
	"github.com/alecthomas/please/providers/claims"
	"github.com/alecthomas/please/providers/cron"
	pleasehttp "github.com/alecthomas/please/providers/http"
)

// LeaseIDEnv is set in the environment of commands started by "please run".
const LeaseIDEnv = "PLEASE_LEASE_ID"

type listCmd struct {
	Title string `help:"Only list leases whose title has this prefix." placeholder:"PREFIX"`
	JSON  bool   `help:"Output JSON."`
}

func (l *listCmd) Run(ctx context.Context, cli *CLI, logger *slog.Logger) error {
	store, _, closeStore, err := cli.store(ctx, logger)
	if err != nil {
		return errors.WithStack(err)
	}
	defer closeStore()
	records, err := store.List(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	out := []please.Record{}
	for _, record := range records {
		if strings.HasPrefix(record.Title, l.Title) {
			out = append(out, record)
		}
	}
	if l.JSON {
		return errors.WithStack(json.NewEncoder(os.Stdout).Encode(out))
	}
	for _, record := range out {
		printf("%s\n", record)
	}
	return nil
}

type sweepCmd struct {
	JSON bool `help:"Output JSON."`
}

func (s *sweepCmd) Run(ctx context.Context, cli *CLI, logger *slog.Logger) error {
	store, _, closeStore, err := cli.store(ctx, logger)
	if err != nil {
		return errors.WithStack(err)
	}
	defer closeStore()
	expired, err := store.PerformCleanup(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	if s.JSON {
		if expired == nil {
			expired = []please.ExpiredRecord{}
		}
		return errors.WithStack(json.NewEncoder(os.Stdout).Encode(expired))
	}
	for _, record := range expired {
		printf("expired %s\n", record)
	}
	return nil
}

type runCmd struct {
	Title        string        `help:"Title of the lease (defaults to a generated run_ ID)." placeholder:"TITLE"`
	Command      string        `help:"Shell-quoted command to run, instead of passing it as arguments." short:"c" placeholder:"CMD"`
	Claim        []string      `help:"Exclusive claims to acquire before running the command." placeholder:"NAME"`
	ClaimTimeout time.Duration `help:"How long to wait for claims held by other leases." default:"30s"`
	Args         []string      `arg:"" optional:"" passthrough:"" help:"Command and arguments to run."`
}

func (r *runCmd) command() ([]string, error) {
	if r.Command != "" {
		if len(r.Args) > 0 {
			return nil, errors.New("--command and positional arguments are mutually exclusive")
		}
		args, err := shellquote.Split(r.Command)
		if err != nil {
			return nil, errors.Errorf("invalid --command: %w", err)
		}
		if len(args) == 0 {
			return nil, errors.New("--command is empty")
		}
		return args, nil
	}
	if len(r.Args) == 0 {
		return nil, errors.New("no command to run")
	}
	return r.Args, nil
}

// Run the command under a lease.
//
// The lease is not refreshed while the command runs, so commands running for longer than the operation timeout
// will have their lease swept and the run will fail after the command exits.
func (r *runCmd) Run(ctx context.Context, cli *CLI, logger *slog.Logger) error {
	args, err := r.command()
	if err != nil {
		return errors.WithStack(err)
	}
	title := r.Title
	if title == "" {
		title = typeid.MustGenerate("run").String()
	}
	store, driver, closeStore, err := cli.store(ctx, logger)
	if err != nil {
		return errors.WithStack(err)
	}
	defer closeStore()
	leaseClaims := claims.New(logger, driver)
	return please.With(ctx, store, title, func(ctx context.Context, handle *please.Handle) error {
		for _, name := range r.Claim {
			if err := leaseClaims.Acquire(ctx, handle, name, r.ClaimTimeout); err != nil {
				return errors.Errorf("%s: %w", title, err)
			}
		}
		return runUnderLease(ctx, logger, handle, title, args)
	})
}

func runUnderLease(ctx context.Context, logger *slog.Logger, handle *please.Handle, title string, args []string) error {
	if err := handle.Refresh(ctx); err != nil {
		return errors.Errorf("%s: %w", title, err)
	}
	logger.Debug("Running command under lease", "lease", handle.ID(), "title", title, "command", shellquote.Join(args...))
	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", LeaseIDEnv, handle.ID()))
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	start := time.Now()
	runErr := cmd.Run()
	if err := handle.Refresh(ctx); err != nil {
		return errors.Errorf("%s: lease lost after running for %s: %w", title, time.Since(start).Round(time.Millisecond), err)
	}
	if runErr != nil {
		return errors.Errorf("%s: %w", args[0], runErr)
	}
	return errors.WithStack(handle.Close(ctx))
}

type serveCmd struct {
	HTTP       pleasehttp.Config `embed:""`
	SweepEvery time.Duration     `help:"Sweep timed out leases at this interval (0 to disable)." default:"0s"`
}

func (s *serveCmd) Run(ctx context.Context, cli *CLI, logger *slog.Logger) error {
	store, _, closeStore, err := cli.store(ctx, logger)
	if err != nil {
		return errors.WithStack(err)
	}
	defer closeStore()
	if s.SweepEvery > 0 {
		scheduler := cron.NewScheduler(ctx, logger)
		err := scheduler.Register("sweep", s.SweepEvery, func(ctx context.Context) error {
			expired, err := store.PerformCleanup(ctx)
			for _, record := range expired {
				logger.Info("Expired lease", "lease", record.ID, "title", record.Title, "expiry", record.Expiry)
			}
			return errors.WithStack(err)
		})
		if err != nil {
			return errors.WithStack(err)
		}
	}
	server := pleasehttp.NewServer(ctx, logger, s.HTTP, pleasehttp.NewAPI(logger, store).Handler())
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.Info("Serving admin API", "bind", s.HTTP.Bind)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Errorf("admin server failed: %w", err)
	}
	return nil
}
