package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/singleflight"

	"github.com/thiagokokada/repometa/internal/backend"
	"github.com/thiagokokada/repometa/internal/backend/gitcli"
	"github.com/thiagokokada/repometa/internal/backend/gitnative"
	"github.com/thiagokokada/repometa/internal/buildinfo"
	"github.com/thiagokokada/repometa/internal/config"
	"github.com/thiagokokada/repometa/internal/repository"
	"github.com/thiagokokada/repometa/internal/store"
)

var errUnknownRepository = errors.New("unknown repository")

func Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) (err error) {
	a := &app{stderr: stderr}
	defer func() {
		if cerr := a.close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close store: %w", cerr))
		}
	}()
	root := a.rootCmd(stdout)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// app holds what every subcommand needs once the config is loaded.
type app struct {
	configPath string
	verbose    bool
	stderr     io.Writer

	cfg    config.Config
	logger *slog.Logger
	driver store.Driver
	flight singleflight.Group
	out    *printer
}

func (a *app) rootCmd(stdout io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "repometa",
		Short:         "Index repository history into a document store and query it",
		Version:       buildinfo.VersionWithTags(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context(), cmd.OutOrStdout())
		},
	}
	root.SetOut(stdout)
	root.SetErr(a.stderr)
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to the config file (default $"+config.EnvPath+")")
	root.PersistentFlags().BoolVar(&a.verbose, "verbose", false, "enable verbose logging")

	root.AddCommand(
		newRefreshCmd(a),
		newLogCmd(a),
		newCountCmd(a),
		newShowCmd(a),
		newLsCmd(a),
		newCatCmd(a),
		newFingerprintCmd(a),
		newWatchCmd(a),
	)
	return root
}

func (a *app) setup(ctx context.Context, stdout io.Writer) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(a.stderr, cfg.Log, a.verbose)
	slog.SetDefault(a.logger)
	a.out = newPrinter(stdout)

	driver, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return err
	}
	a.driver = driver
	a.logger.Debug("store opened", slog.String("driver", cfg.Store.Driver))
	return nil
}

func (a *app) close() error {
	if a.driver == nil {
		return nil
	}
	err := a.driver.Close()
	a.driver = nil
	return err
}

func newLogger(w io.Writer, cfg config.Log, verbose bool) *slog.Logger {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openRepository opens the backend of the configured repository name.
func (a *app) openRepository(ctx context.Context, name string) (*repository.Repository, error) {
	rc, ok := a.cfg.Repository(name)
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, errUnknownRepository)
	}
	var (
		b   backend.Backend
		err error
	)
	switch rc.Backend {
	case config.BackendCLI:
		b, err = gitcli.Open(ctx, rc.Path, gitcli.Options{URLPath: rc.URLPath})
	default:
		b, err = gitnative.Open(rc.Path, gitnative.Options{URLPath: rc.URLPath})
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	ingest := a.cfg.Ingest
	return repository.New(a.driver, b, repository.Options{
		Name:               rc.Name,
		Scope:              rc.RepoID,
		BatchSize:          ingest.BatchSize,
		LogWindow:          ingest.LogWindow,
		DiffRetries:        ingest.DiffRetries,
		DiffRetryDelay:     ingest.DiffRetryDelay.Duration,
		ViewableExtensions: rc.ViewableExtensions,
		Logger:             a.logger,
		Flight:             &a.flight,
	}), nil
}

// openRepositories opens names, or every configured repository when names is
// empty.
func (a *app) openRepositories(ctx context.Context, names []string) ([]*repository.Repository, error) {
	if len(names) == 0 {
		for _, rc := range a.cfg.Repositories {
			names = append(names, rc.Name)
		}
	}
	if len(names) == 0 {
		return nil, errors.New("no repositories configured")
	}
	repos := make([]*repository.Repository, 0, len(names))
	for _, name := range names {
		repo, err := a.openRepository(ctx, name)
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, nil
}
