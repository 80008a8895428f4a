// Package cmd defines and implements the CLI commands for the catalog executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
	"github.com/JakeFAU/instrument-catalog/internal/config"
	"github.com/JakeFAU/instrument-catalog/internal/engine"
	"github.com/JakeFAU/instrument-catalog/internal/server"
)

const defaultCloseTimeout = 30 * time.Second

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// Engine is the slice of the run engine the commands drive.
type Engine interface {
	StartRun(ctx context.Context, name string, root catalog.Segment, opts engine.RunOptions) (string, error)
	ResumeRun(ctx context.Context, runID string, opts engine.RunOptions) error
	WaitRun(ctx context.Context, runID string) (catalog.RunRecord, error)
	GetRunStatus(ctx context.Context, runID string) (catalog.RunRecord, error)
	CancelRun(ctx context.Context, runID string) error
	ListRuns(ctx context.Context, status *catalog.RunStatus, limit, offset int) ([]catalog.RunRecord, error)
}

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Engine() Engine
	Logger() *zap.Logger
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

type serverApp struct {
	*server.App
}

func (a serverApp) Engine() Engine {
	return a.App.Engine()
}

// newApp is the application factory. It's a variable so tests can replace
// it with a fake.
var newApp = func(ctx context.Context, cfgFile string) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	return serverApp{App: app}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Crawls instrument sources and reconciles them into one catalog.",
		Long: `catalog partitions large instrument listings into segments small enough
for each source to return in full, crawls them under per-source rate limits,
and merges what every source reports into canonical entities with a full
audit trail. Runs are checkpointed and can be paused and resumed.`,
		SilenceUsage: true,

		// Build the application once flags are parsed and stash it in the
		// context for the subcommand.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); CATALOG_* environment variables override it")

	cmd.AddCommand(
		newServeCmd(),
		newCrawlCmd(),
		newResumeCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newRunsCmd(),
	)
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Run(cmd.Context())
		},
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// withApp resolves the application for fn and closes it afterwards, which
// pauses any run still in flight.
func withApp(fn func(cmd *cobra.Command, app App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), defaultCloseTimeout)
			defer cancel()
			if cerr := appInstance.Close(ctx); cerr != nil && err == nil {
				err = fmt.Errorf("close application: %w", cerr)
			}
		}()
		return fn(cmd, appInstance, args)
	}
}

// Execute is the main entry point.
func Execute() {
	if err := execute(context.Background(), os.Args[1:], os.Stdout); err != nil {
		zap.L().Fatal("Command execution failed", zap.Error(err))
	}
}

func execute(ctx context.Context, args []string, out io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	if err := root.ExecuteContext(ctx); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	return nil
}
