package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
	"github.com/JakeFAU/instrument-catalog/internal/engine"
)

type crawlOptions struct {
	source  string
	name    string
	prefix  string
	filter  map[string]string
	workers int
	detach  bool
}

// newCrawlCmd creates the 'crawl' subcommand. It starts a run in-process and
// waits for it; an interrupt pauses the run so it can be resumed later.
func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Starts a crawl run against one source",
		Long: `Partitions the source's listing under the given prefix and filter,
fetches every leaf segment and merges the records into the catalog. The run
is checkpointed as it goes; interrupting the command pauses it.`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app App, _ []string) error {
			return runCrawl(cmd, app, opts)
		}),
	}
	cmd.Flags().StringVar(&opts.source, "source", "", "configured source to crawl")
	cmd.Flags().StringVar(&opts.name, "name", "", "human readable run name")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "", "search prefix of the root segment")
	cmd.Flags().StringToStringVar(&opts.filter, "filter", nil, "base filters, as key=value pairs")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "worker count override for this run")
	cmd.Flags().BoolVar(&opts.detach, "detach", false, "print the run id and return without waiting")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func runCrawl(cmd *cobra.Command, app App, opts *crawlOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := catalog.Segment{
		Source: opts.source,
		Filter: catalog.Predicate{Base: opts.filter, Prefix: opts.prefix},
	}
	runID, err := app.Engine().StartRun(ctx, opts.name, root, engine.RunOptions{Workers: opts.workers})
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	app.Logger().Info("run started", zap.String("run_id", runID), zap.String("source", opts.source))
	if opts.detach {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), runID)
		return err
	}
	return waitAndReport(ctx, cmd.OutOrStdout(), app, runID)
}

func newResumeCmd() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resumes a paused or interrupted run",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app App, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := app.Engine().ResumeRun(ctx, args[0], engine.RunOptions{Workers: workers}); err != nil {
				return fmt.Errorf("resume run: %w", err)
			}
			app.Logger().Info("run resumed", zap.String("run_id", args[0]))
			return waitAndReport(ctx, cmd.OutOrStdout(), app, args[0])
		}),
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "worker count override for this run")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Prints the persisted state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app App, args []string) error {
			run, err := app.Engine().GetRunStatus(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), run)
		}),
	}
}

// newCancelCmd marks a run failed. A run owned by another process stops at
// its next checkpoint.
func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancels a run",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, app App, args []string) error {
			if err := app.Engine().CancelRun(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("cancel run: %w", err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "run %s canceled\n", args[0])
			return err
		}),
	}
}

func newRunsCmd() *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Lists runs, newest first",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, app App, _ []string) error {
			var filter *catalog.RunStatus
			if status != "" {
				parsed, err := catalog.ParseRunStatus(status)
				if err != nil {
					return err
				}
				filter = &parsed
			}
			runs, err := app.Engine().ListRuns(cmd.Context(), filter, limit, offset)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			if runs == nil {
				runs = []catalog.RunRecord{}
			}
			return printJSON(cmd.OutOrStdout(), runs)
		}),
	}
	cmd.Flags().StringVar(&status, "status", "", "only list runs in this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")
	return cmd
}

// waitAndReport blocks until the run leaves the running state and prints its
// final record. An interrupted wait is not an error: closing the app pauses
// the run.
func waitAndReport(ctx context.Context, out io.Writer, app App, runID string) error {
	run, err := app.Engine().WaitRun(ctx, runID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			app.Logger().Info("interrupted; pausing run", zap.String("run_id", runID))
			_, werr := fmt.Fprintf(out, "run %s interrupted; resume with: catalog resume %s\n", runID, runID)
			return werr
		}
		return fmt.Errorf("wait for run: %w", err)
	}
	if err := printJSON(out, run); err != nil {
		return err
	}
	if run.Status == catalog.RunFailed {
		return fmt.Errorf("run %s failed: %s", runID, run.LastError)
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
