package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cloudhaul/cloudhaul/internal/backend"
	"github.com/cloudhaul/cloudhaul/internal/config"
	"github.com/cloudhaul/cloudhaul/internal/logging"
	"github.com/cloudhaul/cloudhaul/internal/manifest"
	"github.com/cloudhaul/cloudhaul/internal/metrics"
	"github.com/cloudhaul/cloudhaul/internal/progress"
	"github.com/cloudhaul/cloudhaul/internal/resolve"
	"github.com/cloudhaul/cloudhaul/internal/transfer"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

var (
	flagConfig      string
	flagRecursive   bool
	flagParallelism int
	flagManifest    string
	flagResume      bool
	flagDryRun      bool
)

// errUnitsFailed marks a batch that completed with per-unit failures.
// Returned, not printed: the failure table was already rendered, and exiting
// through main lets the deferred cleanup in runCopy run first.
var errUnitsFailed = errors.New("one or more transfers failed")

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errUnitsFailed) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

var rootCmd = &cobra.Command{
	Use:           "cloudhaul",
	Short:         "Parallel object transfer engine for local and cloud storage",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cloudhaul %s (%s)\n", Version, GitSHA)
	},
}

var cpCmd = &cobra.Command{
	Use:   "cp SOURCE DESTINATION",
	Short: "Copy objects between local filesystems and cloud object stores",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}

		// Flags override the config file.
		if cmd.Flags().Changed("parallelism") {
			cfg.Transfer.Parallelism = flagParallelism
		}
		if cmd.Flags().Changed("manifest") {
			cfg.Manifest.Path = flagManifest
		}
		if cmd.Flags().Changed("resume") {
			cfg.Transfer.Resume = flagResume
		}
		if cfg.Transfer.Resume && cfg.Manifest.Path == "" {
			return fmt.Errorf("--resume requires a manifest path")
		}

		logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})

		if cfg.Metrics.Enabled {
			metrics.Init("cloudhaul")
			go func() {
				if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
					slog.Error("metrics server exited", "error", err)
				}
			}()
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		go func() {
			ch := make(chan os.Signal, 1)
			signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
			sig := <-ch
			slog.Info("received signal, draining in-flight transfers", "signal", sig.String())
			cancel()
		}()

		return runCopy(ctx, cfg, args[0], args[1])
	},
}

func init() {
	cpCmd.Flags().StringVar(&flagConfig, "config", "", "path to YAML config file")
	cpCmd.Flags().BoolVarP(&flagRecursive, "recursive", "r", false, "expand directories and key prefixes")
	cpCmd.Flags().IntVarP(&flagParallelism, "parallelism", "p", 0, "number of concurrent transfers")
	cpCmd.Flags().StringVarP(&flagManifest, "manifest", "L", "", "path to the CSV transfer manifest")
	cpCmd.Flags().BoolVar(&flagResume, "resume", false, "skip pairs already completed in the manifest")
	cpCmd.Flags().BoolVarP(&flagDryRun, "dry-run", "n", false, "list transfers without executing them")

	rootCmd.AddCommand(cpCmd)
	rootCmd.AddCommand(versionCmd)
}

func runCopy(ctx context.Context, cfg config.Config, source, destination string) error {
	be := backend.NewMux()
	defer be.Close()

	resolver := resolve.New(be, resolve.Request{
		Source:      source,
		Destination: destination,
		Recursive:   flagRecursive,
	}, resolve.SplitOptions{
		Threshold: int64(cfg.Transfer.SplitThresholdMB) << 20,
		PartSize:  int64(cfg.Transfer.PartSizeMB) << 20,
	})

	if flagDryRun {
		return printPlan(ctx, resolver)
	}

	// Resume filtering reads the manifest before anything appends to it.
	var completed map[transfer.Pair]struct{}
	if cfg.Transfer.Resume {
		var err error
		completed, err = manifest.LoadCompleted(cfg.Manifest.Path)
		if err != nil {
			return err
		}
	}

	var logbook transfer.Appender
	if cfg.Manifest.Path != "" {
		man, err := manifest.Open(cfg.Manifest.Path)
		if err != nil {
			return err
		}
		defer man.Close()
		logbook = man
	}

	reporter := progress.NewReporter(time.Duration(cfg.Transfer.ProgressIntervalMS) * time.Millisecond)
	reporter.Start(ctx)
	defer reporter.Stop()

	exec := transfer.NewExecutor(transfer.ExecutorConfig{
		MaxConcurrency:      cfg.Transfer.Parallelism,
		MaxRetries:          cfg.Transfer.MaxRetries,
		RetryInitialBackoff: time.Duration(cfg.Transfer.RetryInitialBackoffMS) * time.Millisecond,
		Exec: transfer.ExecOptions{
			ChunkSize:       cfg.Transfer.ChunkSizeKB << 10,
			VerifyChecksums: cfg.Transfer.VerifyChecksums,
			GzipUpload:      cfg.Transfer.GzipUpload,
			SkipExisting:    cfg.Transfer.SkipExisting,
		},
	}, be, reporter, logbook, nil)

	coord := transfer.NewCoordinator(transfer.CoordinatorConfig{
		Resume: cfg.Transfer.Resume,
	}, exec, resolver, completed)

	sum, err := coord.Run(ctx)

	if sum != nil && cfg.Manifest.SummaryPath != "" {
		if werr := transfer.WriteSummary(cfg.Manifest.SummaryPath, sum); werr != nil {
			slog.Warn("failed to write batch summary", "error", werr)
		}
	}
	if err != nil {
		return err
	}

	printSummary(sum)
	if sum.Failed > 0 {
		return errUnitsFailed
	}
	return nil
}

// printPlan lists the expanded transfers without moving any bytes.
func printPlan(ctx context.Context, resolver *resolve.Resolver) error {
	units, errs := resolver.Units(ctx)
	for u := range units {
		if u.Range != nil {
			fmt.Printf("%s [%d-%d) -> %s\n", u.Source, u.Range.Start, u.Range.End, u.Destination)
		} else {
			fmt.Printf("%s -> %s\n", u.Source, u.Destination)
		}
	}
	if err, ok := <-errs; ok && err != nil {
		return err
	}
	return nil
}

func printSummary(sum *transfer.Summary) {
	fmt.Printf("transferred %d of %d objects (%d bytes) in %.1fs: %d ok, %d skipped, %d failed\n",
		sum.OK, sum.Total, sum.BytesTransferred, sum.DurationSeconds,
		sum.OK, sum.Skipped, sum.Failed)

	if len(sum.Failures) == 0 {
		return
	}

	table := tablewriter.NewWriter(os.Stderr)
	table.SetHeader([]string{"Source", "Destination", "Error"})
	for _, f := range sum.Failures {
		table.Append([]string{f.Source, f.Destination, f.Detail})
	}
	table.Render()
}
