package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pharmadir/internal/archive"
	"github.com/fyrsmithlabs/pharmadir/internal/config"
	"github.com/fyrsmithlabs/pharmadir/internal/fetch"
	"github.com/fyrsmithlabs/pharmadir/internal/logging"
	"github.com/fyrsmithlabs/pharmadir/internal/metrics"
	"github.com/fyrsmithlabs/pharmadir/internal/pipeline"
)

var (
	// run command flags
	runDate string
	runID   string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runDate, "date", "", "snapshot date YYYY-MM-DD (default today)")
	runCmd.Flags().StringVar(&runID, "run-id", "", "run identifier for logs (default random)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Refresh the pharmacy directory from the latest NPPES file",
	Long: `Download the NPPES dissemination archive, filter it to active community
pharmacies, write today's directory snapshot and archive the consumed inputs.

Examples:
  # Run with ./pharmadir.yaml
  pharmadir run

  # Name the snapshot for a specific date
  pharmadir run --date 2026-10-01`,
	Args: cobra.NoArgs,
	RunE: runPipeline,
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return fmt.Errorf("pipeline failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	var date time.Time
	if runDate != "" {
		date, err = time.ParseInLocation(time.DateOnly, runDate, time.Local)
		if err != nil {
			return fmt.Errorf("pipeline failed: invalid --date %q: %w", runDate, err)
		}
	}

	ctx := cmd.Context()
	reg := prometheus.NewRegistry()
	deps, err := pipelineDeps(ctx, cfg, logger, metrics.NewWithRegistry(reg))
	if err != nil {
		return fmt.Errorf("pipeline failed: %w", err)
	}

	state, err := pipeline.New(deps).Execute(ctx, pipeline.RunConfig{RunID: runID, Date: date})
	if perr := pushMetrics(ctx, cfg.Metrics, reg); perr != nil {
		logger.Warn(ctx, "metrics push failed", zap.Error(perr))
	}
	return report(cmd, state, err)
}

// pushMetrics delivers the run's metrics to the configured Pushgateway. It
// is a no-op when no gateway is configured.
func pushMetrics(ctx context.Context, mc config.MetricsConfig, g prometheus.Gatherer) error {
	if mc.PushURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return metrics.Push(ctx, mc.PushURL, mc.Job, g)
}

// report prints the terminal line for a successful run. A no-match stop is
// not an error; failures are returned for main to print.
func report(cmd *cobra.Command, state *pipeline.RunState, err error) error {
	if err != nil {
		return fmt.Errorf("pipeline failed: %w", err)
	}
	if state.Reason == pipeline.ReasonNoMatches {
		fmt.Fprintln(cmd.OutOrStdout(), "No pharmacies matched the filter; no snapshot written.")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pipeline complete: %d pharmacies written to %s\n", state.RowCount, state.OutputPath)
	return nil
}

// pipelineDeps builds the stage collaborators from cfg.
func pipelineDeps(ctx context.Context, cfg *config.Config, logger *logging.Logger, m *metrics.Metrics) (pipeline.Deps, error) {
	client := &http.Client{Timeout: cfg.Download.Timeout.Duration()}

	var resolver fetch.Resolver
	if cfg.Source.URL != "" {
		resolver = fetch.StaticResolver(cfg.Source.URL)
	} else {
		resolver = &fetch.LinkTextResolver{
			IndexURL:  cfg.Source.IndexURL,
			LinkText:  cfg.Source.LinkText,
			Client:    &http.Client{Timeout: time.Minute},
			UserAgent: cfg.Download.UserAgent,
		}
	}

	deps := pipeline.Deps{
		Resolver: resolver,
		Downloader: &fetch.Downloader{
			Client:           client,
			UserAgent:        cfg.Download.UserAgent,
			Logger:           logger,
			ProgressInterval: 30 * time.Second,
		},
		PollInterval: cfg.Download.PollInterval.Duration(),
		StablePolls:  cfg.Download.StablePolls,
		DownloadPath: cfg.Paths.DownloadFile,
		ScratchDir:   cfg.Paths.ScratchDir,
		Layout: archive.Layout{
			InputDir:   cfg.Paths.InputDir,
			ArchiveDir: cfg.Paths.ArchiveDir,
		},
		TaxonomyFile:   cfg.Filter.TaxonomyFile,
		TaxonomyColumn: cfg.Filter.TaxonomyColumn,
		BatchSize:      cfg.Filter.BatchSize,
		OutputDir:      cfg.Output.Dir,
		OutputPrefix:   cfg.Output.Prefix,
		Logger:         logger,
		Metrics:        m,
	}

	if s3 := cfg.Archive.S3; s3.Enabled {
		mirror, err := archive.NewS3Mirror(ctx, archive.S3Config{
			Bucket:          s3.Bucket,
			Prefix:          s3.Prefix,
			Region:          s3.Region,
			Endpoint:        s3.Endpoint,
			UsePathStyle:    s3.UsePathStyle,
			AccessKeyID:     s3.AccessKey,
			SecretAccessKey: s3.SecretKey.Value(),
			PartSize:        s3.PartSize,
		}, cfg.Paths.ArchiveDir)
		if err != nil {
			return pipeline.Deps{}, fmt.Errorf("configuring s3 mirror: %w", err)
		}
		deps.Mirror = mirror
		logger.Info(ctx, "archive mirror enabled",
			zap.String("bucket", s3.Bucket),
			logging.Secret("secret_key", s3.SecretKey),
		)
	}

	return deps, nil
}
