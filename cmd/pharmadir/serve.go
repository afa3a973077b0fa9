package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pharmadir/internal/dashboard"
	"github.com/fyrsmithlabs/pharmadir/internal/groups"
	"github.com/fyrsmithlabs/pharmadir/internal/metrics"
)

var (
	// serve command flags
	servePort int
	serveHost string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides server.port)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides server.host)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the pharmacy directory dashboard",
	Long: `Serve the dashboard: browse and filter the current directory snapshot,
export the filtered view and maintain the Group Registry.

Examples:
  # Serve on the configured address (default 127.0.0.1:8501)
  pharmadir serve

  # Serve on another port
  pharmadir serve --port 9000`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	m := metrics.New()

	store, err := groups.Open(cfg.Registry.Driver, cfg.Registry.Path)
	if err != nil {
		return fmt.Errorf("opening group registry: %w", err)
	}
	registry := groups.Instrument(store, m, logger)
	defer registry.Close()

	cache := dashboard.NewCache(m)
	source := &dashboard.Source{
		Dir:    cfg.Output.Dir,
		Prefix: cfg.Output.Prefix,
		Mode:   cfg.Dashboard.Snapshot,
		Cache:  cache,
	}

	if !cfg.Dashboard.DisableWatch {
		if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
		watcher, err := dashboard.NewWatcher(cfg.Output.Dir, cache, logger)
		if err != nil {
			return err
		}
		defer watcher.Stop()
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("starting snapshot watcher: %w", err)
		}
	}

	host, port := cfg.Server.Host, cfg.Server.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}

	srv, err := dashboard.NewServer(dashboard.Config{
		Host:            host,
		Port:            port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
	}, dashboard.Deps{
		Source:      source,
		Groups:      registry,
		Logger:      logger,
		HTTPMetrics: dashboard.NewHTTPMetrics(logger),
	})
	if err != nil {
		return fmt.Errorf("creating dashboard: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Dashboard listening on http://%s\n", srv.Address())
	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(ctx, "dashboard stopped", zap.Error(err))
		return err
	}
	return nil
}
