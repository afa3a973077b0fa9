// Package main implements the pharmadir CLI: the directory refresh pipeline,
// the dashboard server and Group Registry maintenance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/pharmadir/internal/config"
	"github.com/fyrsmithlabs/pharmadir/internal/logging"
)

var (
	// configPath is the --config flag shared by every command.
	configPath string

	// Build information, set via ldflags.
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pharmadir",
	Short: "Community pharmacy directory built from NPPES data",
	Long: `pharmadir downloads the monthly NPPES dissemination file, filters it down to
active community pharmacies, writes a dated directory snapshot and serves it
on a local dashboard together with the Group Registry.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./pharmadir.yaml or ~/.config/pharmadir/config.yaml)")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		printVersion(cmd)
	},
}

func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "pharmadir %s\n", version)
	fmt.Fprintf(out, "  Git commit: %s\n", gitCommit)
	fmt.Fprintf(out, "  Build date: %s\n", buildDate)
	fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
	fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// setup loads the configuration and builds the logger from it.
func setup() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}

// newLogger maps the file/env logging section onto logging.Config.
func newLogger(lc config.LoggingConfig) (*logging.Logger, error) {
	cfg := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}
	cfg.Level = level
	cfg.Format = lc.Format
	cfg.Output.File = lc.File
	cfg.Sampling.Enabled = lc.Sampling
	return logging.NewLogger(cfg)
}
