// Vectord is an embedded vector search daemon: named collections over an
// HNSW index with optional quantization, kept durable through a write-ahead
// log and a compact archive, with workspace directories indexed into
// read-only collections.
//
// Usage:
//
//	# Start with defaults (data/ in the working directory)
//	vectord serve
//
//	# Configure via file and environment
//	vectord serve --config /etc/vectord/config.yaml
//	VECTORD_STORAGE_DIR=/var/lib/vectord vectord serve
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/config"
	"github.com/fyrsmithlabs/vectord/internal/embeddings"
	"github.com/fyrsmithlabs/vectord/internal/engine"
	"github.com/fyrsmithlabs/vectord/internal/logging"
)

// Version information (set via ldflags during build).
var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "vectord",
		Short:         "Embedded vector search daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vectord:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger, err := logging.New(&cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			zl := logger.Underlying()
			zl.Info("starting vectord",
				zap.String("version", version),
				zap.String("commit", gitCommit),
				zap.String("data_dir", cfg.Storage.Dir),
			)

			var provider embeddings.Provider
			if cfg.Embeddings.Provider != "" || len(cfg.Workspace.Projects) > 0 {
				provider, err = embeddings.NewProvider(cfg.Embeddings)
				if err != nil {
					return fmt.Errorf("embedding provider: %w", err)
				}
				defer provider.Close()
			}

			eng, err := engine.Open(cfg, provider, zl)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := eng.Start(ctx); err != nil {
				eng.Close()
				return fmt.Errorf("starting engine: %w", err)
			}

			<-ctx.Done()
			zl.Info("shutting down")
			return eng.Close()
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.yaml")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("vectord %s (%s)\n", version, gitCommit)
		},
	}
}
