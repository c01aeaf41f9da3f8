// Package main is the entry point for the Quantix orchestration core.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/repository/etcd"
	"github.com/limiquantix/orchestrator/internal/repository/postgres"
	"github.com/limiquantix/orchestrator/internal/repository/redis"
	"github.com/limiquantix/orchestrator/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "quantix",
		Short:   "Quantix orchestration core",
		Version: version,
	}
	cmd.AddCommand(newServeCmd(), newMigrateCmd(), newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Quantix Orchestrator")
			fmt.Fprintln(out, "Version:", version)
			fmt.Fprintln(out, "Commit:", commit)
			fmt.Fprintln(out, "Build Date:", buildDate)
		},
	}
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Run the API server and background schedulers",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	return cmd
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	server.Version = version
	logger.Info("Starting Quantix Orchestrator",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	var opts []server.ServerOption

	if cfg.Database.Enabled {
		db, err := postgres.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		opts = append(opts, server.WithPostgreSQL(db))
	}

	if cfg.Redis.Enabled {
		cache, err := redis.NewCache(cfg.Redis, logger)
		if err != nil {
			return err
		}
		opts = append(opts, server.WithRedis(cache))
	}

	if cfg.Etcd.Enabled {
		client, err := etcd.NewClient(cfg.Etcd, logger)
		if err != nil {
			return err
		}
		opts = append(opts, server.WithEtcd(client))
	}

	srv, err := server.New(ctx, cfg, logger, opts...)
	if err != nil {
		return err
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("Server error", zap.Error(err))
		return err
	}

	logger.Info("Goodbye!")
	return nil
}

// setupLogger configures the zap logger based on configuration.
func setupLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	if cfg.Output != "" {
		zapConfig.OutputPaths = []string{cfg.Output}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}
