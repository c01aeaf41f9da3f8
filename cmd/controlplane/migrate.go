package main

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/config"
)

func newMigrateCmd() *cobra.Command {
	var (
		configPath string
		dir        string
	)
	cmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the PostgreSQL schema",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&dir, "dir", "migrations", "Directory holding the migration files")

	run := func(fn func(m *migrate.Migrate, logger *zap.Logger) error) func(*cobra.Command, []string) error {
		return func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := setupLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync()

			m, closeDB, err := openMigrator(cfg.Database, dir)
			if err != nil {
				return err
			}
			defer closeDB()

			logger.Info("Connected to database",
				zap.String("host", cfg.Database.Host),
				zap.String("database", cfg.Database.Name),
				zap.String("dir", dir),
			)
			return fn(m, logger)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: run(func(m *migrate.Migrate, logger *zap.Logger) error {
				if err := ignoreNoChange(m.Up()); err != nil {
					return fmt.Errorf("failed to apply migrations: %w", err)
				}
				logger.Info("Migrations applied")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: run(func(m *migrate.Migrate, logger *zap.Logger) error {
				if err := ignoreNoChange(m.Steps(-1)); err != nil {
					return fmt.Errorf("failed to roll back migration: %w", err)
				}
				logger.Info("Rolled back one migration")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: run(func(m *migrate.Migrate, logger *zap.Logger) error {
				v, dirty, err := m.Version()
				if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
					return fmt.Errorf("failed to read schema version: %w", err)
				}
				logger.Info("Schema version", zap.Uint("version", v), zap.Bool("dirty", dirty))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "force VERSION",
			Short: "Set the schema version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				return run(func(m *migrate.Migrate, logger *zap.Logger) error {
					if err := m.Force(v); err != nil {
						return fmt.Errorf("failed to force version: %w", err)
					}
					logger.Info("Schema version forced", zap.Int("version", v))
					return nil
				})(c, args)
			},
		},
	)
	return cmd
}

func openMigrator(cfg config.DatabaseConfig, dir string) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("pgx", cfg.URL())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, func() { _, _ = m.Close() }, nil
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}
