package main

import (
	"fmt"

	"github.com/nagesh-bhagelli/xpense/internal/infra/observability"
	"github.com/nagesh-bhagelli/xpense/internal/infra/sqlstore"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func runMigrateUp(_ *cobra.Command, _ []string) error {
	return withSchema(sqlstore.Migrate)
}

func runMigrateDown(_ *cobra.Command, _ []string) error {
	return withSchema(sqlstore.Rollback)
}

func withSchema(fn func(sqlstore.Dialect, string, *zap.Logger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	dialect, err := sqlstore.ParseDialect(cfg.StoreBackend)
	if err != nil {
		return fmt.Errorf("migrate needs a SQL backend: %w", err)
	}
	return fn(dialect, cfg.DSN(), logger)
}
