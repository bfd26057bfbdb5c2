package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"AgentBounty/internal/config"
	"AgentBounty/pkg/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Driver == "memory" {
		logger.L().Info("memory storage has no schema to migrate")
		return nil
	}
	db, err := openDatabase(cmd.Context(), cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := db.Migrate(cmd.Context())
	if err != nil {
		return err
	}
	logger.L().Info("migrations applied", slog.Int("count", len(applied)), slog.Any("versions", applied))
	return nil
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.PathFromEnv()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}
