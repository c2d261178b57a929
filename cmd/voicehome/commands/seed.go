package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"voice-home/internal/infra/store"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the default devices if the table is empty",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := setupLogger(cfg.Log)

		repo, err := openStore(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}

		created, err := repo.Seed(cmd.Context())
		if err != nil {
			return fmt.Errorf("seeding devices: %w", err)
		}
		if created == 0 {
			logger.Info("devices already present, nothing to seed")
			return nil
		}
		logger.Info("seeded devices", "count", created)
		return nil
	},
}

func openStore(driver, dsn string) (*store.Repo, error) {
	db, err := store.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	repo, err := store.New(db)
	if err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return repo, nil
}
