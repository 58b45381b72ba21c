package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/warp/coop-ledger/store/sqlite"
)

func migrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to every cooperative database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return a.migrate(ctx)
		},
	}
}

// migrate opens each database in turn; sqlite.New applies what is missing.
func (a *app) migrate(ctx context.Context) error {
	if err := a.cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	for _, id := range a.cfg.Coops {
		log := a.log.WithField("coop", id)
		s, err := sqlite.New(a.cfg.DBPath(id), sqlite.WithLogger(log))
		if err != nil {
			return fmt.Errorf("migrate %s: %w", id, err)
		}
		version, err := s.SchemaVersion(ctx)
		s.Close()
		if err != nil {
			return fmt.Errorf("schema version %s: %w", id, err)
		}
		log.WithFields(logrus.Fields{
			"path":    a.cfg.DBPath(id),
			"version": version,
		}).Info("database up to date")
	}
	return nil
}
