package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ljquan/aitu/services/workflow-go/internal/config"
	"github.com/ljquan/aitu/services/workflow-go/internal/storage/sqlite"
	"github.com/ljquan/aitu/services/workflow-go/internal/storage/sqlite/migrations"
)

func newMigrateCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:       "migrate up|down",
		Short:     "Apply or revert the SQLite schema",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if dbPath == "" {
				dbPath = cfg.SQLitePath
			}
			logger := newLogger(cfg)

			db, err := sqlite.Connect(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			m, err := migrations.NewMigrator(db, logger)
			if err != nil {
				return err
			}
			switch args[0] {
			case "up":
				err = m.Up(cmd.Context())
			case "down":
				err = m.Down(cmd.Context())
			default:
				return fmt.Errorf("unknown direction %q, want up or down", args[0])
			}
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "direction", args[0], "path", dbPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "database path (defaults to SQLITE_PATH)")
	return cmd
}
