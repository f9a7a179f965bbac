package main

import (
	"errors"

	"go_rex/internal/db"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the MySQL schema",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.MySQL.DSN == "" {
		return errors.New("MYSQL_DSN is required for migrate")
	}

	gdb, err := db.OpenMySQL(cfg.MySQL.DSN)
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	return db.Migrate(gdb, logger)
}
