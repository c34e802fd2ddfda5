package cmd

import (
	"github.com/spf13/cobra"

	"wholesync/src/log"
	"wholesync/src/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, closeDB, err := openDatabase()
		if err != nil {
			return err
		}
		defer closeDB()

		if err := postgres.Migrate(cmd.Context(), db); err != nil {
			return err
		}
		log.Info("Database migrated")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
