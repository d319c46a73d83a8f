package cmd

import (
	"fmt"
	"log"

	"github.com/cemal-efe-g/Dozer/dozer"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Initialize the database and bring every table to its latest schema version",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.Database == "" {
			log.Fatal(
				"Environment variable DOZER_DATABASE not set (must be a " +
					"valid PostgreSQL connection string)",
			)
		}
		if err := dozer.MigrateDatabase(ctx, cfg); err != nil {
			log.Fatalf("Error migrating database: %v", err)
		}

		fmt.Fprintln(
			cmd.OutOrStdout(),
			"Migration complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
