package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memohai/supportdesk/internal/db"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres schema",
		Example: `  supportdesk migrate up
  supportdesk migrate down --steps 1
  supportdesk migrate version`,
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := provideConfig()
			if err != nil {
				return err
			}
			if err := db.MigrateUp(provideLogger(cfg), cfg.Postgres.DSN()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}

	var steps int
	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := provideConfig()
			if err != nil {
				return err
			}
			return db.MigrateDown(provideLogger(cfg), cfg.Postgres.DSN(), steps)
		},
	}
	downCmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back (0 rolls back all)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := provideConfig()
			if err != nil {
				return err
			}
			v, dirty, ok, err := db.MigrationVersion(provideLogger(cfg), cfg.Postgres.DSN())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case !ok:
				fmt.Fprintln(out, "no migrations applied")
			case dirty:
				fmt.Fprintf(out, "%d (dirty)\n", v)
			default:
				fmt.Fprintf(out, "%d\n", v)
			}
			return nil
		},
	}

	cmd.AddCommand(upCmd, downCmd, versionCmd)
	return cmd
}
