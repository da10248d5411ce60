package main

import (
	"fmt"
	"strconv"

	"github.com/rpggio/qcflow/internal/sqlite"
	"github.com/spf13/cobra"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			db, err := sqlite.New(cfg.DB.Path)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			version, err := db.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Database %s at schema version %d\n", cfg.DB.Path, version)
			return nil
		},
	}
	cmd.AddCommand(newMigrateStatusCommand(ctx))
	return cmd
}

func newMigrateStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List embedded migrations and whether each is applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			db, err := sqlite.New(cfg.DB.Path)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			statuses, err := db.MigrationStatus(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(statuses))
			for _, s := range statuses {
				rows = append(rows, []string{strconv.FormatInt(s.Version, 10), s.Name, yesNo(s.Applied)})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(
				[]string{"Version", "Migration", "Applied"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft},
				shouldColorize(out),
			))
			return nil
		},
	}
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
