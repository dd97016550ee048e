package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"qms/hospital-queue/internal/config"
	"qms/hospital-queue/internal/store/postgres"
	"qms/hospital-queue/internal/store/sqlite"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if cfg.StoreDriver == "sqlite" {
				st, err := sqlite.Open(ctx, cfg.SQLitePath)
				if err != nil {
					return err
				}
				defer st.Close()
				fmt.Fprintf(out, "sqlite schema ready at %s\n", cfg.SQLitePath)
				return nil
			}

			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			applied, err := postgres.Migrate(ctx, pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(out, "schema up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(out, "applied %s\n", name)
			}
			return nil
		},
	}
}
