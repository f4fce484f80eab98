package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wuwenbin0122/aidanna/internal/db"
)

var schemaTables = []string{"profiles", "conversations", "messages", "usage_records", "payments"}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create tables and indexes for the configured stores",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			_, stores, err := openStores(ctx)
			if err != nil {
				return err
			}
			defer stores.Close(context.Background())

			if stores.Postgres == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "postgres not selected; nothing relational to verify")
				return nil
			}
			return printColumns(ctx, cmd, stores.Postgres)
		},
	}
}

func printColumns(ctx context.Context, cmd *cobra.Command, postgres *db.Postgres) error {
	const query = `SELECT column_name, data_type FROM information_schema.columns WHERE table_schema = 'public' AND table_name = $1 ORDER BY ordinal_position`

	out := cmd.OutOrStdout()
	for _, table := range schemaTables {
		rows, err := postgres.Pool.Query(ctx, query, table)
		if err != nil {
			return fmt.Errorf("verify %s columns: %w", table, err)
		}

		fmt.Fprintf(out, "%s:\n", table)
		for rows.Next() {
			var name, dataType string
			if err := rows.Scan(&name, &dataType); err != nil {
				rows.Close()
				return fmt.Errorf("scan %s column: %w", table, err)
			}
			fmt.Fprintf(out, "- %s (%s)\n", name, dataType)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("verify %s columns: %w", table, err)
		}
	}
	return nil
}
