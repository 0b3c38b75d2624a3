package main

import (
	"fmt"

	"YrestData/internal/db"
	"YrestData/internal/logger"

	"github.com/spf13/cobra"
)

var migrateDryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or extend tables, junction tables and views of all models",
	Long: `Apply add-only migrations: missing tables and columns are created, nothing
is dropped or altered in type. With --dry-run the statements are printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if migrateDryRun {
			for _, m := range registry.Models() {
				if m.Hidden || registry.PrimaryKey(m) == nil {
					continue
				}
				stmts, err := db.MigrationStatements(registry, m)
				if err != nil {
					return err
				}
				fmt.Printf("-- %s\n", m.Name)
				for _, s := range stmts {
					fmt.Println(s + ";")
				}
			}
			return nil
		}
		pg, err := db.OpenPostgres(ctx, cfg.PostgresDSN, registry)
		if err != nil {
			return err
		}
		defer pg.Close()
		dc, closeCache, err := openContext(ctx, pg)
		if err != nil {
			return err
		}
		defer closeCache()
		if err := dc.Migrate(ctx); err != nil {
			logger.Error("migrate_failed", map[string]any{"error": err.Error()})
			return err
		}
		logger.Info("migrate_done", map[string]any{"models": len(registry.Models())})
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "print statements instead of running them")
}
