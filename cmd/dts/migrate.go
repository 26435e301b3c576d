package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/dts/internal/config"
	"github.com/untoldecay/dts/internal/storage/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long: `Apply pending schema migrations to the task database and exit.

By default the migrations embedded in the binary are applied. Use --dir
to apply .sql files from a directory instead, e.g. when testing a new
migration before it ships.

Examples:
  dts migrate
  dts migrate --json
  dts migrate --dir ./migrations`,
	Run: func(cmd *cobra.Command, _ []string) {
		dir, _ := cmd.Flags().GetString("dir")
		if err := runMigrate(dir); err != nil {
			fatalError("%v", err)
		}
	},
}

func init() {
	migrateCmd.Flags().String("dir", "", "Apply migrations from a directory instead of the embedded set")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(dir string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := sqlite.New(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = store.Close() }()

	var applied []string
	if dir != "" {
		applied, err = store.MigrateFS(ctx, os.DirFS(dir))
	} else {
		applied, err = store.Migrate(ctx)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		if applied == nil {
			applied = []string{}
		}
		outputJSON(map[string]any{
			"database": cfg.DBPath,
			"applied":  applied,
		})
		return nil
	}

	if len(applied) == 0 {
		fmt.Printf("%s is up to date\n", cfg.DBPath)
		return nil
	}
	for _, name := range applied {
		fmt.Printf("applied %s\n", name)
	}
	return nil
}
