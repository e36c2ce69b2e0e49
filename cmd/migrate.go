package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/linkwatch/internal/app"
	"github.com/JakeFAU/linkwatch/internal/config"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE:  runMigrateCommand,
	}
}

func runMigrateCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	if rt.cfg.Database.Driver != config.DriverPostgres {
		fmt.Fprintf(cmd.OutOrStdout(), "driver %q has no schema to apply\n", rt.cfg.Database.Driver)
		return nil
	}
	dbCfg := rt.cfg.Database
	dbCfg.Migrate = true
	store, err := app.OpenStore(cmd.Context(), dbCfg, rt.logger)
	if err != nil {
		return err
	}
	store.Close()
	fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
	return nil
}
