package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/linkwatch/internal/app"
	"github.com/JakeFAU/linkwatch/internal/server"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run collection cycles on the configured interval",
		Long: `Starts the supervisor: a first cycle runs immediately, later cycles follow
the configured interval. SIGHUP reloads the config file, SIGUSR1 cancels the
running cycle and SIGINT/SIGTERM shut down after the current target.`,
		RunE: runRunCommand,
	}
}

func runRunCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}

	a, err := app.New(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	svc, err := server.New(a, rt.cfg, rt.loader, rt.logger)
	if err != nil {
		_ = a.Close(cmd.Context())
		return err
	}
	return svc.Run(cmd.Context())
}
