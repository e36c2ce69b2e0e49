// Package cmd defines the linkwatch CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkwatch/internal/config"
	"github.com/JakeFAU/linkwatch/internal/logging"
)

// runtimeKeyType is the key for storing the runtime in the command context.
type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime carries what every subcommand needs.
type runtime struct {
	loader *config.Loader
	cfg    *config.Config
	logger *zap.Logger
}

// newLogger is a variable so tests can capture log output.
var newLogger = func(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "linkwatch",
		Short: "Periodically collect links from web pages and report new ones.",
		Long: `linkwatch fetches a configured list of pages on a schedule, extracts links
with CSS or XPath selectors, keeps the history of every link in a relational
store and notifies when links appear that were never seen before.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loader := config.NewLoader(cfgFile)
			cfg, err := loader.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			logger.Debug("configuration loaded", zap.String("file", loader.Path()))

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, runtimeKey, &runtime{
				loader: loader,
				cfg:    cfg,
				logger: logger,
			}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches ./linkwatch.yaml, /etc/linkwatch/, $HOME/.linkwatch/)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newCollectCmd())
	cmd.AddCommand(newMigrateCmd())
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not initialized")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		zap.L().Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}
