package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkwatch/internal/app"
	"github.com/JakeFAU/linkwatch/internal/collection"
	"github.com/JakeFAU/linkwatch/internal/notify"
)

const drainTimeout = time.Minute

func newCollectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Run a single collection cycle and exit",
		RunE:  runCollectCommand,
	}
}

func runCollectCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	targets, err := rt.cfg.LinkTargets()
	if err != nil {
		return err
	}

	a, err := app.New(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	res, runErr := a.Engine().Run(ctx, targets, nil)

	if rt.cfg.Notifier.Digest {
		if n, ok := notify.Digest(res); ok {
			a.Dispatcher().Enqueue(n)
		}
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), drainTimeout)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		rt.logger.Warn("close services", zap.Error(err))
	}

	printSummary(cmd, res)
	if runErr != nil {
		return fmt.Errorf("collection %s: %w", res.State, runErr)
	}
	return nil
}

func printSummary(cmd *cobra.Command, res collection.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "collection %d %s: %d pages, %d links, %d new, %d skipped\n",
		res.CollectionID, res.State, res.Stats.Pages, res.Stats.Links, res.Stats.NewLinks, res.Skipped)
	for _, t := range res.Targets {
		if t.Err != nil {
			fmt.Fprintf(out, "  %s: %s (%v)\n", t.Name, t.Outcome, t.Err)
			continue
		}
		fmt.Fprintf(out, "  %s: %d links, %d new\n", t.Name, t.Links, t.NewLinks)
	}
}
