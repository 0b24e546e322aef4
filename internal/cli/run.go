package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs the scheduler and worker pool in the foreground",
		Long: `Loads the enabled resources from the registry, fires a check for each
one on its cron interval and refreshes the resource set periodically. SIGINT or
SIGTERM drains in-flight checks and exits 0.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := e.buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Preflight(ctx); err != nil {
				return withCode(ExitStartup, err)
			}
			if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return withCode(ExitStartup, fmt.Errorf("run: %w", err))
			}
			e.logger.Info("shutdown complete", zap.String("cause", fmt.Sprint(context.Cause(ctx))))
			return nil
		},
	}
}
