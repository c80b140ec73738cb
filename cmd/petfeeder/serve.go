package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"petfeeder/internal/app"
)

func newServeCmd(cfgPath *string) *cobra.Command {
	var stopTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, scheduler and device bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := app.NewApp(*cfgPath, version)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				if a.Err() != nil {
					reason = app.StopFatalError
				}
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			_ = a.Stop(stopCtx, reason)
			return a.Err()
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}
