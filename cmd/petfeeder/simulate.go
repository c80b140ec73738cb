package main

import (
	"github.com/spf13/cobra"

	"petfeeder/internal/app"
)

func newSimulateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated feeder device against the configured MQTT broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.RunSimulator(cmd.Context(), *cfgPath)
		},
	}
}
