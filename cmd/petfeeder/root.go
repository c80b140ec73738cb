package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:           "petfeeder",
		Short:         "Pet feeder backend: HTTP API, feeding schedules and device bridge",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (json or yaml)")

	rootCmd.AddCommand(
		newServeCmd(&cfgPath),
		newSimulateCmd(&cfgPath),
		newVersionCmd(),
	)
	return rootCmd
}
