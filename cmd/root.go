package cmd

import (
	"github.com/spf13/cobra"

	"lyra/internal/logger"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "lyra",
	Short: "Lyra - realtime song recognition services",
	Long: `Lyra is a song recognition system built around a websocket gateway and
an asynchronous analysis worker. The gateway accepts recognition requests over
websocket connections and answers them from a result cache or by dispatching
work through a message broker; the worker consumes queued requests, analyzes
track lyrics and publishes results back to the gateway.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetLevel("debug")
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(workerCmd)
}
