package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "callclient",
	Short: "Headless participant for appointment video calls",
	Long: `callclient joins an appointment room on the signaling server and runs one side
of the call with synthetic audio and video. Lines typed on stdin are sent as chat.`,
}

// Execute runs the root command. Called by main.main.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(loginCmd, joinCmd)
}
