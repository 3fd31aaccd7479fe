package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFlag   string
	serverFlag   string
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "sessionflow",
	Short: "sessionflow - durable workflow runs in sandbox sessions",
	Long: `sessionflow runs Python workflows inside sandbox code-execution sessions.

Each run ensures a session, uploads the workflow, its runner and input,
starts the execution, polls it to completion and downloads the output.
Runs are journaled so a restarted host resumes them where they stopped.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./sessionflow.yaml or ~/.sessionflow/sessionflow.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "API server URL for client commands (default http://localhost:<server.port>)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
