package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// 全局 flag
var (
	configDir  string
	backendURL string
	token      string
	local      bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "ccctl",
	Short: "Command center inbox client",
	Long: `ccctl works the command center inbox from a terminal.

By default it talks to the API server (backend.url). With --local it opens
the database and the mail provider directly and runs the pipeline in-process.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", os.Getenv("CONFIG_DIR"), "directory holding base.yaml and <env>.yaml")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend-url", "", "API base URL (overrides backend.url)")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("BACKEND_TOKEN"), "API bearer token (overrides backend.token)")
	rootCmd.PersistentFlags().BoolVar(&local, "local", false, "run against the database and provider in-process")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	rootCmd.AddCommand(inboxCmd(), adminCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
