package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "owscholar",
	Short: "Recurring literature searches posted to chat",
	Long: `owscholar runs saved arXiv and PubMed searches on a schedule and posts
new results to the Slack channel or Telegram chat that asked for them.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config (json or yaml)")
	rootCmd.AddCommand(runCmd, schedulesCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
