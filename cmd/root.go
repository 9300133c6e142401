package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/skela-systems/modelgw/pkg/logutil"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "modelgw",
	Short: "Multi-tenant LLM gateway",
	Long:  "modelgw exposes an OpenAI-compatible chat completion API in front of pooled model backends, with tenant scoping, endpoint failover and usage accounting.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return logutil.Configure(logLevel)
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "Log level (debug, info, warn, error, fatal)")
}
