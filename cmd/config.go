package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skela-systems/modelgw/pkg/config"
)

var configServerPath string

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the server configuration",
	}
	configCmd.PersistentFlags().StringVar(&configServerPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")

	configCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default config file if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configServerPath); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "config already exists at %s\n", configServerPath)
				return nil
			}
			if _, err := config.LoadOrCreateServerConfig(configServerPath); err != nil {
				return fmt.Errorf("create config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", configServerPath)
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configServerPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			b, err := config.MarshalTOML(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(b))
			return nil
		},
	})

	rootCmd.AddCommand(configCmd)
}
