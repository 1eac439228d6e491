package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the mercado configuration",
	}
	cmd.AddCommand(newConfigValidateCmd())
	cmd.AddCommand(newConfigShowCmd())
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a config file for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config OK: %d agents, %d goods, journal %s\n",
				len(cfg.Agents), len(cfg.Feed.Goods), journalLabel(cfg.Journal.Disabled, cfg.Journal.Driver))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "mercado.yaml", "path to mercado config file")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with defaults applied",
		Long: `Prints the configuration after defaults and environment overrides
are applied. Bot tokens and the journal DSN are masked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to mercado config file (defaults when empty)")
	return cmd
}

func journalLabel(disabled bool, driver string) string {
	if disabled {
		return "disabled"
	}
	return driver
}
