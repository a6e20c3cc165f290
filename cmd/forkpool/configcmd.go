package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/forkpool/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	var verify string
	hash := &cobra.Command{
		Use:   "hash",
		Short: "Print the BLAKE3 fingerprint of the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.SourcePath == "" {
				return fmt.Errorf("no config file found (using defaults)")
			}
			if verify != "" {
				if err := config.VerifyFileHash(cfg.SourcePath, verify); err != nil {
					return &exitError{code: 1, err: err}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "OK %s\n", cfg.SourcePath)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", cfg.Fingerprint, cfg.SourcePath)
			return nil
		},
	}
	hash.Flags().StringVar(&verify, "verify", "", "expected hash; fail on mismatch")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Pool.Workers == 0 {
				cfg.Pool.Workers = cfg.EffectiveWorkers()
			}
			if cfg.API.APIKey != "" {
				cfg.API.APIKey = "********"
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.AddCommand(hash, show)
	return cmd
}
