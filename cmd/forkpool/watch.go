package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/forkpool/internal/config"
	"github.com/mattjoyce/forkpool/internal/tui/watch"
)

func newWatchCmd() *cobra.Command {
	var apiURL, apiKey string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live worker and event monitor for a running pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("api") || !cmd.Flags().Changed("api-key") {
				if cfg, err := loadConfig(cmd); err == nil {
					if !cmd.Flags().Changed("api") {
						apiURL = "http://" + cfg.API.Listen
					}
					if !cmd.Flags().Changed("api-key") {
						apiKey = cfg.API.APIKey
					}
				}
			}
			if apiKey == "" {
				apiKey = os.Getenv("FORKPOOL_API_KEY")
			}

			p := tea.NewProgram(watch.New(apiURL, apiKey), tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "http://"+config.Defaults().API.Listen, "pool API base URL")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API bearer key (default: config api.api_key or $FORKPOOL_API_KEY)")
	return cmd
}
