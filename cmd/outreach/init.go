package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initCoordinatorID string

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initCoordinatorID, "coordinator", "", "coordinator id for the realtime feed")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the API token in ~/.outreach/config.toml",
	Long:  "Initialize the outreach CLI by storing your API token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if initCoordinatorID != "" {
			cfg.Auth.CoordinatorID = initCoordinatorID
		}
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
