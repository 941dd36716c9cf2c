package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

// maskToken keeps the first and last four characters of a token visible.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		env := cfg.Default.Environment
		if env == "" {
			env = "(not set)"
		}
		fmt.Printf("  Environment: %s\n", env)
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		}
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		if cfg.Auth.CoordinatorID != "" {
			fmt.Printf("  Coordinator: %s\n", cfg.Auth.CoordinatorID)
		}

		if cfg.Auth.Token == "" {
			return nil
		}

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		if err := client.Health(ctx); err != nil {
			fmt.Printf("Backend:     unreachable (%v)\n", err)
			return nil
		}
		fmt.Println("Backend:     ok")
		return nil
	},
}
