package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	outreach "github.com/SleepArchitects/Outreach/sdk/golang"
)

var tailNoFeed bool

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().BoolVar(&tailNoFeed, "no-feed", false, "skip the realtime feed and rely on polling only")
}

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Stream a conversation's messages as they arrive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		client := getClient()

		cfg := sessionConfig(conversationID)
		cfg.DisableFeed = tailNoFeed

		seen := map[string]bool{}
		updates := make(chan struct{}, 1)
		cfg.OnChange = func() {
			select {
			case updates <- struct{}{}:
			default:
			}
		}

		session := outreach.NewSession(client, cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := session.Open(ctx); err != nil {
			cancel()
			return fmt.Errorf("open session: %w", err)
		}
		cancel()
		defer session.Close()

		// Print history the session loaded on open, then follow.
		for _, m := range session.Messages() {
			seen[m.Key()] = true
			printMessage(m)
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

		fmt.Fprintln(os.Stderr, "-- following (ctrl-c to stop) --")
		for {
			select {
			case <-stop:
				return nil
			case <-updates:
				for _, m := range session.Messages() {
					key := m.Key()
					if seen[key] {
						continue
					}
					seen[key] = true
					printMessage(m)
				}
			}
		}
	},
}
