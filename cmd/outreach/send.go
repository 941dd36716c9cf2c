package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	outreach "github.com/SleepArchitects/Outreach/sdk/golang"
)

var sendTemplateID string

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendTemplateID, "template", "", "template id to attribute the message to")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <body...>",
	Short: "Send an SMS to a conversation",
	Long:  "Sends a message through a live session: the message is inserted optimistically,\nsubmitted to the API, and reconciled against the server copy before printing.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		body := strings.Join(args[1:], " ")

		client := getClient()

		cfg := sessionConfig(conversationID)
		cfg.DisableFeed = true
		session := outreach.NewSession(client, cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := session.Open(ctx); err != nil {
			return fmt.Errorf("open session: %w", err)
		}
		defer session.Close()

		var opts *outreach.SendMessageOptions
		if sendTemplateID != "" {
			opts = &outreach.SendMessageOptions{TemplateID: sendTemplateID}
		}

		if err := session.SendMessage(ctx, body, opts); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		// The reconciled copy is the newest outbound record in the store.
		msgs := session.Messages()
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Direction == outreach.DirectionOutbound && msgs[i].Body == body {
				m := msgs[i]
				fmt.Printf("Sent %s (status %s", m.ID, m.Status)
				if m.ProviderSID != "" {
					fmt.Printf(", sid %s", m.ProviderSID)
				}
				fmt.Println(")")
				return nil
			}
		}
		fmt.Println("Sent")
		return nil
	},
}
