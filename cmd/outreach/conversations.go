package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	outreach "github.com/SleepArchitects/Outreach/sdk/golang"
)

var (
	conversationsUnread bool
	conversationsJSON   bool
	conversationsLimit  int

	historyLimit int
	historyJSON  bool
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "only conversations with unread messages")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "output raw JSON")
	conversationsCmd.Flags().IntVar(&conversationsLimit, "limit", 25, "page size")

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "number of recent messages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "output raw JSON")
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		page, err := client.Conversations.List(ctx, &outreach.ConversationListOptions{
			UnreadOnly: conversationsUnread,
			Limit:      conversationsLimit,
		})
		if err != nil {
			return err
		}

		if conversationsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(page)
		}

		if len(page.Conversations) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range page.Conversations {
			name := c.PatientName
			if name == "" {
				name = c.PatientPhone
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			last := "-"
			if c.LastMessageAt != nil {
				last = formatWhen(*c.LastMessageAt)
			}
			fmt.Printf("%-26s  %-20s  %-12s %s%s\n", c.ID, name, last, c.LastMessage, unread)
		}
		if page.Pagination.HasMore {
			fmt.Printf("... %d more\n", page.Pagination.Total-len(page.Conversations))
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show the most recent messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		page, err := client.Messages.FetchInitial(ctx, args[0], historyLimit)
		if err != nil {
			return err
		}

		if historyJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(page)
		}

		for _, m := range page.Messages {
			printMessage(m)
		}
		return nil
	},
}

func printMessage(m outreach.Message) {
	status := ""
	if m.Direction == outreach.DirectionOutbound {
		status = fmt.Sprintf(" [%s]", m.Status)
		if m.Status == outreach.StatusFailed && m.ErrorMessage != "" {
			status = fmt.Sprintf(" [failed: %s]", m.ErrorMessage)
		}
	}
	fmt.Printf("%s %s %s%s\n", formatWhen(m.CreatedAt), directionMark(m), m.Body, status)
}
