package main

import (
	"fmt"
	"os"
	"time"

	outreach "github.com/SleepArchitects/Outreach/sdk/golang"
)

// getClient creates an outreach client from the stored configuration.
func getClient() *outreach.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token configured. Run 'outreach init <token>' first.")
		os.Exit(1)
	}

	var opts []outreach.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, outreach.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, outreach.WithEnvironment(outreach.Environment(cfg.Default.Environment)))
	}
	if cfg.Default.FeedURL != "" {
		opts = append(opts, outreach.WithFeedURL(cfg.Default.FeedURL))
	}

	return outreach.NewClient(cfg.Auth.Token, opts...)
}

// sessionConfig builds the session identity fields from stored config.
func sessionConfig(conversationID string) outreach.SessionConfig {
	cfg, _ := loadConfig()
	sc := outreach.SessionConfig{ConversationID: conversationID}
	if cfg != nil {
		sc.CoordinatorID = cfg.Auth.CoordinatorID
		sc.TenantID = cfg.Auth.TenantID
		sc.PracticeID = cfg.Auth.PracticeID
	}
	return sc
}

// formatWhen renders a timestamp compactly: time of day for today, date
// otherwise.
func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("Jan 02 15:04")
}

// directionMark returns a compact direction indicator for message output.
func directionMark(m outreach.Message) string {
	if m.Direction == outreach.DirectionInbound {
		return "<-"
	}
	return "->"
}
