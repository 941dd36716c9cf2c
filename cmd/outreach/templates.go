package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var templatesJSON bool

func init() {
	rootCmd.AddCommand(templatesCmd)
	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesShowCmd)
	templatesCmd.PersistentFlags().BoolVar(&templatesJSON, "json", false, "print raw JSON")
}

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage outreach message templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available templates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		templates, err := client.Templates.List(ctx)
		if err != nil {
			return err
		}
		if templatesJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(templates)
		}
		if len(templates) == 0 {
			fmt.Println("No templates.")
			return nil
		}
		for _, t := range templates {
			fmt.Printf("%-24s  %s\n", t.ID, t.Name)
		}
		return nil
	},
}

var templatesShowCmd = &cobra.Command{
	Use:   "show <template-id>",
	Short: "Show a template's body and placeholders",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		t, err := client.Templates.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if templatesJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(t)
		}
		fmt.Printf("ID:    %s\n", t.ID)
		fmt.Printf("Name:  %s\n", t.Name)
		if len(t.Variables) > 0 {
			fmt.Printf("Vars:  %v\n", t.Variables)
		}
		fmt.Println()
		fmt.Println(t.Body)
		return nil
	},
}
