package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/mfenderov/campuscal/internal/archive"
	"github.com/spf13/cobra"
)

var (
	searchLimit    int
	searchFormat   string
	searchTag      string
	searchSelected bool
	searchUpcoming bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search archived events",
	Long: `Search the events archived by earlier pipeline runs.

Examples:
  # Full-text search
  campuscal search "robotics"

  # Everything tagged music that has not happened yet
  campuscal search --tag music --upcoming

  # Past picks as JSON
  campuscal search --selected --format json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "Maximum number of results")
	searchCmd.Flags().StringVar(&searchFormat, "format", "text", "Output format: text or json")
	searchCmd.Flags().StringVar(&searchTag, "tag", "", "Only events with this tag")
	searchCmd.Flags().BoolVar(&searchSelected, "selected", false, "Only events that were picked for booking")
	searchCmd.Flags().BoolVar(&searchUpcoming, "upcoming", false, "Only events that have not started yet")
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var query string
	if len(args) > 0 {
		query = args[0]
	}
	cfg := GetConfig()

	client, err := archive.New(archive.Config{
		Addresses: cfg.Elasticsearch.Addresses,
		Index:     cfg.Elasticsearch.Index,
		Username:  cfg.Elasticsearch.Username,
		Password:  cfg.Elasticsearch.Password,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Elasticsearch: %w", err)
	}

	opts := archive.SearchOptions{Tag: searchTag, Selected: searchSelected}
	if searchUpcoming {
		opts.After = time.Now()
	}

	docs, err := client.Search(ctx, query, searchLimit, opts)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(docs) == 0 {
		fmt.Fprintln(out, "No results found.")
		return nil
	}

	if searchFormat == "json" {
		output, err := json.MarshalIndent(docs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(output))
		return nil
	}

	fmt.Fprintf(out, "Found %d results:\n\n", len(docs))
	for i, doc := range docs {
		fmt.Fprintf(out, "─── Result %d ───\n", i+1)
		fmt.Fprintf(out, "Name:     %s\n", doc.Name)
		fmt.Fprintf(out, "Tag:      %s\n", doc.Tag)
		if doc.HasStart() {
			fmt.Fprintf(out, "Start:    %s\n", doc.Start.Format(time.RFC1123))
		}
		if doc.Location != "" {
			fmt.Fprintf(out, "Location: %s\n", doc.Location)
		}
		fmt.Fprintf(out, "Selected: %t\n", doc.Selected)
		fmt.Fprintf(out, "ID:       %s\n", doc.ID)

		description := doc.Description
		if len(description) > 300 {
			description = description[:300] + "..."
		}
		if description != "" {
			fmt.Fprintf(out, "\n%s\n", description)
		}
		fmt.Fprintln(out)
	}

	return nil
}
