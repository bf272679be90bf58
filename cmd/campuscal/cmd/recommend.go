package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/mfenderov/campuscal/internal/history"
	"github.com/mfenderov/campuscal/internal/pipeline"
	"github.com/spf13/cobra"
)

var (
	recommendDryRun bool
	recommendYear   int
	recommendMonth  int
	recommendEmail  string
	recommendICS    string
	recommendAfter  string
	recommendFormat string
)

var recommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Run the recommendation pipeline once",
	Long: `Scrape one month of campus events, match them against your calendar
history and book the picks onto Google Calendar.

Examples:
  # Preview the picks for the configured month without booking
  campuscal recommend --dry-run

  # Book picks for April 2026 and invite a different address
  campuscal recommend --year 2026 --month 4 --email friend@example.edu

  # Use another calendar export and cutoff
  campuscal recommend --ics ~/Downloads/me.ics --after 2025-09-01 --dry-run`,
	RunE: runRecommend,
}

func init() {
	rootCmd.AddCommand(recommendCmd)

	recommendCmd.Flags().BoolVar(&recommendDryRun, "dry-run", false, "Select events without booking them")
	recommendCmd.Flags().IntVar(&recommendYear, "year", 0, "Calendar year to scan (default from config or current)")
	recommendCmd.Flags().IntVar(&recommendMonth, "month", 0, "Calendar month to scan, 1-12 (default from config or current)")
	recommendCmd.Flags().StringVar(&recommendEmail, "email", "", "Invitee email (default server.invitee)")
	recommendCmd.Flags().StringVar(&recommendICS, "ics", "", "Calendar export to learn from (default history.ics_path)")
	recommendCmd.Flags().StringVar(&recommendAfter, "after", "", "Only learn from events after this date, YYYY-MM-DD")
	recommendCmd.Flags().StringVar(&recommendFormat, "format", "text", "Output format: text or json")
}

func runRecommend(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := GetConfig()

	req := pipeline.Request{
		Year:    recommendYear,
		Month:   recommendMonth,
		ICSPath: recommendICS,
		Invitee: recommendEmail,
		DryRun:  recommendDryRun,
	}
	if recommendAfter != "" {
		after, err := history.ParseDate(recommendAfter)
		if err != nil {
			return err
		}
		req.After = after
	}

	a, err := buildApp(ctx, &cfg, !recommendDryRun)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.pipeline.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("recommendation failed (%s): %w", pipeline.Kind(err), err)
	}

	out := cmd.OutOrStdout()
	if recommendFormat == "json" {
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(output))
		return nil
	}

	fmt.Fprintf(out, "Top tags: %v (from %d past events)\n", result.TopTags, result.History)
	fmt.Fprintf(out, "Scanned %d of %d upcoming events in %s\n\n", result.Scanned, result.Candidates, result.Duration.Round(time.Millisecond))

	if len(result.Selected) == 0 {
		fmt.Fprintln(out, "No matching events.")
		return nil
	}

	if result.DryRun {
		fmt.Fprintln(out, "Would book:")
		for _, sel := range result.Selected {
			fmt.Fprintf(out, "  [%d %s] %s  %s\n", sel.Rank, sel.Tag, sel.Event.Name, sel.Event.Start.Format("Mon Jan 2 15:04"))
		}
		return nil
	}

	fmt.Fprintln(out, "The following events have been added to your calendar:")
	for _, b := range result.Bookings {
		if b.OK() {
			fmt.Fprintf(out, "  ✓ %s  %s\n", b.Event.Name, b.Link)
		} else {
			fmt.Fprintf(out, "  ✗ %s  (%v)\n", b.Event.Name, b.Err)
		}
	}
	return nil
}
