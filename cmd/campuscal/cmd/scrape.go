package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/mfenderov/campuscal/internal/config"
	"github.com/mfenderov/campuscal/internal/storage"
	"github.com/mfenderov/campuscal/internal/tagger"
	"github.com/mfenderov/campuscal/pkg/models"
	"github.com/spf13/cobra"
)

var (
	scrapeYear     int
	scrapeMonth    int
	scrapeWholeYr  bool
	scrapeSnapshot bool
	scrapeFormat   string
	scrapeTags     string
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "List upcoming events from the events calendar",
	Long: `Scrape the campus events calendar and print the upcoming events.

Examples:
  # Current month
  campuscal scrape

  # A specific month, as JSON
  campuscal scrape --year 2026 --month 4 --format json

  # Every month of a year
  campuscal scrape --year 2026 --all

  # Keep a copy of the raw page in S3/MinIO
  campuscal scrape --snapshot

  # Label each event with a model-chosen tag
  campuscal scrape --tags freeform`,
	RunE: runScrape,
}

func init() {
	rootCmd.AddCommand(scrapeCmd)

	scrapeCmd.Flags().IntVar(&scrapeYear, "year", 0, "Calendar year (default from config or current)")
	scrapeCmd.Flags().IntVar(&scrapeMonth, "month", 0, "Calendar month 1-12 (default from config or current)")
	scrapeCmd.Flags().BoolVar(&scrapeWholeYr, "all", false, "Scrape all twelve months of the year")
	scrapeCmd.Flags().BoolVar(&scrapeSnapshot, "snapshot", false, "Store the fetched pages in S3/MinIO")
	scrapeCmd.Flags().StringVar(&scrapeFormat, "format", "text", "Output format: text or json")
	scrapeCmd.Flags().StringVar(&scrapeTags, "tags", "", "Tag events with the LLM: fixed or freeform")
}

func runScrape(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := GetConfig()
	now := time.Now()

	year := firstNonZero(scrapeYear, cfg.Source.Year, now.Year())
	month := firstNonZero(scrapeMonth, cfg.Source.Month, int(now.Month()))

	s := newScraper(&cfg)

	var snap *storage.Snapshot
	if scrapeSnapshot {
		client, err := newSnapshots(ctx, &cfg)
		if err != nil {
			return err
		}
		snap, err = storage.NewSnapshot(ctx, client, s.PageURL(year, month), now)
		if err != nil {
			return err
		}
		s = s.WithPageHook(snap.AddPage)
	}

	var events []models.Event
	var err error
	if scrapeWholeYr {
		events, err = s.ScrapeYear(ctx, year)
	} else {
		events, err = s.ScrapeMonth(ctx, year, month)
	}
	if err != nil {
		return fmt.Errorf("scrape failed: %w", err)
	}

	if snap != nil {
		meta, err := snap.Finish(ctx)
		if err != nil {
			slog.Warn("snapshot incomplete", "error", err)
		} else {
			fmt.Fprintf(cmd.ErrOrStderr(), "Snapshot: %s (%d pages)\n", snap.Prefix(), meta.PageCount)
		}
	}

	listed := make([]listedEvent, len(events))
	for i, ev := range events {
		listed[i] = listedEvent{Event: ev}
	}
	if scrapeTags != "" {
		if err := tagListed(ctx, &cfg, scrapeTags, listed); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if scrapeFormat == "json" {
		output, err := json.MarshalIndent(listed, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(output))
		return nil
	}

	if len(events) == 0 {
		fmt.Fprintln(out, "No upcoming events.")
		return nil
	}

	fmt.Fprintf(out, "Found %d upcoming events:\n\n", len(events))
	for _, ev := range listed {
		when := ev.Start.Format("Mon Jan 2 15:04")
		if ev.AllDay() {
			when = ev.Start.Format("Mon Jan 2") + " (all day)"
		}
		fmt.Fprintf(out, "%s  %s", when, ev.Name)
		if ev.Tag != "" {
			fmt.Fprintf(out, "  [%s]", ev.Tag)
		}
		fmt.Fprintln(out)
		if ev.Location != "" {
			fmt.Fprintf(out, "    at %s\n", ev.Location)
		}
	}
	return nil
}

// listedEvent is a scraped event with its optional tag.
type listedEvent struct {
	models.Event
	Tag string `json:"tag,omitempty"`
}

func tagListed(ctx context.Context, cfg *config.Config, styleName string, listed []listedEvent) error {
	style, err := tagger.ParseStyle(styleName)
	if err != nil {
		return err
	}
	tg, closeCache, err := newTagger(ctx, cfg, nil)
	if err != nil {
		return err
	}
	if closeCache != nil {
		defer closeCache()
	}

	names := make([]string, len(listed))
	for i, ev := range listed {
		names[i] = ev.Name
	}
	tagged, err := tg.Tag(ctx, style, names)
	if err != nil {
		return fmt.Errorf("failed to tag events: %w", err)
	}
	for i := range listed {
		listed[i].Tag = tagged[i].Tag
	}
	return nil
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
