package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/mfenderov/campuscal/internal/ingestion"
	"github.com/spf13/cobra"
)

var (
	ingestPrefix string
	ingestNoTags bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Index a stored calendar snapshot into Elasticsearch",
	Long: `Replay calendar pages stored in S3/MinIO into the event archive.

Snapshots are written by "scrape --snapshot" and by pipeline runs with
storage enabled. Events are judged upcoming relative to when the snapshot
was taken.

Examples:
  # Ingest a specific snapshot by prefix
  campuscal ingest --prefix snapshots/calendar.mit.edu/2026-03-01T09-00-00-1a2b3c4d

  # Index without asking the LLM for tags
  campuscal ingest --prefix snapshots/calendar.mit.edu/2026-03-01T09-00-00-1a2b3c4d --no-tags`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringVar(&ingestPrefix, "prefix", "", "Snapshot prefix to ingest (required)")
	ingestCmd.Flags().BoolVar(&ingestNoTags, "no-tags", false, "Skip LLM tagging")
	ingestCmd.MarkFlagRequired("prefix")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := GetConfig()
	slog.Debug("ingest command starting", "prefix", ingestPrefix)

	store, err := newSnapshots(ctx, &cfg)
	if err != nil {
		return err
	}
	arch, err := newArchive(ctx, &cfg)
	if err != nil {
		return err
	}

	var classifier ingestion.Classifier
	if !ingestNoTags {
		tg, closeCache, err := newTagger(ctx, &cfg, nil)
		if err != nil {
			return err
		}
		if closeCache != nil {
			defer closeCache()
		}
		classifier = tg
	}

	engine := ingestion.New(store, newScraper(&cfg), classifier, arch)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Ingesting: %s\n", ingestPrefix)

	result, err := engine.Ingest(ctx, ingestPrefix)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	fmt.Fprintf(out, "\nIngestion complete:\n")
	fmt.Fprintf(out, "  Events indexed: %d\n", result.EventsIndexed)
	fmt.Fprintf(out, "  Duration: %v\n", result.Duration)

	if len(result.Errors) > 0 {
		fmt.Fprintf(out, "  Warnings: %d\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Fprintf(out, "    - %s\n", e)
		}
	}

	return nil
}
