// Package ingestion replays stored calendar snapshots into the event archive.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mfenderov/campuscal/internal/archive"
	"github.com/mfenderov/campuscal/internal/storage"
	"github.com/mfenderov/campuscal/pkg/models"
)

// Store reads a snapshot back from object storage.
type Store interface {
	GetMetadata(ctx context.Context, prefix string) (*storage.SnapshotMetadata, error)
	ListPages(ctx context.Context, prefix string) ([]string, error)
	GetPage(ctx context.Context, prefix, filename string) ([]byte, error)
}

// Parser extracts events from a stored page.
type Parser interface {
	ParsePage(pageURL string, body []byte, now time.Time) ([]models.Event, error)
}

// Classifier gives an event its single tag.
type Classifier interface {
	Classify(ctx context.Context, name string) (string, error)
}

// Archiver indexes events for later search.
type Archiver interface {
	IndexEvent(ctx context.Context, doc archive.Document) error
	Refresh(ctx context.Context) error
}

// Result holds ingestion execution results.
type Result struct {
	Prefix        string
	EventsIndexed int
	Duration      time.Duration
	Errors        []string
}

// Engine reads stored calendar pages, tags their events, and indexes them.
type Engine struct {
	store      Store
	parser     Parser
	classifier Classifier // nil leaves events untagged
	archive    Archiver
}

// New creates a new ingestion engine.
func New(store Store, parser Parser, classifier Classifier, archiver Archiver) *Engine {
	return &Engine{
		store:      store,
		parser:     parser,
		classifier: classifier,
		archive:    archiver,
	}
}

// Ingest processes every page under a snapshot prefix. Events are judged
// upcoming relative to when the snapshot was taken, not to now.
func (e *Engine) Ingest(ctx context.Context, prefix string) (*Result, error) {
	start := time.Now()
	result := &Result{Prefix: prefix}

	slog.Info("starting ingestion", "prefix", prefix)

	meta, err := e.store.GetMetadata(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot metadata: %w", err)
	}

	fileToURL := make(map[string]string, len(meta.Pages))
	for _, pageURL := range meta.Pages {
		fileToURL[storage.PageFilename(pageURL)] = pageURL
	}

	files, err := e.store.ListPages(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot pages: %w", err)
	}

	slog.Info("found pages to ingest", "count", len(files), "taken", meta.Timestamp)

	for _, filename := range files {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, "context cancelled")
			break
		}

		pageURL, ok := fileToURL[filename]
		if !ok {
			slog.Warn("no URL found for page", "filename", filename)
			pageURL = filename
		}

		body, err := e.store.GetPage(ctx, prefix, filename)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}

		events, err := e.parser.ParsePage(pageURL, body, meta.Timestamp)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", pageURL, err))
			continue
		}

		for _, ev := range events {
			doc := archive.Document{Event: ev, Tag: e.classify(ctx, ev.Name)}
			if err := e.archive.IndexEvent(ctx, doc); err != nil {
				slog.Error("failed to index event", "id", ev.ID, "error", err)
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.EventsIndexed++
		}
	}

	if err := e.archive.Refresh(ctx); err != nil {
		slog.Warn("failed to refresh archive", "error", err)
	}

	result.Duration = time.Since(start)
	slog.Info("ingestion complete",
		"prefix", prefix,
		"events_indexed", result.EventsIndexed,
		"duration", result.Duration,
		"errors", len(result.Errors))

	return result, nil
}

func (e *Engine) classify(ctx context.Context, name string) string {
	if e.classifier == nil {
		return ""
	}
	tag, err := e.classifier.Classify(ctx, name)
	if err != nil {
		slog.Warn("failed to classify event", "name", name, "error", err)
		return ""
	}
	return tag
}
