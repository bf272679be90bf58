package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mfenderov/campuscal/internal/archive"
	"github.com/mfenderov/campuscal/internal/booking"
	"github.com/mfenderov/campuscal/internal/cache"
	"github.com/mfenderov/campuscal/internal/config"
	"github.com/mfenderov/campuscal/internal/gcal"
	"github.com/mfenderov/campuscal/internal/history"
	"github.com/mfenderov/campuscal/internal/llm"
	"github.com/mfenderov/campuscal/internal/metrics"
	"github.com/mfenderov/campuscal/internal/pipeline"
	"github.com/mfenderov/campuscal/internal/ranker"
	"github.com/mfenderov/campuscal/internal/scraper"
	"github.com/mfenderov/campuscal/internal/storage"
	"github.com/mfenderov/campuscal/internal/tagger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// app holds the components built from configuration.
type app struct {
	pipeline *pipeline.Pipeline
	archive  *archive.Client // nil when disabled or unreachable
	registry *prometheus.Registry
	closers  []func() error
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("failed to close component", "error", err)
		}
	}
}

func newScraper(cfg *config.Config) *scraper.Scraper {
	return scraper.New(scraper.Config{
		BaseURL:      cfg.Source.BaseURL,
		UserAgent:    cfg.Scraper.UserAgent,
		Timeout:      cfg.Scraper.Timeout,
		MaxRetries:   cfg.Scraper.MaxRetries,
		RetryBackoff: cfg.Scraper.RetryBackoff,
	})
}

func newArchive(ctx context.Context, cfg *config.Config) (*archive.Client, error) {
	client, err := archive.New(archive.Config{
		Addresses: cfg.Elasticsearch.Addresses,
		Index:     cfg.Elasticsearch.Index,
		Username:  cfg.Elasticsearch.Username,
		Password:  cfg.Elasticsearch.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create archive client: %w", err)
	}
	if !client.Ping(ctx) {
		return nil, fmt.Errorf("elasticsearch is not reachable at %v", cfg.Elasticsearch.Addresses)
	}
	if err := client.CreateIndex(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func newSnapshots(ctx context.Context, cfg *config.Config) (*storage.Client, error) {
	client, err := storage.New(storage.Config{
		Endpoint:        cfg.Storage.Endpoint,
		Bucket:          cfg.Storage.Bucket,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		UseSSL:          cfg.Storage.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket: %w", err)
	}
	return client, nil
}

func newTagCache(ctx context.Context, cfg *config.Config) (cache.Cache, func() error) {
	if !cfg.Cache.Enabled {
		return cache.NewMemory(), nil
	}
	redisCache, err := cache.NewRedis(ctx, cache.Config{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
		Prefix:   cfg.Cache.Prefix,
		TTL:      cfg.Cache.TTL,
	})
	if err != nil {
		slog.Warn("redis tag cache unavailable, using in-memory cache", "error", err)
		return cache.NewMemory(), nil
	}
	slog.Info("redis tag cache enabled", "addr", cfg.Cache.Addr)
	return redisCache, redisCache.Close
}

// newCalendarBooker builds a booker backed by the stored OAuth token.
func newCalendarBooker(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*booking.Writer, error) {
	oauthCfg, err := gcal.LoadConfig(cfg.Calendar.CredentialsFile)
	if err != nil {
		return nil, err
	}
	svc, err := gcal.NewService(ctx, oauthCfg, gcal.FileTokenStore{Path: cfg.Calendar.TokenFile})
	if err != nil {
		return nil, err
	}
	return booking.NewWriter(booking.ServiceInserter{Service: svc}, booking.Config{
		CalendarID: cfg.Calendar.CalendarID,
		TimeZone:   cfg.Calendar.TimeZone,
		Metrics:    m,
	}), nil
}

// newTagger builds the LLM tagger with its cache. The returned closer may be
// nil.
func newTagger(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*tagger.Tagger, func() error, error) {
	llmClient, err := llm.New(llm.Config{
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		SocketPath: cfg.LLM.SocketPath,
		Model:      cfg.LLM.Model,
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.LLM.MaxRetries,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	llmClient.Observe(m.LLMRequest)

	tagCache, closeCache := newTagCache(ctx, cfg)
	return tagger.New(tagger.Config{
		Completer: llmClient,
		Cache:     tagCache,
		Metrics:   m,
	}), closeCache, nil
}

// buildApp wires the pipeline from configuration. Without withCalendar the
// pipeline only supports dry runs. Optional side channels that cannot be
// reached are disabled with a warning.
func buildApp(ctx context.Context, cfg *config.Config, withCalendar bool) (*app, error) {
	a := &app{registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.registry)

	tg, closeCache, err := newTagger(ctx, cfg, m)
	if err != nil {
		return nil, err
	}
	if closeCache != nil {
		a.closers = append(a.closers, closeCache)
	}

	after, err := history.ParseDate(cfg.History.After)
	if err != nil {
		return nil, fmt.Errorf("invalid history.after: %w", err)
	}
	mode, err := history.ParseMode(cfg.History.Recurrence)
	if err != nil {
		return nil, fmt.Errorf("invalid history.recurrence: %w", err)
	}

	pcfg := pipeline.Config{
		Scraper: newScraper(cfg),
		Ranker: ranker.New(tg, ranker.Config{
			Quotas:      cfg.Ranker.Quotas,
			ScanLimit:   cfg.Ranker.ScanLimit,
			Concurrency: cfg.Ranker.Concurrency,
		}),
		Metrics: m,
		Year:    cfg.Source.Year,
		Month:   cfg.Source.Month,
		ICSPath: cfg.History.ICSPath,
		After:   after,
		HistoryOptions: history.Options{
			Recurrence:     mode,
			Copies:         cfg.History.Copies,
			MaxOccurrences: cfg.History.MaxOccurrences,
		},
		Invitee: cfg.Server.Invitee,
	}

	if withCalendar {
		writer, err := newCalendarBooker(ctx, cfg, m)
		if err != nil {
			return nil, fmt.Errorf("failed to set up Google Calendar: %w", err)
		}
		pcfg.Booker = writer
	}

	if cfg.Elasticsearch.Enabled {
		client, err := newArchive(ctx, cfg)
		if err != nil {
			slog.Warn("event archive disabled", "error", err)
		} else {
			a.archive = client
			pcfg.Archive = client
		}
	}

	if cfg.Storage.Enabled {
		client, err := newSnapshots(ctx, cfg)
		if err != nil {
			slog.Warn("page snapshots disabled", "error", err)
		} else {
			pcfg.Snapshots = client
		}
	}

	p, err := pipeline.New(pcfg)
	if err != nil {
		return nil, err
	}
	a.pipeline = p
	return a, nil
}
