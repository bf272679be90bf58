// Package pipeline runs one recommendation pass: scrape the events calendar,
// read the user's history, rank the candidates and book the picks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mfenderov/campuscal/internal/archive"
	"github.com/mfenderov/campuscal/internal/booking"
	"github.com/mfenderov/campuscal/internal/history"
	"github.com/mfenderov/campuscal/internal/llm"
	"github.com/mfenderov/campuscal/internal/metrics"
	"github.com/mfenderov/campuscal/internal/ranker"
	"github.com/mfenderov/campuscal/internal/scraper"
	"github.com/mfenderov/campuscal/internal/storage"
	"github.com/mfenderov/campuscal/internal/tagger"
	"github.com/mfenderov/campuscal/pkg/models"
)

// Error kinds reported by Kind.
const (
	KindUnavailable = "unavailable" // an upstream service failed; retry later
	KindMalformed   = "malformed"   // an upstream answered with unusable data
	KindInvalid     = "invalid"     // the request or configuration is wrong
	KindInternal    = "internal"
)

// ErrInvalidRequest marks errors caused by the caller's input.
var ErrInvalidRequest = errors.New("invalid request")

// Kind classifies a pipeline error.
func Kind(err error) string {
	var malformedBlock *scraper.MalformedBlockError
	var mismatch *tagger.MismatchError

	switch {
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalid
	case errors.As(err, &malformedBlock), errors.As(err, &mismatch), errors.Is(err, llm.ErrMalformedResponse):
		return KindMalformed
	case errors.Is(err, scraper.ErrUnavailable), errors.Is(err, llm.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindUnavailable
	default:
		return KindInternal
	}
}

// Booker books selected events for an invitee.
type Booker interface {
	Book(ctx context.Context, invitee string, events []models.Event) []booking.Booking
}

// Archiver stores tagged candidates.
type Archiver interface {
	IndexEvent(ctx context.Context, doc archive.Document) error
}

// Config holds pipeline collaborators and per-run defaults.
type Config struct {
	Scraper   *scraper.Scraper
	Ranker    *ranker.Ranker
	Booker    Booker             // nil allows dry runs only
	Archive   Archiver           // optional
	Snapshots storage.PageWriter // optional
	Metrics   *metrics.Metrics   // optional

	Year           int // 0 means the current year
	Month          int // 0 means the current month
	ICSPath        string
	After          history.Date
	HistoryOptions history.Options
	Invitee        string
	Now            func() time.Time // defaults to time.Now
}

// Request overrides the configured defaults for one run. Zero fields keep the
// configured value.
type Request struct {
	Year    int          `json:"year,omitempty"`
	Month   int          `json:"month,omitempty"`
	ICSPath string       `json:"ics_path,omitempty"`
	After   history.Date `json:"-"`
	Invitee string       `json:"email,omitempty"`
	DryRun  bool         `json:"dry_run,omitempty"`
}

// Result holds the outcome of one run.
type Result struct {
	Selected   []ranker.Selection
	Bookings   []booking.Booking
	TopTags    []string
	Candidates int // upcoming events scraped
	History    int // history names read
	Scanned    int // candidates classified
	Snapshot   string
	DryRun     bool
	Duration   time.Duration
}

// Summary returns the newline-joined names of the booked events, or of the
// selected events on a dry run.
func (r *Result) Summary() string {
	var names []string
	if r.DryRun {
		for _, s := range r.Selected {
			names = append(names, s.Event.Name)
		}
	} else {
		for _, b := range r.Bookings {
			if b.OK() {
				names = append(names, b.Event.Name)
			}
		}
	}
	return strings.Join(names, "\n")
}

// Failed returns the bookings that did not succeed.
func (r *Result) Failed() []booking.Booking {
	var failed []booking.Booking
	for _, b := range r.Bookings {
		if !b.OK() {
			failed = append(failed, b)
		}
	}
	return failed
}

// Pipeline orchestrates the scrape, rank and booking flow.
type Pipeline struct {
	config Config
}

// New creates a new Pipeline.
func New(config Config) (*Pipeline, error) {
	if config.Scraper == nil {
		return nil, fmt.Errorf("scraper is required")
	}
	if config.Ranker == nil {
		return nil, fmt.Errorf("ranker is required")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Pipeline{config: config}, nil
}

// Run executes the full pipeline once.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	result, err := p.run(ctx, req)

	outcome := "ok"
	if err != nil {
		outcome = Kind(err)
	}
	p.config.Metrics.PipelineRun(outcome, time.Since(start))

	if err != nil {
		slog.Error("pipeline failed", "kind", outcome, "error", err)
		return nil, err
	}
	result.Duration = time.Since(start)
	slog.Info("pipeline complete",
		"candidates", result.Candidates,
		"history", result.History,
		"scanned", result.Scanned,
		"selected", len(result.Selected),
		"failed", len(result.Failed()),
		"dry_run", result.DryRun,
		"duration", result.Duration)
	return result, nil
}

func (p *Pipeline) resolve(req Request) (Request, error) {
	now := p.config.Now()
	if req.Year == 0 {
		req.Year = p.config.Year
	}
	if req.Year == 0 {
		req.Year = now.Year()
	}
	if req.Month == 0 {
		req.Month = p.config.Month
	}
	if req.Month == 0 {
		req.Month = int(now.Month())
	}
	if req.ICSPath == "" {
		req.ICSPath = p.config.ICSPath
	}
	if req.After == (history.Date{}) {
		req.After = p.config.After
	}
	if req.Invitee == "" {
		req.Invitee = p.config.Invitee
	}

	if req.Month < 1 || req.Month > 12 {
		return req, fmt.Errorf("%w: month %d out of range", ErrInvalidRequest, req.Month)
	}
	if req.ICSPath == "" {
		return req, fmt.Errorf("%w: no calendar history file configured", ErrInvalidRequest)
	}
	if !req.DryRun {
		if p.config.Booker == nil {
			return req, fmt.Errorf("%w: calendar booking is not configured", ErrInvalidRequest)
		}
		if req.Invitee == "" {
			return req, fmt.Errorf("%w: no invitee email", ErrInvalidRequest)
		}
	}
	return req, nil
}

func (p *Pipeline) run(ctx context.Context, req Request) (*Result, error) {
	req, err := p.resolve(req)
	if err != nil {
		return nil, err
	}
	result := &Result{DryRun: req.DryRun}

	events, snapshot, err := p.scrape(ctx, req.Year, req.Month)
	if err != nil {
		return nil, fmt.Errorf("failed to scrape events: %w", err)
	}
	result.Candidates = len(events)
	result.Snapshot = snapshot
	p.config.Metrics.EventsScraped(len(events))

	names, err := history.ReadNames(req.ICSPath, req.After, p.config.HistoryOptions)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read history: %w", ErrInvalidRequest, err)
	}
	result.History = len(names)

	ranked, err := p.config.Ranker.Select(ctx, names, events)
	if err != nil {
		return nil, fmt.Errorf("failed to rank events: %w", err)
	}
	result.Selected = ranked.Selections
	result.TopTags = ranked.TopTags
	result.Scanned = ranked.Scanned

	p.archive(ctx, ranked)

	if req.DryRun {
		return result, nil
	}
	result.Bookings = p.config.Booker.Book(ctx, req.Invitee, ranked.Events())
	return result, nil
}

// scrape fetches the month page, snapshotting it when storage is configured.
func (p *Pipeline) scrape(ctx context.Context, year, month int) ([]models.Event, string, error) {
	if p.config.Snapshots == nil {
		events, err := p.config.Scraper.ScrapeMonth(ctx, year, month)
		return events, "", err
	}

	snap, err := storage.NewSnapshot(ctx, p.config.Snapshots, p.config.Scraper.PageURL(year, month), p.config.Now())
	if err != nil {
		slog.Warn("snapshot disabled for this run", "error", err)
		events, err := p.config.Scraper.ScrapeMonth(ctx, year, month)
		return events, "", err
	}

	events, err := p.config.Scraper.WithPageHook(snap.AddPage).ScrapeMonth(ctx, year, month)
	if err != nil {
		return nil, "", err
	}
	if _, err := snap.Finish(ctx); err != nil {
		slog.Warn("failed to finish snapshot", "prefix", snap.Prefix(), "error", err)
		return events, "", nil
	}
	return events, snap.Prefix(), nil
}

// archive indexes every classified candidate. Failures are logged only.
func (p *Pipeline) archive(ctx context.Context, ranked *ranker.Result) {
	if p.config.Archive == nil {
		return
	}

	selected := make(map[string]bool, len(ranked.Selections))
	for _, s := range ranked.Selections {
		selected[models.GenerateEventID(s.Event.Name, s.Event.Start)] = true
	}

	indexed := 0
	for _, c := range ranked.Candidates {
		doc := archive.Document{Event: c.Event, Tag: c.Tag}
		if doc.ID == "" {
			doc.ID = models.GenerateEventID(doc.Name, doc.Start)
		}
		doc.Selected = selected[doc.ID]
		if err := p.config.Archive.IndexEvent(ctx, doc); err != nil {
			slog.Warn("failed to archive event", "name", doc.Name, "error", err)
			continue
		}
		indexed++
	}
	slog.Debug("archived candidates", "indexed", indexed, "scanned", len(ranked.Candidates))
}
