package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cenkalti/backoff/v4"
	"github.com/gocolly/colly/v2"
	"github.com/mfenderov/campuscal/internal/processor"
	"github.com/mfenderov/campuscal/pkg/models"
)

// Structural markers of the events calendar markup.
const (
	eventBlockSelector  = "div.item.event_item.vevent"
	nameSelector        = "h3.summary"
	descriptionSelector = "h4.description"
	locationSelector    = "div.location"
	timeSelector        = "div.dateright"
	startSelector       = "abbr.dtstart"
	endSelector         = "abbr.dtend"
)

// ErrUnavailable is returned when the events page could not be fetched
// after all retries.
var ErrUnavailable = errors.New("event source unavailable")

// MalformedBlockError reports an event block missing an expected field.
type MalformedBlockError struct {
	URL   string
	Index int // position of the block on the page
	Field string
	Err   error
}

func (e *MalformedBlockError) Error() string {
	msg := fmt.Sprintf("malformed event block %d on %s: %s", e.Index, e.URL, e.Field)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedBlockError) Unwrap() error {
	return e.Err
}

// StatusError reports a non-2xx response from the events page.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Status, e.URL)
}

// PageHook receives the raw body of every successfully fetched page.
type PageHook func(pageURL string, body []byte)

// Config holds scraper configuration.
type Config struct {
	BaseURL      string
	UserAgent    string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	Now          func() time.Time // defaults to time.Now
	OnPage       PageHook
}

// Scraper fetches event calendar pages and extracts event records.
type Scraper struct {
	config    Config
	processor *processor.Processor
}

// New creates a new Scraper with the given configuration.
func New(config Config) *Scraper {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "campuscal/1.0"
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Scraper{
		config:    config,
		processor: processor.New(),
	}
}

// WithPageHook returns a copy of the scraper that reports fetched pages to
// hook.
func (s *Scraper) WithPageHook(hook PageHook) *Scraper {
	clone := *s
	clone.config.OnPage = hook
	return &clone
}

// PageURL returns the calendar page URL for a month.
func (s *Scraper) PageURL(year, month int) string {
	return MonthURL(s.config.BaseURL, year, month)
}

// MonthURL builds the page URL for a calendar month: <base>/<year>/<month>.
func MonthURL(base string, year, month int) string {
	return fmt.Sprintf("%s/%d/%d", strings.TrimSuffix(base, "/"), year, month)
}

// ScrapeMonth scrapes the upcoming events listed on one calendar month page.
func (s *Scraper) ScrapeMonth(ctx context.Context, year, month int) ([]models.Event, error) {
	if month < 1 || month > 12 {
		return nil, fmt.Errorf("invalid month %d", month)
	}
	return s.ScrapeURL(ctx, s.PageURL(year, month))
}

// ScrapeYear scrapes all twelve month pages of a year in order.
func (s *Scraper) ScrapeYear(ctx context.Context, year int) ([]models.Event, error) {
	var events []models.Event
	for month := 1; month <= 12; month++ {
		monthEvents, err := s.ScrapeMonth(ctx, year, month)
		if err != nil {
			return nil, err
		}
		events = append(events, monthEvents...)
	}
	return events, nil
}

// ScrapeURL fetches a single calendar page and returns its upcoming events.
// Network failures, 429 and 5xx responses are retried with exponential
// backoff; malformed markup and other statuses fail immediately.
func (s *Scraper) ScrapeURL(ctx context.Context, pageURL string) ([]models.Event, error) {
	slog.Debug("starting scrape", "url", pageURL)

	var events []models.Event
	operation := func() error {
		evs, err := s.scrapeOnce(ctx, pageURL)
		if err != nil {
			return err
		}
		events = evs
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.config.RetryBackoff
	var b backoff.BackOff = policy
	if s.config.MaxRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(s.config.MaxRetries))
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		slog.Warn("scrape failed, retrying", "url", pageURL, "error", err, "wait", wait)
	})
	if err != nil {
		var malformed *MalformedBlockError
		if errors.As(err, &malformed) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	slog.Debug("scrape complete", "url", pageURL, "events", len(events))
	return events, nil
}

// scrapeOnce performs a single fetch and parse. Errors that must not be
// retried are wrapped with backoff.Permanent.
func (s *Scraper) scrapeOnce(ctx context.Context, pageURL string) ([]models.Event, error) {
	c := colly.NewCollector(
		colly.UserAgent(s.config.UserAgent),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(s.config.Timeout)

	var (
		events   []models.Event
		parseErr error
		fetchErr error
		index    int
	)
	now := s.config.Now().UTC()

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			slog.Debug("scrape cancelled", "url", r.URL.String())
			r.Abort()
		}
	})

	c.OnResponse(func(r *colly.Response) {
		slog.Debug("fetched page", "url", r.Request.URL.String(), "status", r.StatusCode, "size", len(r.Body),
			"title", s.processor.ExtractTitle(string(r.Body)))
		if s.config.OnPage != nil {
			s.config.OnPage(r.Request.URL.String(), r.Body)
		}
	})

	c.OnHTML(eventBlockSelector, func(e *colly.HTMLElement) {
		i := index
		index++
		if parseErr != nil {
			return
		}
		ev, keep, err := s.parseBlock(e.DOM, now)
		if err != nil {
			parseErr = locate(err, pageURL, i)
			return
		}
		if !keep {
			return
		}
		ev.SourceURL = pageURL
		events = append(events, ev)
	})

	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = &StatusError{URL: pageURL, Status: r.StatusCode}
			return
		}
		fetchErr = err
	})

	visitErr := c.Visit(pageURL)
	c.Wait()

	if ctx.Err() != nil {
		return nil, backoff.Permanent(ctx.Err())
	}
	if fetchErr == nil && visitErr != nil {
		fetchErr = visitErr
	}
	if fetchErr != nil {
		var statusErr *StatusError
		if errors.As(fetchErr, &statusErr) && !retryableStatus(statusErr.Status) {
			return nil, backoff.Permanent(fetchErr)
		}
		return nil, fetchErr
	}
	if parseErr != nil {
		return nil, backoff.Permanent(parseErr)
	}

	return events, nil
}

// ParsePage extracts the events on an already fetched page that start after
// now. It applies the same rules as a live scrape.
func (s *Scraper) ParsePage(pageURL string, body []byte, now time.Time) ([]models.Event, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}

	var (
		events   []models.Event
		parseErr error
	)
	doc.Find(eventBlockSelector).EachWithBreak(func(i int, block *goquery.Selection) bool {
		ev, keep, err := s.parseBlock(block, now.UTC())
		if err != nil {
			parseErr = locate(err, pageURL, i)
			return false
		}
		if keep {
			ev.SourceURL = pageURL
			events = append(events, ev)
		}
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return events, nil
}

// locate fills in where a malformed block was found.
func locate(err error, pageURL string, index int) error {
	var malformed *MalformedBlockError
	if errors.As(err, &malformed) {
		malformed.URL = pageURL
		malformed.Index = index
	}
	return err
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// parseBlock converts one event block into an Event. keep is false when the
// event starts before now.
func (s *Scraper) parseBlock(block *goquery.Selection, now time.Time) (models.Event, bool, error) {
	var ev models.Event

	name, err := requiredChild(block, nameSelector)
	if err != nil {
		return ev, false, err
	}
	desc, err := requiredChild(block, descriptionSelector)
	if err != nil {
		return ev, false, err
	}
	loc, err := requiredChild(block, locationSelector)
	if err != nil {
		return ev, false, err
	}
	times, err := requiredChild(block, timeSelector)
	if err != nil {
		return ev, false, err
	}

	ev.Name = strings.TrimSpace(name.Text())
	ev.Description = s.description(desc)
	ev.Location = strings.TrimSpace(loc.Text())

	if start := times.Find(startSelector).First(); start.Length() > 0 {
		t, err := parseTimestamp(start)
		if err != nil {
			return ev, false, &MalformedBlockError{Field: startSelector, Err: err}
		}
		if t.Before(now) {
			return ev, false, nil
		}
		ev.Start = t
	}

	if end := times.Find(endSelector).First(); end.Length() > 0 {
		if title := strings.TrimSpace(end.AttrOr("title", "")); title != "" {
			t, err := parseISO(title)
			if err != nil {
				return ev, false, &MalformedBlockError{Field: endSelector, Err: err}
			}
			ev.End = t
		}
	}

	ev.ID = models.GenerateEventID(ev.Name, ev.Start)
	return ev, true, nil
}

// description prefers the Markdown rendering of the block so links survive,
// falling back to its plain text.
func (s *Scraper) description(sel *goquery.Selection) string {
	inner, err := sel.Html()
	if err != nil {
		return strings.TrimSpace(sel.Text())
	}
	if md, err := s.processor.Convert(inner); err == nil {
		return md
	}
	return s.processor.PlainText(inner)
}

func requiredChild(block *goquery.Selection, selector string) (*goquery.Selection, error) {
	sel := block.Find(selector).First()
	if sel.Length() == 0 {
		return nil, &MalformedBlockError{Field: selector, Err: errors.New("missing element")}
	}
	return sel, nil
}

func parseTimestamp(sel *goquery.Selection) (time.Time, error) {
	title, ok := sel.Attr("title")
	if !ok {
		return time.Time{}, errors.New("missing title attribute")
	}
	return parseISO(title)
}

// Layouts seen in the calendar's microformat title attributes.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04-07:00",
	"2006-01-02",
}

func parseISO(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	var firstErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
