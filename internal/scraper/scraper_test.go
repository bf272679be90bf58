package scraper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const monthPage = `<html><head><title>Events</title></head><body>
<div class="item event_item vevent">
  <h3 class="summary"> Robotics Open House </h3>
  <h4 class="description"><p>Tour the lab. <a href="https://example.edu/rsvp">RSVP</a></p></h4>
  <div class="location">Building 32</div>
  <div class="dateright">
    <abbr class="dtstart" title="2026-03-05T17:00:00-05:00">5pm</abbr>
    <abbr class="dtend" title="2026-03-05T19:00:00-05:00">7pm</abbr>
  </div>
</div>
<div class="item event_item vevent">
  <h3 class="summary">Alumni Breakfast</h3>
  <h4 class="description">Old news</h4>
  <div class="location"></div>
  <div class="dateright">
    <abbr class="dtstart" title="2024-01-10T08:00:00-05:00">8am</abbr>
  </div>
</div>
<div class="item event_item vevent">
  <h3 class="summary">Spring Art Fair</h3>
  <h4 class="description">All day on the lawn</h4>
  <div class="location">  </div>
  <div class="dateright">
    <abbr class="dtstart" title="2026-03-07T00:00:00-05:00">Mar 7</abbr>
    <abbr class="dtend" title="">&nbsp;</abbr>
  </div>
</div>
</body></html>`

var fixedNow = func() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func newTestScraper(base string) *Scraper {
	return New(Config{
		BaseURL:      base,
		UserAgent:    "test-agent",
		Timeout:      5 * time.Second,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
		Now:          fixedNow,
	})
}

func htmlHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(body))
	}
}

func TestMonthURL(t *testing.T) {
	tests := []struct {
		base        string
		year, month int
		want        string
	}{
		{"https://calendar.example.edu/calendar/month", 2026, 3, "https://calendar.example.edu/calendar/month/2026/3"},
		{"https://calendar.example.edu/calendar/month/", 2026, 12, "https://calendar.example.edu/calendar/month/2026/12"},
	}

	for _, tt := range tests {
		if got := MonthURL(tt.base, tt.year, tt.month); got != tt.want {
			t.Errorf("MonthURL(%q, %d, %d) = %q, want %q", tt.base, tt.year, tt.month, got, tt.want)
		}
	}
}

func TestScraper_ScrapeMonth(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		htmlHandler(monthPage)(w, r)
	}))
	defer server.Close()

	s := newTestScraper(server.URL + "/calendar/month")

	events, err := s.ScrapeMonth(t.Context(), 2026, 3)
	if err != nil {
		t.Fatalf("ScrapeMonth() error = %v", err)
	}
	if path != "/calendar/month/2026/3" {
		t.Errorf("requested path = %q, want /calendar/month/2026/3", path)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 upcoming events, got %d: %+v", len(events), events)
	}

	open := events[0]
	if open.Name != "Robotics Open House" {
		t.Errorf("Name = %q", open.Name)
	}
	if !strings.Contains(open.Description, "[RSVP](https://example.edu/rsvp)") {
		t.Errorf("Description should keep links, got %q", open.Description)
	}
	if open.Location != "Building 32" {
		t.Errorf("Location = %q, want Building 32", open.Location)
	}
	if open.AllDay() {
		t.Error("event with an end time should not be all-day")
	}
	if open.ID == "" {
		t.Error("ID should be set")
	}
	if !strings.HasPrefix(open.SourceURL, server.URL) {
		t.Errorf("SourceURL = %q", open.SourceURL)
	}

	fair := events[1]
	if fair.Name != "Spring Art Fair" {
		t.Errorf("Name = %q, want Spring Art Fair", fair.Name)
	}
	if fair.Location != "" {
		t.Errorf("blank location should be absent, got %q", fair.Location)
	}
	if !fair.AllDay() {
		t.Error("empty dtend should mark the event all-day")
	}
}

func TestScraper_SkipsPastEvents(t *testing.T) {
	server := httptest.NewServer(htmlHandler(monthPage))
	defer server.Close()

	s := newTestScraper(server.URL)
	events, err := s.ScrapeURL(t.Context(), server.URL)
	if err != nil {
		t.Fatalf("ScrapeURL() error = %v", err)
	}

	now := fixedNow()
	for _, ev := range events {
		if ev.HasStart() && !ev.Start.After(now) {
			t.Errorf("event %q starts at %v, not after %v", ev.Name, ev.Start, now)
		}
		if ev.Name == "Alumni Breakfast" {
			t.Error("past event should have been filtered")
		}
	}
}

func TestScraper_MalformedBlock(t *testing.T) {
	page := `<html><body>
<div class="item event_item vevent">
  <h3 class="summary">No description</h3>
  <div class="location">Room 1</div>
  <div class="dateright"><abbr class="dtstart" title="2026-03-05T17:00:00-05:00">5pm</abbr></div>
</div></body></html>`

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		htmlHandler(page)(w, r)
	}))
	defer server.Close()

	s := newTestScraper(server.URL)
	_, err := s.ScrapeURL(t.Context(), server.URL)

	var malformed *MalformedBlockError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedBlockError, got %v", err)
	}
	if malformed.Field != descriptionSelector {
		t.Errorf("Field = %q, want %q", malformed.Field, descriptionSelector)
	}
	if hits.Load() != 1 {
		t.Errorf("malformed pages should not be retried, got %d requests", hits.Load())
	}
}

func TestScraper_InvalidTimestamp(t *testing.T) {
	page := `<html><body>
<div class="item event_item vevent">
  <h3 class="summary">Talk</h3><h4 class="description">x</h4><div class="location"></div>
  <div class="dateright"><abbr class="dtstart" title="next tuesday">?</abbr></div>
</div></body></html>`

	server := httptest.NewServer(htmlHandler(page))
	defer server.Close()

	_, err := newTestScraper(server.URL).ScrapeURL(t.Context(), server.URL)

	var malformed *MalformedBlockError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedBlockError, got %v", err)
	}
}

func TestScraper_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "Internal Error", http.StatusInternalServerError)
			return
		}
		htmlHandler(monthPage)(w, r)
	}))
	defer server.Close()

	events, err := newTestScraper(server.URL).ScrapeURL(t.Context(), server.URL)
	if err != nil {
		t.Fatalf("ScrapeURL() error = %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 events after recovery, got %d", len(events))
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 requests, got %d", hits.Load())
	}
}

func TestScraper_GivesUpAfterRetries(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestScraper(server.URL).ScrapeURL(t.Context(), server.URL)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusServiceUnavailable {
		t.Errorf("expected StatusError 503, got %v", err)
	}
	// One initial attempt plus MaxRetries.
	if hits.Load() != 3 {
		t.Errorf("expected 3 requests, got %d", hits.Load())
	}
}

func TestScraper_DoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	_, err := newTestScraper(server.URL).ScrapeURL(t.Context(), server.URL)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("404 should not be retried, got %d requests", hits.Load())
	}
}

func TestScraper_Cancelled(t *testing.T) {
	server := httptest.NewServer(htmlHandler(monthPage))
	defer server.Close()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := newTestScraper(server.URL).ScrapeURL(ctx, server.URL)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestScraper_PageHook(t *testing.T) {
	server := httptest.NewServer(htmlHandler(monthPage))
	defer server.Close()

	var gotURL string
	var gotSize int
	s := New(Config{
		BaseURL: server.URL,
		Now:     fixedNow,
		OnPage: func(pageURL string, body []byte) {
			gotURL = pageURL
			gotSize = len(body)
		},
	})

	if _, err := s.ScrapeURL(t.Context(), server.URL); err != nil {
		t.Fatalf("ScrapeURL() error = %v", err)
	}
	if !strings.HasPrefix(gotURL, server.URL) {
		t.Errorf("hook URL = %q", gotURL)
	}
	if gotSize != len(monthPage) {
		t.Errorf("hook body size = %d, want %d", gotSize, len(monthPage))
	}
}

func TestScraper_WithPageHook(t *testing.T) {
	server := httptest.NewServer(htmlHandler(monthPage))
	defer server.Close()

	base := New(Config{BaseURL: server.URL, Now: fixedNow})
	var pages []string
	hooked := base.WithPageHook(func(pageURL string, _ []byte) {
		pages = append(pages, pageURL)
	})

	if _, err := base.ScrapeMonth(t.Context(), 2026, 3); err != nil {
		t.Fatalf("ScrapeMonth() error = %v", err)
	}
	if len(pages) != 0 {
		t.Fatal("hook must not leak into the original scraper")
	}

	if _, err := hooked.ScrapeMonth(t.Context(), 2026, 3); err != nil {
		t.Fatalf("ScrapeMonth() error = %v", err)
	}
	if len(pages) != 1 || pages[0] != hooked.PageURL(2026, 3) {
		t.Errorf("hooked pages = %v, want [%s]", pages, hooked.PageURL(2026, 3))
	}
}

func TestScraper_ParsePage(t *testing.T) {
	s := New(Config{})
	now := time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)

	events, err := s.ParsePage("https://calendar.example.edu/calendar/month/2026/3", []byte(monthPage), now)
	if err != nil {
		t.Fatalf("ParsePage() error = %v", err)
	}
	if len(events) != 1 || events[0].Name != "Spring Art Fair" {
		t.Errorf("ParsePage() = %+v, want only events after %s", events, now)
	}
	if events[0].SourceURL != "https://calendar.example.edu/calendar/month/2026/3" {
		t.Errorf("SourceURL = %q", events[0].SourceURL)
	}

	broken := `<div class="item event_item vevent"><h3 class="summary">No details</h3></div>`
	_, err = s.ParsePage("https://calendar.example.edu/x", []byte(broken), now)
	var malformed *MalformedBlockError
	if !errors.As(err, &malformed) || malformed.URL != "https://calendar.example.edu/x" || malformed.Index != 0 {
		t.Errorf("ParsePage(broken) error = %v, want located MalformedBlockError", err)
	}
}

func TestScraper_SetsUserAgent(t *testing.T) {
	var receivedUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedUA = r.Header.Get("User-Agent")
		htmlHandler(`<html><body>No events</body></html>`)(w, r)
	}))
	defer server.Close()

	events, err := newTestScraper(server.URL).ScrapeURL(t.Context(), server.URL)
	if err != nil {
		t.Fatalf("ScrapeURL() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
	if receivedUA != "test-agent" {
		t.Errorf("User-Agent = %q, want %q", receivedUA, "test-agent")
	}
}

func TestScraper_InvalidMonth(t *testing.T) {
	s := newTestScraper("http://unused.invalid")
	if _, err := s.ScrapeMonth(t.Context(), 2026, 13); err == nil {
		t.Error("expected error for month 13")
	}
}
