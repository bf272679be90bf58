package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mfenderov/campuscal/internal/archive"
	"github.com/mfenderov/campuscal/internal/booking"
	"github.com/mfenderov/campuscal/internal/history"
	"github.com/mfenderov/campuscal/internal/llm"
	"github.com/mfenderov/campuscal/internal/ranker"
	"github.com/mfenderov/campuscal/internal/scraper"
	"github.com/mfenderov/campuscal/internal/storage"
	"github.com/mfenderov/campuscal/internal/tagger"
	"github.com/mfenderov/campuscal/pkg/models"
)

func eventBlock(name, start, end string) string {
	dtend := ""
	if end != "" {
		dtend = fmt.Sprintf(`<abbr class="dtend" title="%s"></abbr>`, end)
	}
	return fmt.Sprintf(`<div class="item event_item vevent">
  <h3 class="summary">%s</h3>
  <h4 class="description">About %s</h4>
  <div class="location">Building 10</div>
  <div class="dateright"><abbr class="dtstart" title="%s"></abbr>%s</div>
</div>`, name, name, start, dtend)
}

var monthPage = "<html><body>" +
	eventBlock("Hackathon", "2026-03-05T17:00:00-05:00", "2026-03-05T21:00:00-05:00") +
	eventBlock("Startup Pitch", "2026-03-06T12:00:00-05:00", "2026-03-06T13:00:00-05:00") +
	eventBlock("Jazz Night", "2026-03-07T20:00:00-05:00", "") +
	eventBlock("Pizza Social", "2026-03-08T18:00:00-05:00", "2026-03-08T19:00:00-05:00") +
	"</body></html>"

var historyICS = strings.Join([]string{
	"BEGIN:VCALENDAR",
	"VERSION:2.0",
	"PRODID:-//campuscal//test//EN",
	"BEGIN:VEVENT", "UID:1", "SUMMARY:Intro to Algorithms", "DTSTART:20240110T150000Z", "END:VEVENT",
	"BEGIN:VEVENT", "UID:2", "SUMMARY:Compilers Seminar", "DTSTART:20240111T150000Z", "END:VEVENT",
	"BEGIN:VEVENT", "UID:3", "SUMMARY:Systems Reading Group", "DTSTART:20240112T150000Z", "END:VEVENT",
	"BEGIN:VEVENT", "UID:4", "SUMMARY:Orchestra Rehearsal", "DTSTART:20240113T150000Z", "END:VEVENT",
	"BEGIN:VEVENT", "UID:5", "SUMMARY:Choir Practice", "DTSTART:20240114T150000Z", "END:VEVENT",
	"BEGIN:VEVENT", "UID:6", "SUMMARY:Ramen Night", "DTSTART:20240115T150000Z", "END:VEVENT",
	"BEGIN:VEVENT", "UID:7", "SUMMARY:Old Bake Sale", "DTSTART:20231215T150000Z", "END:VEVENT",
	"END:VCALENDAR",
}, "\r\n") + "\r\n"

var tags = map[string]string{
	"Intro to Algorithms":   "computer science",
	"Compilers Seminar":     "computer science",
	"Systems Reading Group": "computer science",
	"Orchestra Rehearsal":   "music",
	"Choir Practice":        "music",
	"Ramen Night":           "food",
	"Old Bake Sale":         "food",
	"Hackathon":             "computer science",
	"Startup Pitch":         "entrepreneurship",
	"Jazz Night":            "music",
	"Pizza Social":          "food",
}

// tagTable answers batch prompts with comma-joined tags and single prompts
// with one tag.
type tagTable struct {
	tags map[string]string
	drop bool // answer batches with one tag too few
	err  error
}

func (tt tagTable) Complete(_ context.Context, _, prompt string) (string, error) {
	if tt.err != nil {
		return "", tt.err
	}
	var names []string
	if err := json.Unmarshal([]byte(prompt), &names); err != nil {
		return tt.tags[prompt], nil
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = tt.tags[n]
	}
	if tt.drop {
		out = out[:len(out)-1]
	}
	return strings.Join(out, ", "), nil
}

type fakeBooker struct {
	invitee string
	events  []models.Event
	failOn  string
}

func (f *fakeBooker) Book(_ context.Context, invitee string, events []models.Event) []booking.Booking {
	f.invitee = invitee
	f.events = events
	out := make([]booking.Booking, len(events))
	for i, ev := range events {
		out[i] = booking.Booking{Event: ev, Link: "https://calendar.example/" + ev.ID}
		if ev.Name == f.failOn {
			out[i] = booking.Booking{Event: ev, Err: errors.New("quota exceeded")}
		}
	}
	return out
}

type fakeArchive struct {
	mu   sync.Mutex
	docs []archive.Document
}

func (f *fakeArchive) IndexEvent(_ context.Context, doc archive.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, doc)
	return nil
}

type memorySnapshots struct {
	mu    sync.Mutex
	pages []string
	meta  *storage.SnapshotMetadata
}

func (m *memorySnapshots) PutPage(_ context.Context, prefix, filename string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = append(m.pages, prefix+"/pages/"+filename)
	return nil
}

func (m *memorySnapshots) PutMetadata(_ context.Context, _ string, meta storage.SnapshotMetadata) error {
	m.meta = &meta
	return nil
}

type harness struct {
	server *httptest.Server
	paths  []string
	config Config
}

func newHarness(t *testing.T, completer tagger.Completer, handler http.HandlerFunc) *harness {
	t.Helper()
	h := &harness{}
	var mu sync.Mutex
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		h.paths = append(h.paths, r.URL.Path)
		mu.Unlock()
		if handler != nil {
			handler(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(monthPage))
	}))
	t.Cleanup(h.server.Close)

	icsPath := filepath.Join(t.TempDir(), "calendar.ics")
	if err := os.WriteFile(icsPath, []byte(historyICS), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	now := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	h.config = Config{
		Scraper: scraper.New(scraper.Config{
			BaseURL:      h.server.URL + "/calendar/month",
			MaxRetries:   1,
			RetryBackoff: time.Millisecond,
			Now:          now,
		}),
		Ranker:  ranker.New(tagger.New(tagger.Config{Completer: completer}), ranker.Config{}),
		ICSPath: icsPath,
		After:   history.Date{Year: 2024, Month: time.January, Day: 1},
		Invitee: "me@example.edu",
		Now:     now,
	}
	return h
}

func (h *harness) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := New(h.config)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func names(events []models.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Name
	}
	return out
}

func TestPipeline_Run(t *testing.T) {
	h := newHarness(t, tagTable{tags: tags}, nil)
	booker := &fakeBooker{failOn: "Pizza Social"}
	h.config.Booker = booker

	result, err := h.pipeline(t).Run(t.Context(), Request{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !slices.Equal(h.paths, []string{"/calendar/month/2026/3"}) {
		t.Errorf("fetched paths = %v", h.paths)
	}
	if booker.invitee != "me@example.edu" {
		t.Errorf("invitee = %q", booker.invitee)
	}
	want := []string{"Hackathon", "Jazz Night", "Pizza Social"}
	if got := names(booker.events); !slices.Equal(got, want) {
		t.Errorf("booked = %v, want %v", got, want)
	}
	if !slices.Equal(result.TopTags, []string{"computerscience", "music", "food"}) {
		t.Errorf("TopTags = %v", result.TopTags)
	}
	if result.Candidates != 4 || result.History != 6 || result.Scanned != 4 {
		t.Errorf("counts = candidates %d, history %d, scanned %d", result.Candidates, result.History, result.Scanned)
	}

	if got := result.Summary(); got != "Hackathon\nJazz Night" {
		t.Errorf("Summary() = %q", got)
	}
	if failed := result.Failed(); len(failed) != 1 || failed[0].Event.Name != "Pizza Social" {
		t.Errorf("Failed() = %+v", failed)
	}
}

func TestPipeline_DryRun(t *testing.T) {
	h := newHarness(t, tagTable{tags: tags}, nil)

	result, err := h.pipeline(t).Run(t.Context(), Request{DryRun: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(result.Bookings) != 0 {
		t.Errorf("dry run booked %d events", len(result.Bookings))
	}
	if got := result.Summary(); got != "Hackathon\nJazz Night\nPizza Social" {
		t.Errorf("Summary() = %q", got)
	}
}

func TestPipeline_RequestOverrides(t *testing.T) {
	h := newHarness(t, tagTable{tags: tags}, nil)
	booker := &fakeBooker{}
	h.config.Booker = booker

	_, err := h.pipeline(t).Run(t.Context(), Request{Year: 2026, Month: 11, Invitee: "friend@example.edu"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !slices.Equal(h.paths, []string{"/calendar/month/2026/11"}) {
		t.Errorf("fetched paths = %v", h.paths)
	}
	if booker.invitee != "friend@example.edu" {
		t.Errorf("invitee = %q", booker.invitee)
	}
}

func TestPipeline_NoHistoryMatches(t *testing.T) {
	h := newHarness(t, tagTable{tags: tags}, nil)
	h.config.After = history.Date{Year: 2030, Month: time.January, Day: 1}
	booker := &fakeBooker{}
	h.config.Booker = booker

	result, err := h.pipeline(t).Run(t.Context(), Request{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(result.Selected) != 0 || result.Summary() != "" {
		t.Errorf("expected an empty shortlist, got %+v", result.Selected)
	}
}

func TestPipeline_ArchiveAndSnapshot(t *testing.T) {
	h := newHarness(t, tagTable{tags: tags}, nil)
	arch := &fakeArchive{}
	snaps := &memorySnapshots{}
	h.config.Archive = arch
	h.config.Snapshots = snaps

	result, err := h.pipeline(t).Run(t.Context(), Request{DryRun: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(arch.docs) != 4 {
		t.Fatalf("archived %d docs, want 4", len(arch.docs))
	}
	for _, doc := range arch.docs {
		wantSelected := doc.Name != "Startup Pitch"
		if doc.Selected != wantSelected {
			t.Errorf("%s selected = %v, want %v", doc.Name, doc.Selected, wantSelected)
		}
		if doc.ID == "" || doc.Tag == "" {
			t.Errorf("doc missing id or tag: %+v", doc)
		}
	}

	if !strings.HasPrefix(result.Snapshot, "snapshots/") {
		t.Errorf("Snapshot = %q", result.Snapshot)
	}
	if len(snaps.pages) != 1 || snaps.meta == nil || snaps.meta.PageCount != 1 {
		t.Errorf("snapshot pages = %v, meta = %+v", snaps.pages, snaps.meta)
	}
}

func TestPipeline_Errors(t *testing.T) {
	unavailable := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	tests := []struct {
		name      string
		completer tagger.Completer
		handler   http.HandlerFunc
		modify    func(*Config)
		req       Request
		wantKind  string
	}{
		{
			name:     "month out of range",
			req:      Request{Month: 13, DryRun: true},
			wantKind: KindInvalid,
		},
		{
			name:     "missing history file",
			modify:   func(c *Config) { c.ICSPath = filepath.Join(os.TempDir(), "does-not-exist.ics") },
			req:      Request{DryRun: true},
			wantKind: KindInvalid,
		},
		{
			name:     "booking without writer",
			req:      Request{},
			wantKind: KindInvalid,
		},
		{
			name:     "booking without invitee",
			modify:   func(c *Config) { c.Booker = &fakeBooker{}; c.Invitee = "" },
			req:      Request{},
			wantKind: KindInvalid,
		},
		{
			name:     "event source down",
			handler:  unavailable,
			req:      Request{DryRun: true},
			wantKind: KindUnavailable,
		},
		{
			name:      "classifier down",
			completer: tagTable{err: fmt.Errorf("boom: %w", llm.ErrUnavailable)},
			req:       Request{DryRun: true},
			wantKind:  KindUnavailable,
		},
		{
			name:      "tag count mismatch",
			completer: tagTable{tags: tags, drop: true},
			req:       Request{DryRun: true},
			wantKind:  KindMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completer := tt.completer
			if completer == nil {
				completer = tagTable{tags: tags}
			}
			h := newHarness(t, completer, tt.handler)
			if tt.modify != nil {
				tt.modify(&h.config)
			}

			_, err := h.pipeline(t).Run(t.Context(), tt.req)
			if err == nil {
				t.Fatal("Run() expected error")
			}
			if got := Kind(err); got != tt.wantKind {
				t.Errorf("Kind(%v) = %q, want %q", err, got, tt.wantKind)
			}
		})
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrap: %w", ErrInvalidRequest), KindInvalid},
		{fmt.Errorf("wrap: %w", scraper.ErrUnavailable), KindUnavailable},
		{&tagger.ClassifyError{Err: llm.ErrUnavailable}, KindUnavailable},
		{&tagger.ClassifyError{Err: llm.ErrMalformedResponse}, KindMalformed},
		{&scraper.MalformedBlockError{URL: "u", Field: "summary"}, KindMalformed},
		{&tagger.MismatchError{Inputs: 2, Tags: 1}, KindMalformed},
		{context.DeadlineExceeded, KindUnavailable},
		{errors.New("something else"), KindInternal},
	}

	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without scraper")
	}
	if _, err := New(Config{Scraper: scraper.New(scraper.Config{})}); err == nil {
		t.Error("expected error without ranker")
	}
}
