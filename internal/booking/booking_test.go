package booking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mfenderov/campuscal/pkg/models"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

var eastern = time.FixedZone("EST", -5*60*60)

func TestBuildEvent_Timed(t *testing.T) {
	ev := models.Event{
		Name:        "Robotics Open House",
		Description: "Tour the lab",
		Location:    "Building 32",
		Start:       time.Date(2026, 3, 5, 17, 0, 0, 0, eastern),
		End:         time.Date(2026, 3, 5, 19, 0, 0, 0, eastern),
	}

	out, err := BuildEvent("me@example.edu", ev, Options{TimeZone: "America/New_York"})
	if err != nil {
		t.Fatalf("BuildEvent() error = %v", err)
	}

	if out.Summary != ev.Name || out.Description != ev.Description || out.Location != ev.Location {
		t.Errorf("fields not copied: %+v", out)
	}
	if out.Start.DateTime != "2026-03-05T17:00:00-05:00" || out.Start.TimeZone != "America/New_York" {
		t.Errorf("Start = %+v", out.Start)
	}
	if out.End.DateTime != "2026-03-05T19:00:00-05:00" || out.End.TimeZone != "America/New_York" {
		t.Errorf("End = %+v", out.End)
	}
	if out.Start.Date != "" {
		t.Error("timed event should not carry a date")
	}
	if len(out.Attendees) != 1 || out.Attendees[0].Email != "me@example.edu" {
		t.Errorf("Attendees = %+v", out.Attendees)
	}

	r := out.Reminders
	if r == nil || r.UseDefault || len(r.Overrides) != 2 {
		t.Fatalf("Reminders = %+v", r)
	}
	if r.Overrides[0].Method != "email" || r.Overrides[0].Minutes != 1440 {
		t.Errorf("email reminder = %+v", r.Overrides[0])
	}
	if r.Overrides[1].Method != "popup" || r.Overrides[1].Minutes != 10 {
		t.Errorf("popup reminder = %+v", r.Overrides[1])
	}

	// useDefault=false must survive JSON encoding.
	b, _ := json.Marshal(r)
	var decoded map[string]any
	json.Unmarshal(b, &decoded)
	if v, ok := decoded["useDefault"]; !ok || v != false {
		t.Errorf("encoded reminders = %s, want useDefault false", b)
	}
}

func TestBuildEvent_AllDay(t *testing.T) {
	ev := models.Event{
		Name:  "Spring Art Fair",
		Start: time.Date(2026, 3, 7, 0, 0, 0, 0, eastern),
	}

	out, err := BuildEvent("me@example.edu", ev, Options{})
	if err != nil {
		t.Fatalf("BuildEvent() error = %v", err)
	}
	if out.Start.Date != "2026-03-07" || out.End.Date != "2026-03-07" {
		t.Errorf("all-day dates = %q..%q, want 2026-03-07", out.Start.Date, out.End.Date)
	}
	if out.Start.DateTime != "" || out.End.DateTime != "" {
		t.Error("all-day event should not carry date-times")
	}
	if out.Location != "" {
		t.Errorf("Location = %q, want omitted", out.Location)
	}
}

func TestBuildEvent_Rejects(t *testing.T) {
	tests := []struct {
		name string
		ev   models.Event
		want error
	}{
		{"flagged", models.Event{Name: "x", Start: time.Now(), Flagged: true}, ErrFlaggedEvent},
		{"no start", models.Event{Name: "x"}, ErrMissingStart},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildEvent("me@example.edu", tt.ev, Options{}); !errors.Is(err, tt.want) {
				t.Errorf("BuildEvent() error = %v, want %v", err, tt.want)
			}
		})
	}
}

type fakeInserter struct {
	calendarIDs []string
	inserted    []*calendar.Event
	failOn      string
}

func (f *fakeInserter) Insert(_ context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error) {
	f.calendarIDs = append(f.calendarIDs, calendarID)
	if ev.Summary == f.failOn {
		return nil, errors.New("quota exceeded")
	}
	f.inserted = append(f.inserted, ev)
	return &calendar.Event{HtmlLink: "https://calendar.example/" + ev.Summary}, nil
}

func TestWriter_Book(t *testing.T) {
	start := time.Date(2026, 3, 5, 17, 0, 0, 0, eastern)
	events := []models.Event{
		{Name: "A", Start: start},
		{Name: "B", Start: start},
		{Name: "C", Start: start, Flagged: true},
		{Name: "D", Start: start},
	}

	fake := &fakeInserter{failOn: "B"}
	w := NewWriter(fake, Config{})
	bookings := w.Book(t.Context(), "me@example.edu", events)

	if len(bookings) != 4 {
		t.Fatalf("expected a booking per event, got %d", len(bookings))
	}
	if !bookings[0].OK() || bookings[0].Link != "https://calendar.example/A" {
		t.Errorf("booking A = %+v", bookings[0])
	}
	if bookings[1].OK() {
		t.Error("booking B should report the insert failure")
	}
	if !errors.Is(bookings[2].Err, ErrFlaggedEvent) {
		t.Errorf("booking C error = %v, want ErrFlaggedEvent", bookings[2].Err)
	}
	if !bookings[3].OK() {
		t.Error("failures should not stop the batch")
	}

	if len(fake.calendarIDs) != 3 {
		t.Errorf("expected 3 insert calls (flagged skipped), got %d", len(fake.calendarIDs))
	}
	for _, id := range fake.calendarIDs {
		if id != "primary" {
			t.Errorf("calendar id = %q, want primary", id)
		}
	}
}

func TestBooking_MarshalJSON(t *testing.T) {
	start := time.Date(2026, 3, 5, 17, 0, 0, 0, time.UTC)
	bookings := []Booking{
		{Event: models.Event{Name: "Hackathon", Start: start}, Link: "https://calendar.example/1"},
		{Event: models.Event{Name: "Jazz Night", Start: start}, Err: errors.New("quota exceeded")},
	}

	b, err := json.Marshal(bookings)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded []map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded[0]["link"] != "https://calendar.example/1" || decoded[0]["error"] != nil {
		t.Errorf("booked entry = %v", decoded[0])
	}
	if decoded[1]["error"] != "quota exceeded" {
		t.Errorf("failed entry = %v, want the failure reason", decoded[1])
	}
	if ev, _ := decoded[1]["event"].(map[string]any); ev["name"] != "Jazz Night" {
		t.Errorf("event = %v", decoded[1]["event"])
	}
}

func TestServiceInserter(t *testing.T) {
	var gotPath, gotSendUpdates string
	var got calendar.Event
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSendUpdates = r.URL.Query().Get("sendUpdates")
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": "evt1", "htmlLink": "https://calendar.example/evt1"})
	}))
	defer server.Close()

	srv, err := calendar.NewService(t.Context(),
		option.WithEndpoint(server.URL+"/"),
		option.WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	w := NewWriter(ServiceInserter{Service: srv}, Config{CalendarID: "team@example.edu"})
	bookings := w.Book(t.Context(), "me@example.edu", []models.Event{
		{Name: "Seminar", Start: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)},
	})

	if !bookings[0].OK() {
		t.Fatalf("Book() error = %v", bookings[0].Err)
	}
	if bookings[0].Link != "https://calendar.example/evt1" {
		t.Errorf("Link = %q", bookings[0].Link)
	}
	if gotPath != "/calendars/team@example.edu/events" {
		t.Errorf("path = %q", gotPath)
	}
	if gotSendUpdates != "all" {
		t.Errorf("sendUpdates = %q, want all", gotSendUpdates)
	}
	if got.Summary != "Seminar" || got.Start == nil || got.Start.Date != "2026-04-01" {
		t.Errorf("request body = %+v", got)
	}
}
