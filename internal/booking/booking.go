package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mfenderov/campuscal/internal/metrics"
	"github.com/mfenderov/campuscal/pkg/models"
	"google.golang.org/api/calendar/v3"
)

var (
	// ErrFlaggedEvent is returned for events marked as not bookable.
	// Reaching it means a caller skipped the flag check.
	ErrFlaggedEvent = errors.New("event is flagged and must not be booked")

	// ErrMissingStart is returned for events without a start time.
	ErrMissingStart = errors.New("event has no start time")
)

// Reminder lead times.
const (
	EmailReminderMinutes = 24 * 60
	PopupReminderMinutes = 10
)

// Options control how events are converted.
type Options struct {
	TimeZone string // IANA zone for timed events
}

// BuildEvent converts an event into a Calendar API event inviting invitee.
// Events without an end become all-day events whose start and end dates are
// the start's date.
func BuildEvent(invitee string, ev models.Event, opts Options) (*calendar.Event, error) {
	if ev.Flagged {
		return nil, ErrFlaggedEvent
	}
	if !ev.HasStart() {
		return nil, ErrMissingStart
	}
	if opts.TimeZone == "" {
		opts.TimeZone = "America/New_York"
	}

	out := &calendar.Event{
		Summary:     ev.Name,
		Description: ev.Description,
		Attendees:   []*calendar.EventAttendee{{Email: invitee}},
		Reminders: &calendar.EventReminders{
			UseDefault: false,
			Overrides: []*calendar.EventReminder{
				{Method: "email", Minutes: EmailReminderMinutes},
				{Method: "popup", Minutes: PopupReminderMinutes},
			},
			ForceSendFields: []string{"UseDefault"},
		},
	}

	if ev.AllDay() {
		date := ev.Start.Format(time.DateOnly)
		out.Start = &calendar.EventDateTime{Date: date}
		out.End = &calendar.EventDateTime{Date: date}
	} else {
		out.Start = &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: opts.TimeZone}
		out.End = &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: opts.TimeZone}
	}

	if ev.Location != "" {
		out.Location = ev.Location
	}

	return out, nil
}

// Inserter creates events on a remote calendar.
type Inserter interface {
	Insert(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error)
}

// ServiceInserter inserts through the Calendar API and notifies attendees.
type ServiceInserter struct {
	Service *calendar.Service
}

// Insert implements Inserter.
func (s ServiceInserter) Insert(ctx context.Context, calendarID string, ev *calendar.Event) (*calendar.Event, error) {
	return s.Service.Events.Insert(calendarID, ev).SendUpdates("all").Context(ctx).Do()
}

// Booking is the outcome of booking one event.
type Booking struct {
	Event models.Event
	Link  string // link to the created calendar event
	Err   error
}

// OK reports whether the event was created.
func (b Booking) OK() bool {
	return b.Err == nil
}

// MarshalJSON encodes the failure as its message.
func (b Booking) MarshalJSON() ([]byte, error) {
	out := struct {
		Event models.Event `json:"event"`
		Link  string       `json:"link,omitempty"`
		Error string       `json:"error,omitempty"`
	}{Event: b.Event, Link: b.Link}
	if b.Err != nil {
		out.Error = b.Err.Error()
	}
	return json.Marshal(out)
}

// Config holds writer configuration.
type Config struct {
	CalendarID string
	TimeZone   string
	Metrics    *metrics.Metrics
}

// Writer books events onto a calendar.
type Writer struct {
	inserter   Inserter
	calendarID string
	opts       Options
	metrics    *metrics.Metrics
}

// NewWriter creates a Writer.
func NewWriter(inserter Inserter, config Config) *Writer {
	if config.CalendarID == "" {
		config.CalendarID = "primary"
	}
	return &Writer{
		inserter:   inserter,
		calendarID: config.CalendarID,
		opts:       Options{TimeZone: config.TimeZone},
		metrics:    config.Metrics,
	}
}

// Book inserts every event and reports each outcome. A failed event does not
// stop the rest of the batch.
func (w *Writer) Book(ctx context.Context, invitee string, events []models.Event) []Booking {
	bookings := make([]Booking, 0, len(events))
	for _, ev := range events {
		b := Booking{Event: ev}

		payload, err := BuildEvent(invitee, ev, w.opts)
		if err != nil {
			if errors.Is(err, ErrFlaggedEvent) {
				slog.Error("refusing to book flagged event", "name", ev.Name)
			}
			b.Err = err
			bookings = append(bookings, b)
			continue
		}

		if err := ctx.Err(); err != nil {
			b.Err = err
			bookings = append(bookings, b)
			continue
		}

		created, err := w.inserter.Insert(ctx, w.calendarID, payload)
		w.metrics.CalendarInsert(err == nil)
		if err != nil {
			slog.Warn("failed to create calendar event", "name", ev.Name, "error", err)
			b.Err = fmt.Errorf("failed to create calendar event: %w", err)
		} else {
			b.Link = created.HtmlLink
			slog.Info("booked event", "name", ev.Name, "link", b.Link)
		}
		bookings = append(bookings, b)
	}
	return bookings
}
