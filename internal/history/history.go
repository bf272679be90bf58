// Package history reads the names of past events from an exported calendar
// file. The names are what the ranker classifies to learn the user's interests.
package history

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"
)

// Mode controls how recurring events contribute to the name list.
type Mode string

const (
	// ModeOnce adds each matching event once, recurring or not.
	ModeOnce Mode = "once"
	// ModeDuplicate adds a fixed number of copies of each recurring event.
	ModeDuplicate Mode = "duplicate"
	// ModeExpand adds one copy per occurrence of the recurrence rule.
	ModeExpand Mode = "expand"
)

const defaultMaxOccurrences = 500

var errMissingStart = errors.New("missing DTSTART")

// ParseMode validates a recurrence mode name. Empty means ModeOnce.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeOnce:
		return ModeOnce, nil
	case ModeDuplicate, ModeExpand:
		return m, nil
	default:
		return "", fmt.Errorf("unknown recurrence mode %q (want once, duplicate or expand)", s)
	}
}

// Options tune recurrence handling.
type Options struct {
	Recurrence     Mode
	Copies         int       // copies per recurring event in ModeDuplicate; values below 1 mean 1
	Until          time.Time // upper bound for ModeExpand; zero means now
	MaxOccurrences int       // per-event cap in ModeExpand
}

// Date is a calendar day used as the history cutoff.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// ParseDate parses a YYYY-MM-DD value.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// Time returns midnight UTC at the start of the day.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) String() string {
	return d.Time().Format(time.DateOnly)
}

// ReadNames opens an ICS file and returns the names of events starting
// strictly after the cutoff.
func ReadNames(path string, after Date, opts Options) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open calendar %s: %w", path, err)
	}
	defer f.Close()

	names, err := ParseNames(f, after, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to read calendar %s: %w", path, err)
	}
	return names, nil
}

// ParseNames parses an ICS stream and returns the SUMMARY of every VEVENT
// whose start is strictly after the cutoff. Date-only starts count as
// midnight UTC. Events missing DTSTART or SUMMARY are skipped.
func ParseNames(r io.Reader, after Date, opts Options) ([]string, error) {
	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse calendar: %w", err)
	}

	if opts.Recurrence == "" {
		opts.Recurrence = ModeOnce
	}
	if opts.Copies < 1 {
		opts.Copies = 1
	}
	if opts.MaxOccurrences <= 0 {
		opts.MaxOccurrences = defaultMaxOccurrences
	}
	if opts.Until.IsZero() {
		opts.Until = time.Now()
	}

	cutoff := after.Time()
	var names []string
	skipped := 0

	for _, ve := range cal.Events() {
		summary := ve.GetProperty(ical.ComponentPropertySummary)
		if summary == nil || strings.TrimSpace(summary.Value) == "" {
			skipped++
			continue
		}
		name := summary.Value

		start, err := startOf(ve)
		if err != nil {
			slog.Debug("skipping event", "name", name, "error", err)
			skipped++
			continue
		}

		rule := ve.GetProperty(ical.ComponentPropertyRrule)
		recurring := rule != nil && strings.TrimSpace(rule.Value) != ""

		if recurring && opts.Recurrence == ModeExpand {
			n, err := countOccurrences(ve, rule.Value, start, cutoff, opts)
			if err != nil {
				slog.Warn("failed to expand recurrence, counting once", "name", name, "rrule", rule.Value, "error", err)
				n = 0
				if start.After(cutoff) {
					n = 1
				}
			}
			for range n {
				names = append(names, name)
			}
			continue
		}

		if !start.After(cutoff) {
			continue
		}

		copies := 1
		if recurring && opts.Recurrence == ModeDuplicate {
			copies = opts.Copies
		}
		for range copies {
			names = append(names, name)
		}
	}

	slog.Debug("calendar parsed", "events", len(cal.Events()), "names", len(names), "skipped", skipped, "after", after.String())
	return names, nil
}

// startOf returns the DTSTART instant. Date-only values are midnight UTC.
func startOf(ve *ical.VEvent) (time.Time, error) {
	prop := ve.GetProperty(ical.ComponentPropertyDtStart)
	if prop == nil || strings.TrimSpace(prop.Value) == "" {
		return time.Time{}, errMissingStart
	}
	if isDateOnly(prop) {
		return time.Parse("20060102", strings.TrimSpace(prop.Value))
	}
	return ve.GetStartAt()
}

func isDateOnly(prop *ical.IANAProperty) bool {
	if vs, ok := prop.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(prop.Value, "T")
}

// countOccurrences counts rule occurrences in (cutoff, Until], capped at
// MaxOccurrences. A recurring event whose first start is inside the window
// always counts at least once.
func countOccurrences(ve *ical.VEvent, value string, start, cutoff time.Time, opts Options) (int, error) {
	r, err := rrule.StrToRRule(value)
	if err != nil {
		return 0, err
	}
	r.DTStart(start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range exDates(ve, start.Location()) {
		set.ExDate(ex)
	}

	loc := start.Location()
	n := 0
	for _, occ := range set.Between(cutoff.In(loc), opts.Until.In(loc), true) {
		if !occ.After(cutoff) {
			continue
		}
		n++
		if n == opts.MaxOccurrences {
			slog.Debug("recurrence capped", "rrule", value, "cap", opts.MaxOccurrences)
			break
		}
	}

	if n == 0 && start.After(cutoff) {
		n = 1
	}
	return n, nil
}

func exDates(ve *ical.VEvent, loc *time.Location) []time.Time {
	var out []time.Time
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(strings.TrimSpace(part), loc); err == nil {
				out = append(out, t)
			}
		}
	}
	return out
}

func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
