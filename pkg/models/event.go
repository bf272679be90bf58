package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Event represents one event scraped from the public events calendar.
type Event struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"` // empty means no location
	Start       time.Time `json:"start,omitzero"`     // zero means no start time
	End         time.Time `json:"end,omitzero"`       // zero means all-day
	Flagged     bool      `json:"flagged,omitempty"`
	SourceURL   string    `json:"source_url,omitempty"`
}

// HasStart reports whether the event carries a start time.
func (e Event) HasStart() bool {
	return !e.Start.IsZero()
}

// AllDay reports whether the event should be booked as an all-day event.
func (e Event) AllDay() bool {
	return e.End.IsZero()
}

// TaggedEvent pairs an event name with one classifier-assigned tag.
type TaggedEvent struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

// GenerateEventID creates a deterministic ID from the event name and start.
// The ID is the first 16 hex chars of a SHA-256 hash.
func GenerateEventID(name string, start time.Time) string {
	key := name
	if !start.IsZero() {
		key += "|" + start.UTC().Format(time.RFC3339)
	}
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])[:16]
}
