package domain

import "time"

type CalendarEvent struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

// Overlaps reports whether the event intersects [from, to).
func (e CalendarEvent) Overlaps(from, to time.Time) bool {
	return e.StartsAt.Before(to) && e.EndsAt.After(from)
}

// LocationSample is one position fix. Speed is in m/s when the device reports it.
type LocationSample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      *float64  `json:"speed,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Situation is the read-only context snapshot consumed by the filter and the generator.
type Situation struct {
	Now       time.Time        `json:"now"`
	Calendar  []CalendarEvent  `json:"calendar,omitempty"`
	Locations []LocationSample `json:"locations,omitempty"`
	Tasks     []string         `json:"tasks,omitempty"`
}
