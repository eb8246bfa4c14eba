// Package situation assembles the read-only context snapshot for a cycle.
package situation

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"steward/internal/domain"
)

const (
	calendarHorizon = 12 * time.Hour
	locationWindow  = 15 * time.Minute
)

// Source is the stored context the provider reads.
type Source interface {
	CalendarEventsBetween(ctx context.Context, from, to time.Time) ([]domain.CalendarEvent, error)
	LocationSamplesSince(ctx context.Context, since time.Time) ([]domain.LocationSample, error)
}

// Provider snapshots calendar events from now to twelve hours ahead and the last
// fifteen minutes of location samples.
type Provider struct {
	Source Source
	Clock  clockwork.Clock
	// Tasks, when set, supplies open task titles for the generator.
	Tasks func(ctx context.Context) ([]string, error)
}

func (p Provider) Snapshot(ctx context.Context) (domain.Situation, error) {
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	now := clock.Now()
	sit := domain.Situation{Now: now}
	var err error
	if sit.Calendar, err = p.Source.CalendarEventsBetween(ctx, now, now.Add(calendarHorizon)); err != nil {
		return sit, fmt.Errorf("calendar: %w", err)
	}
	if sit.Locations, err = p.Source.LocationSamplesSince(ctx, now.Add(-locationWindow)); err != nil {
		return sit, fmt.Errorf("locations: %w", err)
	}
	if p.Tasks != nil {
		if sit.Tasks, err = p.Tasks(ctx); err != nil {
			return sit, fmt.Errorf("tasks: %w", err)
		}
	}
	return sit, nil
}
