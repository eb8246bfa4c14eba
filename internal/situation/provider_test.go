package situation

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/migrate"
	"steward/internal/repo"
)

func TestSnapshotReadsStoredContext(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	ctx := context.Background()
	r := repo.Repo{DB: conn}
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

	require.NoError(t, r.UpsertCalendarEvent(ctx, domain.CalendarEvent{ID: "past", Title: "Breakfast", StartsAt: now.Add(-4 * time.Hour), EndsAt: now.Add(-3 * time.Hour)}))
	require.NoError(t, r.UpsertCalendarEvent(ctx, domain.CalendarEvent{ID: "now", Title: "Standup", StartsAt: now.Add(-5 * time.Minute), EndsAt: now.Add(10 * time.Minute)}))
	require.NoError(t, r.UpsertCalendarEvent(ctx, domain.CalendarEvent{ID: "later", Title: "Dinner", StartsAt: now.Add(7 * time.Hour), EndsAt: now.Add(8 * time.Hour)}))
	speed := 3.0
	require.NoError(t, r.InsertLocationSample(ctx, domain.LocationSample{Latitude: 1, Longitude: 2, RecordedAt: now.Add(-time.Hour)}))
	require.NoError(t, r.InsertLocationSample(ctx, domain.LocationSample{Latitude: 1, Longitude: 2, Speed: &speed, RecordedAt: now.Add(-2 * time.Minute)}))

	p := Provider{
		Source: r,
		Clock:  clockwork.NewFakeClockAt(now),
		Tasks:  func(context.Context) ([]string, error) { return []string{"renew passport"}, nil },
	}
	sit, err := p.Snapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, now, sit.Now)
	require.Len(t, sit.Calendar, 2)
	assert.Equal(t, "now", sit.Calendar[0].ID)
	assert.Equal(t, "later", sit.Calendar[1].ID)
	require.Len(t, sit.Locations, 1)
	require.NotNil(t, sit.Locations[0].Speed)
	assert.Equal(t, 3.0, *sit.Locations[0].Speed)
	assert.Equal(t, []string{"renew passport"}, sit.Tasks)
}

func TestCalendarEventMustEndAfterStart(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	now := time.Now()
	err = repo.Repo{DB: conn}.UpsertCalendarEvent(context.Background(), domain.CalendarEvent{ID: "x", StartsAt: now, EndsAt: now})
	assert.Error(t, err)
}
