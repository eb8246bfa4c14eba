package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"steward/internal/domain"
)

func (r Repo) UpsertCalendarEvent(ctx context.Context, e domain.CalendarEvent) error {
	if !e.EndsAt.After(e.StartsAt) {
		return fmt.Errorf("calendar event %s ends before it starts", e.ID)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO calendar_events(id,title,starts_at,ends_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, starts_at=excluded.starts_at, ends_at=excluded.ends_at`,
		e.ID, e.Title, formatTS(e.StartsAt), formatTS(e.EndsAt))
	return err
}

// CalendarEventsBetween lists events overlapping [from, to).
func (r Repo) CalendarEventsBetween(ctx context.Context, from, to time.Time) ([]domain.CalendarEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,title,starts_at,ends_at FROM calendar_events WHERE starts_at<? AND ends_at>? ORDER BY starts_at ASC`,
		formatTS(to), formatTS(from))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CalendarEvent
	for rows.Next() {
		var e domain.CalendarEvent
		var starts, ends string
		if err := rows.Scan(&e.ID, &e.Title, &starts, &ends); err != nil {
			return nil, err
		}
		if e.StartsAt, err = parseTS(starts); err != nil {
			return nil, err
		}
		if e.EndsAt, err = parseTS(ends); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertLocationSample(ctx context.Context, s domain.LocationSample) error {
	var speed any
	if s.Speed != nil {
		speed = *s.Speed
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO location_samples(latitude,longitude,speed,recorded_at) VALUES (?,?,?,?)`,
		s.Latitude, s.Longitude, speed, formatTS(s.RecordedAt))
	return err
}

// LocationSamplesSince lists samples recorded at or after since, oldest first.
func (r Repo) LocationSamplesSince(ctx context.Context, since time.Time) ([]domain.LocationSample, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT latitude,longitude,speed,recorded_at FROM location_samples WHERE recorded_at>=? ORDER BY recorded_at ASC, id ASC`,
		formatTS(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LocationSample
	for rows.Next() {
		var s domain.LocationSample
		var speed sql.NullFloat64
		var recorded string
		if err := rows.Scan(&s.Latitude, &s.Longitude, &speed, &recorded); err != nil {
			return nil, err
		}
		if speed.Valid {
			v := speed.Float64
			s.Speed = &v
		}
		if s.RecordedAt, err = parseTS(recorded); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
