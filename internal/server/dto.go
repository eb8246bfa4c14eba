package server

import (
	"encoding/json"
	"time"

	"steward/internal/domain"
)

// Request payloads

type FeedbackRequest struct {
	FeedbackType string `json:"feedback_type" enum:"positive,negative,neutral,approved,rejected"`
	Comments     string `json:"comments,omitempty"`
}

type UsageRequest struct {
	Service string `json:"service"`
	Units   int64  `json:"units" minimum:"0"`
}

type UsageCheckRequest struct {
	Service   string `json:"service"`
	Units     int64  `json:"units" minimum:"0"`
	Essential bool   `json:"essential,omitempty"`
}

type CalendarEventRequest struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

type LocationSampleRequest struct {
	Latitude   float64    `json:"latitude" minimum:"-90" maximum:"90"`
	Longitude  float64    `json:"longitude" minimum:"-180" maximum:"180"`
	Speed      *float64   `json:"speed,omitempty" minimum:"0"`
	RecordedAt *time.Time `json:"recorded_at,omitempty"`
}

type PreferenceRequest struct {
	Text     string `json:"text"`
	Strength string `json:"strength" enum:"strong_like,like,dislike,strong_dislike"`
}

// Responses

type ActionResponse struct {
	domain.ActionRecord
	Expired  bool                    `json:"expired"`
	Feedback []domain.FeedbackRecord `json:"feedback,omitempty"`
}

type UsageResponse struct {
	Service         string  `json:"service"`
	Units           int64   `json:"units"`
	Cost            float64 `json:"cost"`
	WasFree         bool    `json:"was_free"`
	FromDailyFree   int64   `json:"from_daily_free"`
	FromMonthlyFree int64   `json:"from_monthly_free"`
	Billed          int64   `json:"billed"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedActions struct {
	Items      []ActionResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func actionResponse(a domain.ActionRecord, now time.Time) ActionResponse {
	if a.DataSourcesUsed == nil {
		a.DataSourcesUsed = []string{}
	}
	return ActionResponse{ActionRecord: a, Expired: a.Expired(now)}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
