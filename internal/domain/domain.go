package domain

import (
	"fmt"
	"time"
)

type ActionType string

const (
	ActionReminder   ActionType = "reminder"
	ActionSuggestion ActionType = "suggestion"
	ActionInsight    ActionType = "insight"
	ActionAlert      ActionType = "alert"
	ActionQuestion   ActionType = "question"
	ActionAutomation ActionType = "automation"
)

// ActionTypes lists every candidate type in a stable order.
var ActionTypes = []ActionType{ActionReminder, ActionSuggestion, ActionInsight, ActionAlert, ActionQuestion, ActionAutomation}

func (t ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	return p.Weight() > 0
}

// Weight maps urgent=4, high=3, medium=2, low=1 and unknown values to 0.
func (p Priority) Weight() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Downgrade lowers the priority one step. Urgent and low are unchanged.
func (p Priority) Downgrade() Priority {
	switch p {
	case PriorityHigh:
		return PriorityMedium
	case PriorityMedium:
		return PriorityLow
	}
	return p
}

type ActionStatus string

const (
	StatusPendingApproval ActionStatus = "pending_approval"
	StatusQueued          ActionStatus = "queued"
	StatusApproved        ActionStatus = "approved"
	StatusRejected        ActionStatus = "rejected"
	StatusExecuted        ActionStatus = "executed"
)

type FeedbackType string

const (
	FeedbackPositive FeedbackType = "positive"
	FeedbackNegative FeedbackType = "negative"
	FeedbackNeutral  FeedbackType = "neutral"
	FeedbackApproved FeedbackType = "approved"
	FeedbackRejected FeedbackType = "rejected"
)

func (f FeedbackType) Valid() bool {
	switch f {
	case FeedbackPositive, FeedbackNegative, FeedbackNeutral, FeedbackApproved, FeedbackRejected:
		return true
	}
	return false
}

// CountsAsPositive reports whether the reaction counts toward historical effectiveness.
func (f FeedbackType) CountsAsPositive() bool {
	return f == FeedbackPositive || f == FeedbackApproved
}

// Timing is a re-timing hint returned by the admission filter.
type Timing string

const (
	TimingNone         Timing = ""
	TimingNextHour     Timing = "next_hour"
	TimingMorning      Timing = "morning"
	TimingTomorrow     Timing = "tomorrow"
	TimingAfterMeeting Timing = "after_meeting"
	TimingWhenStopped  Timing = "when_stopped"
)

// ValidUntil returns the deadline after which an action deferred with this hint is stale.
func (t Timing) ValidUntil(now time.Time) time.Time {
	switch t {
	case TimingNextHour:
		return now.Add(time.Hour)
	case TimingMorning:
		y, m, d := now.AddDate(0, 0, 1).Date()
		return time.Date(y, m, d, 8, 0, 0, 0, now.Location())
	case TimingTomorrow:
		return now.AddDate(0, 0, 1)
	case TimingAfterMeeting:
		return now.Add(2 * time.Hour)
	case TimingWhenStopped:
		return now.Add(30 * time.Minute)
	}
	return now.Add(4 * time.Hour)
}

// ActionCandidate is an unvetted proposal from the generator.
type ActionCandidate struct {
	Type             ActionType `json:"type" enum:"reminder,suggestion,insight,alert,question,automation"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Confidence       float64    `json:"confidence" minimum:"0" maximum:"1"`
	Priority         Priority   `json:"priority" enum:"low,medium,high,urgent"`
	Reasoning        string     `json:"reasoning,omitempty"`
	SuggestedAction  string     `json:"suggested_action,omitempty"`
	RequiresApproval bool       `json:"requires_approval"`
	DataSourcesUsed  []string   `json:"data_sources_used,omitempty"`
}

// Validate checks the fields the pipeline depends on.
func (c ActionCandidate) Validate() error {
	if !c.Type.Valid() {
		return fmt.Errorf("unknown action type %q", c.Type)
	}
	if !c.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", c.Priority)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range [0,1]", c.Confidence)
	}
	if c.Title == "" {
		return fmt.Errorf("title is required")
	}
	return nil
}

// SortScore is priorityWeight + confidence.
func (c ActionCandidate) SortScore() float64 {
	return float64(c.Priority.Weight()) + c.Confidence
}

// ActionRecord is the durable trace of a candidate once it enters the pipeline.
type ActionRecord struct {
	ID string `json:"id"`
	ActionCandidate
	Status     ActionStatus `json:"status" enum:"pending_approval,queued,approved,rejected,executed"`
	Timing     Timing       `json:"timing,omitempty"`
	ValidUntil *time.Time   `json:"valid_until,omitempty"`
	ExecutedAt *time.Time   `json:"executed_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Expired reports whether a queued or pending record has passed its validUntil.
func (r ActionRecord) Expired(now time.Time) bool {
	if r.Status != StatusQueued && r.Status != StatusPendingApproval {
		return false
	}
	return r.ValidUntil != nil && now.After(*r.ValidUntil)
}

type FeedbackRecord struct {
	ID           string       `json:"id"`
	ActionID     string       `json:"action_id"`
	ActionType   ActionType   `json:"action_type"`
	FeedbackType FeedbackType `json:"feedback_type" enum:"positive,negative,neutral,approved,rejected"`
	Comments     string       `json:"comments,omitempty"`
	ProvidedAt   time.Time    `json:"provided_at"`
}

// FeedbackStats aggregates feedback for one action type.
type FeedbackStats struct {
	Positive int `json:"positive"`
	Total    int `json:"total"`
}

func (s FeedbackStats) Ratio() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Positive) / float64(s.Total)
}

type PreferenceStrength string

const (
	PreferenceStrongLike    PreferenceStrength = "strong_like"
	PreferenceLike          PreferenceStrength = "like"
	PreferenceDislike       PreferenceStrength = "dislike"
	PreferenceStrongDislike PreferenceStrength = "strong_dislike"
)

type Preference struct {
	ID        string             `json:"id"`
	Text      string             `json:"text"`
	Strength  PreferenceStrength `json:"strength" enum:"strong_like,like,dislike,strong_dislike"`
	CreatedAt time.Time          `json:"created_at"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
