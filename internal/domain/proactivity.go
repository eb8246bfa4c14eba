package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// ProactivityConfig holds the admission policy. It is threaded explicitly through every
// filter call and replaced wholesale on update.
type ProactivityConfig struct {
	MinConfidence        float64 `json:"min_confidence" yaml:"min_confidence"`
	MaxActionsPerHour    int     `json:"max_actions_per_hour" yaml:"max_actions_per_hour"`
	MaxActionsPerDay     int     `json:"max_actions_per_day" yaml:"max_actions_per_day"`
	QuietHoursStart      string  `json:"quiet_hours_start" yaml:"quiet_hours_start"`
	QuietHoursEnd        string  `json:"quiet_hours_end" yaml:"quiet_hours_end"`
	AutoExecuteThreshold float64 `json:"auto_execute_threshold" yaml:"auto_execute_threshold"`
	DuplicateSimilarity  float64 `json:"duplicate_similarity" yaml:"duplicate_similarity"`
	MinEffectiveness     float64 `json:"min_effectiveness" yaml:"min_effectiveness"`
	MinFeedbackSamples   int     `json:"min_feedback_samples" yaml:"min_feedback_samples"`
}

// DefaultProactivityConfig is the conservative cold-start policy used when nothing is stored.
var DefaultProactivityConfig = ProactivityConfig{
	MinConfidence:        0.7,
	MaxActionsPerHour:    3,
	MaxActionsPerDay:     15,
	QuietHoursStart:      "22:00",
	QuietHoursEnd:        "07:00",
	AutoExecuteThreshold: 0.9,
	DuplicateSimilarity:  0.6,
	MinEffectiveness:     0.3,
	MinFeedbackSamples:   5,
}

func (c ProactivityConfig) Validate() error {
	for name, v := range map[string]float64{
		"min_confidence":         c.MinConfidence,
		"auto_execute_threshold": c.AutoExecuteThreshold,
		"duplicate_similarity":   c.DuplicateSimilarity,
		"min_effectiveness":      c.MinEffectiveness,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, v)
		}
	}
	if c.MaxActionsPerHour < 0 || c.MaxActionsPerDay < 0 {
		return fmt.Errorf("action caps must be >= 0")
	}
	if c.MinFeedbackSamples < 0 {
		return fmt.Errorf("min_feedback_samples must be >= 0")
	}
	if _, err := ParseClock(c.QuietHoursStart); err != nil {
		return fmt.Errorf("quiet_hours_start: %w", err)
	}
	if _, err := ParseClock(c.QuietHoursEnd); err != nil {
		return fmt.Errorf("quiet_hours_end: %w", err)
	}
	return nil
}

// ProactivityPatch carries caller-supplied fields; nil fields keep the current value.
type ProactivityPatch struct {
	MinConfidence        *float64 `json:"min_confidence,omitempty"`
	MaxActionsPerHour    *int     `json:"max_actions_per_hour,omitempty"`
	MaxActionsPerDay     *int     `json:"max_actions_per_day,omitempty"`
	QuietHoursStart      *string  `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd        *string  `json:"quiet_hours_end,omitempty"`
	AutoExecuteThreshold *float64 `json:"auto_execute_threshold,omitempty"`
	DuplicateSimilarity  *float64 `json:"duplicate_similarity,omitempty"`
	MinEffectiveness     *float64 `json:"min_effectiveness,omitempty"`
	MinFeedbackSamples   *int     `json:"min_feedback_samples,omitempty"`
}

// Apply returns a new config with the patch fields taken over cur.
func (p ProactivityPatch) Apply(cur ProactivityConfig) ProactivityConfig {
	next := cur
	if p.MinConfidence != nil {
		next.MinConfidence = *p.MinConfidence
	}
	if p.MaxActionsPerHour != nil {
		next.MaxActionsPerHour = *p.MaxActionsPerHour
	}
	if p.MaxActionsPerDay != nil {
		next.MaxActionsPerDay = *p.MaxActionsPerDay
	}
	if p.QuietHoursStart != nil {
		next.QuietHoursStart = *p.QuietHoursStart
	}
	if p.QuietHoursEnd != nil {
		next.QuietHoursEnd = *p.QuietHoursEnd
	}
	if p.AutoExecuteThreshold != nil {
		next.AutoExecuteThreshold = *p.AutoExecuteThreshold
	}
	if p.DuplicateSimilarity != nil {
		next.DuplicateSimilarity = *p.DuplicateSimilarity
	}
	if p.MinEffectiveness != nil {
		next.MinEffectiveness = *p.MinEffectiveness
	}
	if p.MinFeedbackSamples != nil {
		next.MinFeedbackSamples = *p.MinFeedbackSamples
	}
	return next
}

// ParseClock parses a wall-clock "HH:MM" string into minutes after midnight.
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid wall-clock time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}
