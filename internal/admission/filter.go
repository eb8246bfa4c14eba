// Package admission decides whether a candidate action should be acted on now.
package admission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"steward/internal/domain"
	"steward/internal/metrics"
)

// Gate names the check that produced a decision.
type Gate string

const (
	GateNone          Gate = ""
	GateConfidence    Gate = "confidence"
	GateFrequency     Gate = "frequency"
	GateQuietHours    Gate = "quiet_hours"
	GateDuplicate     Gate = "duplicate"
	GatePreference    Gate = "preference"
	GateSituational   Gate = "situational"
	GateEffectiveness Gate = "effectiveness"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	ShouldAct        bool            `json:"should_act"`
	Reason           string          `json:"reason"`
	Gate             Gate            `json:"gate,omitempty"`
	AdjustedPriority domain.Priority `json:"adjusted_priority,omitempty"`
	SuggestedTiming  domain.Timing   `json:"suggested_timing,omitempty"`
}

func reject(g Gate, timing domain.Timing, format string, args ...any) Decision {
	return Decision{Gate: g, SuggestedTiming: timing, Reason: fmt.Sprintf(format, args...)}
}

// HistoryStore is the read side of the action and feedback logs.
type HistoryStore interface {
	CountExecutedSince(ctx context.Context, since time.Time) (int, error)
	ExecutedByTypeSince(ctx context.Context, t domain.ActionType, since time.Time) ([]domain.ActionRecord, error)
	FeedbackStats(ctx context.Context, t domain.ActionType) (domain.FeedbackStats, error)
	ListPreferences(ctx context.Context) ([]domain.Preference, error)
}

type Filter struct {
	history HistoryStore
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *metrics.Collector
}

type Options struct {
	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics *metrics.Collector
}

func New(history HistoryStore, opts Options) *Filter {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Filter{
		history: history,
		clock:   opts.Clock,
		logger:  opts.Logger.With(zap.String("component", "admission")),
		metrics: opts.Metrics,
	}
}

// Evaluate runs the gates in order and stops at the first rejection. The error is
// non-nil only when history could not be read.
func (f *Filter) Evaluate(ctx context.Context, cfg domain.ProactivityConfig, c domain.ActionCandidate, sit domain.Situation) (Decision, error) {
	now := sit.Now
	if now.IsZero() {
		now = f.clock.Now()
	}
	d, err := f.evaluate(ctx, cfg, c, sit, now)
	if err != nil {
		return Decision{}, err
	}
	if !d.ShouldAct {
		f.metrics.RecordRejection(string(d.Gate), string(c.Type))
	}
	f.logger.Debug("candidate evaluated",
		zap.String("type", string(c.Type)),
		zap.String("title", c.Title),
		zap.Bool("should_act", d.ShouldAct),
		zap.String("gate", string(d.Gate)),
		zap.String("reason", d.Reason))
	return d, nil
}

func (f *Filter) evaluate(ctx context.Context, cfg domain.ProactivityConfig, c domain.ActionCandidate, sit domain.Situation, now time.Time) (Decision, error) {
	if c.Confidence < cfg.MinConfidence {
		return reject(GateConfidence, domain.TimingNone, "confidence %.2f is below the minimum %.2f", c.Confidence, cfg.MinConfidence), nil
	}

	if d, err := f.checkFrequency(ctx, cfg, now); err != nil || !d.ShouldAct {
		return d, err
	}

	quiet, err := InQuietHours(now, cfg.QuietHoursStart, cfg.QuietHoursEnd)
	if err != nil {
		return Decision{}, fmt.Errorf("quiet hours: %w", err)
	}
	if quiet && c.Priority != domain.PriorityUrgent {
		return reject(GateQuietHours, domain.TimingMorning, "quiet hours %s-%s; only urgent actions pass", cfg.QuietHoursStart, cfg.QuietHoursEnd), nil
	}

	recent, err := f.history.ExecutedByTypeSince(ctx, c.Type, now.Add(-time.Hour))
	if err != nil {
		return Decision{}, fmt.Errorf("recent %s actions: %w", c.Type, err)
	}
	for _, r := range recent {
		if Similar(c.Title, r.Title, cfg.DuplicateSimilarity) {
			return reject(GateDuplicate, domain.TimingNone, "similar %s %q executed within the last hour", c.Type, r.Title), nil
		}
	}

	prefs, err := f.history.ListPreferences(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("preferences: %w", err)
	}
	for _, p := range prefs {
		if p.Strength == domain.PreferenceStrongDislike && strings.Contains(strings.ToLower(p.Text), string(c.Type)) {
			return reject(GatePreference, domain.TimingNone, "user strongly dislikes %s actions: %q", c.Type, p.Text), nil
		}
	}

	soften := false
	if e, ok := InMeeting(sit.Calendar, now); ok && c.Priority != domain.PriorityUrgent {
		return reject(GateSituational, domain.TimingAfterMeeting, "user is in %q", e.Title), nil
	}
	if speed, ok := AverageSpeed(sit.Locations, now); ok && speed > drivingSpeed && c.Type != domain.ActionAlert {
		return reject(GateSituational, domain.TimingWhenStopped, "user appears to be driving (%.1f m/s)", speed), nil
	}
	if OutsideReasonableHours(now) {
		if c.Priority == domain.PriorityLow {
			return reject(GateSituational, domain.TimingMorning, "low priority action outside reasonable hours"), nil
		}
		soften = c.Priority != domain.PriorityUrgent
	}

	stats, err := f.history.FeedbackStats(ctx, c.Type)
	if err != nil {
		return Decision{}, fmt.Errorf("feedback stats for %s: %w", c.Type, err)
	}
	if stats.Total > cfg.MinFeedbackSamples && stats.Ratio() < cfg.MinEffectiveness {
		return reject(GateEffectiveness, domain.TimingNone, "%s actions were well received %d of %d times", c.Type, stats.Positive, stats.Total), nil
	}

	d := Decision{ShouldAct: true, Reason: "all checks passed", AdjustedPriority: c.Priority}
	if soften {
		d.AdjustedPriority = c.Priority.Downgrade()
		d.Reason = "admitted; priority softened outside reasonable hours"
	}
	return d, nil
}

func (f *Filter) checkFrequency(ctx context.Context, cfg domain.ProactivityConfig, now time.Time) (Decision, error) {
	hourly, err := f.history.CountExecutedSince(ctx, now.Add(-time.Hour))
	if err != nil {
		return Decision{}, fmt.Errorf("count executed in last hour: %w", err)
	}
	if hourly >= cfg.MaxActionsPerHour {
		return reject(GateFrequency, domain.TimingNextHour, "hourly cap reached (%d/%d)", hourly, cfg.MaxActionsPerHour), nil
	}
	daily, err := f.history.CountExecutedSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return Decision{}, fmt.Errorf("count executed in last day: %w", err)
	}
	if daily >= cfg.MaxActionsPerDay {
		return reject(GateFrequency, domain.TimingTomorrow, "daily cap reached (%d/%d)", daily, cfg.MaxActionsPerDay), nil
	}
	return Decision{ShouldAct: true}, nil
}
