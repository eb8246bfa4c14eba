package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"steward/internal/admission"
	"steward/internal/budget"
	"steward/internal/channel"
	"steward/internal/config"
	"steward/internal/domain"
	"steward/internal/events"
	"steward/internal/generator"
	"steward/internal/ledger"
	"steward/internal/metrics"
	"steward/internal/repo"
	"steward/internal/situation"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrActionExpired     = errors.New("action expired")
	ErrInvalidFeedback   = errors.New("invalid feedback type")
	ErrInvalidConfig     = errors.New("invalid proactivity config")
)

// SystemActor is recorded on events the scheduler emits on its own.
const SystemActor = "scheduler"

// ContextProvider returns the situation snapshot a cycle evaluates against.
type ContextProvider interface {
	Snapshot(ctx context.Context) (domain.Situation, error)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Clock     clockwork.Clock
	Filter    *admission.Filter
	Ledger    *ledger.Ledger
	Governor  *budget.Governor
	Channels  *channel.Registry
	Generator generator.Generator
	Context   ContextProvider
	Logger    *zap.Logger
	Metrics   *metrics.Collector

	inFlight *atomic.Bool
}

// Options overrides collaborators. Nil fields get defaults built from the database
// and config.
type Options struct {
	Clock     clockwork.Clock
	Logger    *zap.Logger
	Metrics   *metrics.Collector
	Ledger    *ledger.Ledger
	Governor  *budget.Governor
	Channels  *channel.Registry
	Generator generator.Generator
	Context   ContextProvider
}

func New(db *sql.DB, cfg *config.Config, opts Options) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := repo.Repo{DB: db}
	e := Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{DB: db, Clock: opts.Clock},
		Config:    cfg,
		Clock:     opts.Clock,
		Logger:    opts.Logger.With(zap.String("component", "engine")),
		Metrics:   opts.Metrics,
		Ledger:    opts.Ledger,
		Governor:  opts.Governor,
		Channels:  opts.Channels,
		Generator: opts.Generator,
		Context:   opts.Context,
		inFlight:  &atomic.Bool{},
	}
	e.Filter = admission.New(r, admission.Options{Clock: opts.Clock, Logger: opts.Logger, Metrics: opts.Metrics})
	if e.Ledger == nil {
		e.Ledger = ledger.New(ledger.SQLStore{Repo: r}, cfg.Pricing(), ledger.Options{Clock: opts.Clock, Logger: opts.Logger, Metrics: opts.Metrics})
	}
	if e.Governor == nil {
		e.Governor = budget.NewGovernor(e.Ledger, BudgetCaps(cfg), budget.Options{Clock: opts.Clock, Logger: opts.Logger, Metrics: opts.Metrics})
	}
	if e.Governor.OnModeChange == nil {
		e.Governor.OnModeChange = e.recordModeShift
	}
	if e.Channels == nil {
		e.Channels = channel.NewRegistry()
		logCh := channel.NewLog(opts.Logger)
		for _, t := range domain.ActionTypes {
			e.Channels.Register(string(t), logCh)
		}
		e.Channels.Register(channel.KindApprovalRequest, logCh)
	}
	if e.Generator == nil {
		e.Generator = generator.None{}
	}
	if e.Context == nil {
		e.Context = situation.Provider{Source: r, Clock: opts.Clock}
	}
	return e
}

// BudgetCaps extracts the per-service spend caps from config.
func BudgetCaps(cfg *config.Config) map[string]budget.Caps {
	caps := make(map[string]budget.Caps, len(cfg.Budget.Services))
	for name, svc := range cfg.Budget.Services {
		caps[name] = budget.Caps{Daily: svc.DailyBudget, Monthly: svc.MonthlyBudget}
	}
	return caps
}

func (e Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock.Now()
	}
	return time.Now()
}

func (e Engine) recordModeShift(service string, from, to budget.Mode) {
	err := e.Events.Append(context.Background(), nil, events.BudgetModeShift, "service", service, SystemActor,
		events.EventPayload{"from": string(from), "to": string(to)})
	if err != nil {
		e.Logger.Warn("record budget mode change", zap.String("service", service), zap.Error(err))
	}
}

// ProactivityConfig returns the stored policy. When nothing is stored, or the row cannot
// be read, it falls back to the configured cold-start policy.
func (e Engine) ProactivityConfig(ctx context.Context) domain.ProactivityConfig {
	fallback := domain.DefaultProactivityConfig
	if e.Config != nil {
		fallback = e.Config.Proactivity
	}
	cfg, err := e.Repo.GetProactivityConfig(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return fallback
	}
	if err != nil {
		e.Logger.Warn("proactivity config unreadable, using defaults", zap.Error(err))
		return fallback
	}
	return cfg
}

// UpdateProactivityConfig takes the patch fields over the current policy and stores the
// result as a whole.
func (e Engine) UpdateProactivityConfig(ctx context.Context, patch domain.ProactivityPatch, actorID string) (domain.ProactivityConfig, error) {
	next := patch.Apply(e.ProactivityConfig(ctx))
	if err := next.Validate(); err != nil {
		return domain.ProactivityConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProactivityConfig{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.PutProactivityConfig(ctx, tx, next, e.now()); err != nil {
		return domain.ProactivityConfig{}, fmt.Errorf("store proactivity config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ConfigUpdated, "proactivity_config", "", actorID, events.EventPayload{"config": next}); err != nil {
		return domain.ProactivityConfig{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProactivityConfig{}, err
	}
	return next, nil
}

// CostContext reports budget status from cached counters.
func (e Engine) CostContext() budget.CostContext {
	return e.Governor.CostContext()
}

// RecordUsage is the write half of the metered-call contract for callers outside the
// pipeline.
func (e Engine) RecordUsage(ctx context.Context, service string, units int64) (ledger.Charge, error) {
	return e.Ledger.Record(ctx, service, units)
}

// CheckUsage is the read half: call it before a metered call.
func (e Engine) CheckUsage(service string, units int64, essential bool) budget.Decision {
	return e.Governor.ShouldAllow(service, units, essential)
}

func (e Engine) GetAction(ctx context.Context, id string) (domain.ActionRecord, error) {
	return e.Repo.GetAction(ctx, id)
}

func (e Engine) AddPreference(ctx context.Context, p domain.Preference, actorID string) (domain.Preference, error) {
	switch p.Strength {
	case domain.PreferenceStrongLike, domain.PreferenceLike, domain.PreferenceDislike, domain.PreferenceStrongDislike:
	default:
		return domain.Preference{}, fmt.Errorf("unknown preference strength %q", p.Strength)
	}
	if p.ID == "" {
		p.ID = newID()
	}
	p.CreatedAt = e.now().UTC()
	if err := e.Repo.InsertPreference(ctx, p); err != nil {
		return domain.Preference{}, err
	}
	if err := e.Events.Append(ctx, nil, events.PreferenceAdded, "preference", p.ID, actorID, events.EventPayload{"strength": p.Strength}); err != nil {
		return domain.Preference{}, err
	}
	return p, nil
}
