// Package ledger keeps per-service consumption counters with day and month free tiers.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"steward/internal/domain"
	"steward/internal/metrics"
)

var (
	ErrUnknownService = errors.New("unknown metered service")
	ErrInvalidUnits   = errors.New("units must be >= 0")
)

// Charge is the priced outcome of recording a batch of units.
type Charge struct {
	Cost            float64 `json:"cost"`
	WasFree         bool    `json:"was_free"`
	FromDailyFree   int64   `json:"from_daily_free"`
	FromMonthlyFree int64   `json:"from_monthly_free"`
	Billed          int64   `json:"billed"`
}

// Price splits units across the remaining daily free tier, then the remaining monthly
// free tier, then the per-unit rate. e must already be rolled to the current period.
func Price(rule domain.PricingRule, e domain.UsageEntry, units int64) Charge {
	if units <= 0 {
		return Charge{WasFree: true}
	}
	var c Charge
	left := units
	if dailyFree := rule.FreeUnitsPerDay - e.DailyUnits; dailyFree > 0 {
		c.FromDailyFree = min(left, dailyFree)
		left -= c.FromDailyFree
	}
	if monthlyFree := rule.FreeUnitsPerMonth - e.MonthlyFreeUsed; left > 0 && monthlyFree > 0 {
		c.FromMonthlyFree = min(left, monthlyFree)
		left -= c.FromMonthlyFree
	}
	c.Billed = left
	c.Cost = float64(left) * rule.CostPerUnit
	c.WasFree = c.Cost == 0
	return c
}

// Ledger serializes updates per service. The day/month roll happens under the same
// lock as the increment, on every access.
type Ledger struct {
	store   Store
	pricing map[string]domain.PricingRule
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	entries map[string]domain.UsageEntry
}

type Options struct {
	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics *metrics.Collector
}

func New(store Store, pricing map[string]domain.PricingRule, opts Options) *Ledger {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	p := make(map[string]domain.PricingRule, len(pricing))
	for k, v := range pricing {
		p[k] = v
	}
	return &Ledger{
		store:   store,
		pricing: p,
		clock:   opts.Clock,
		logger:  opts.Logger.With(zap.String("component", "ledger")),
		metrics: opts.Metrics,
		locks:   map[string]*sync.Mutex{},
		entries: map[string]domain.UsageEntry{},
	}
}

// Services lists the priced services in name order.
func (l *Ledger) Services() []string {
	out := make([]string, 0, len(l.pricing))
	for name := range l.pricing {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (l *Ledger) Pricing(service string) (domain.PricingRule, bool) {
	rule, ok := l.pricing[service]
	return rule, ok
}

func (l *Ledger) serviceLock(service string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[service]
	if !ok {
		m = &sync.Mutex{}
		l.locks[service] = m
	}
	return m
}

func (l *Ledger) cached(service string) (domain.UsageEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[service]
	return e, ok
}

func (l *Ledger) cache(e domain.UsageEntry) {
	l.mu.Lock()
	l.entries[e.Service] = e
	l.mu.Unlock()
}

// current returns the entry rolled to the current period. Caller holds the service lock.
func (l *Ledger) current(ctx context.Context, service string) (domain.UsageEntry, error) {
	e, ok := l.cached(service)
	if !ok {
		stored, found, err := l.store.Load(ctx, service)
		if err != nil {
			return domain.UsageEntry{}, fmt.Errorf("load usage %s: %w", service, err)
		}
		if found {
			e = stored
		} else {
			e = domain.UsageEntry{Service: service}
		}
	}
	day, month := domain.PeriodKeys(l.clock.Now())
	prevDay, prevMonth := e.DayKey, e.MonthKey
	if e.Roll(day, month) && prevDay != "" {
		l.logger.Info("usage period rolled",
			zap.String("service", service),
			zap.String("from_day", prevDay), zap.String("to_day", day),
			zap.String("from_month", prevMonth), zap.String("to_month", month))
	}
	l.cache(e)
	return e, nil
}

// RecordUsage adds units for service and returns the cost they incurred.
func (l *Ledger) RecordUsage(ctx context.Context, service string, units int64) (float64, bool, error) {
	c, err := l.Record(ctx, service, units)
	return c.Cost, c.WasFree, err
}

// Record is RecordUsage with the free-tier breakdown.
func (l *Ledger) Record(ctx context.Context, service string, units int64) (Charge, error) {
	if units < 0 {
		return Charge{}, fmt.Errorf("%w: got %d", ErrInvalidUnits, units)
	}
	rule, ok := l.pricing[service]
	if !ok {
		return Charge{}, fmt.Errorf("%w %q", ErrUnknownService, service)
	}
	lock := l.serviceLock(service)
	lock.Lock()
	defer lock.Unlock()

	// Price against the stored row, not the cache: another process may have written since.
	day, month := domain.PeriodKeys(l.clock.Now())
	var c Charge
	next, err := l.store.Update(ctx, service, func(cur domain.UsageEntry) (domain.UsageEntry, error) {
		cur.Service = service
		cur.Roll(day, month)
		c = Price(rule, cur, units)
		cur.DailyUnits += units
		cur.MonthlyUnits += units
		cur.DailyCost += c.Cost
		cur.MonthlyCost += c.Cost
		cur.MonthlyFreeUsed += c.FromMonthlyFree
		cur.UpdatedAt = l.clock.Now().UTC()
		return cur, nil
	})
	if err != nil {
		return Charge{}, fmt.Errorf("save usage %s: %w", service, err)
	}
	l.cache(next)
	l.metrics.RecordUsage(service, units, c.Cost)
	return c, nil
}

// CurrentUsage returns the unit counters for the current day and month.
func (l *Ledger) CurrentUsage(ctx context.Context, service string) (domain.Usage, error) {
	e, err := l.Entry(ctx, service)
	if err != nil {
		return domain.Usage{}, err
	}
	return domain.Usage{Daily: e.DailyUnits, Monthly: e.MonthlyUnits}, nil
}

// Entry returns the full current-period row for service.
func (l *Ledger) Entry(ctx context.Context, service string) (domain.UsageEntry, error) {
	lock := l.serviceLock(service)
	lock.Lock()
	defer lock.Unlock()
	return l.current(ctx, service)
}

// Estimate prices units against the current counters without recording them.
func (l *Ledger) Estimate(ctx context.Context, service string, units int64) (Charge, error) {
	rule, ok := l.pricing[service]
	if !ok {
		return Charge{}, fmt.Errorf("%w %q", ErrUnknownService, service)
	}
	e, err := l.Entry(ctx, service)
	if err != nil {
		return Charge{}, err
	}
	return Price(rule, e, units), nil
}

// Peek returns the cached entry rolled to the current period without touching the store.
// ok is false when the service has not been loaded yet.
func (l *Ledger) Peek(service string) (domain.UsageEntry, bool) {
	e, ok := l.cached(service)
	if !ok {
		return domain.UsageEntry{Service: service}, false
	}
	day, month := domain.PeriodKeys(l.clock.Now())
	e.Roll(day, month)
	return e, true
}

// Refresh re-reads every priced service from the store.
func (l *Ledger) Refresh(ctx context.Context) error {
	for _, service := range l.Services() {
		lock := l.serviceLock(service)
		lock.Lock()
		l.mu.Lock()
		delete(l.entries, service)
		l.mu.Unlock()
		_, err := l.current(ctx, service)
		lock.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) Clock() clockwork.Clock {
	return l.clock
}
