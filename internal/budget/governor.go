// Package budget turns ledger counters into cost-efficiency modes and admission answers
// for metered calls.
package budget

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"steward/internal/domain"
	"steward/internal/ledger"
	"steward/internal/metrics"
)

type Mode string

const (
	ModeNormal    Mode = "normal"
	ModeWarning   Mode = "warning"
	ModeCritical  Mode = "critical"
	ModeThrottled Mode = "throttled"
)

const (
	WarningRatio   = 0.70
	CriticalRatio  = 0.90
	ThrottledRatio = 0.95
)

// Level orders modes from normal (0) to throttled (3).
func (m Mode) Level() int {
	switch m {
	case ModeWarning:
		return 1
	case ModeCritical:
		return 2
	case ModeThrottled:
		return 3
	}
	return 0
}

func worse(a, b Mode) Mode {
	if b.Level() > a.Level() {
		return b
	}
	return a
}

// ModeForRatio classifies used/cap.
func ModeForRatio(r float64) Mode {
	switch {
	case r >= ThrottledRatio:
		return ModeThrottled
	case r >= CriticalRatio:
		return ModeCritical
	case r >= WarningRatio:
		return ModeWarning
	}
	return ModeNormal
}

// Caps are the spend limits of one service. Zero means uncapped.
type Caps struct {
	Daily   float64 `json:"daily"`
	Monthly float64 `json:"monthly"`
}

// Decision answers one shouldAllow call.
type Decision struct {
	Allowed         bool    `json:"allowed"`
	Reason          string  `json:"reason"`
	EstimatedCost   float64 `json:"estimated_cost"`
	RemainingBudget float64 `json:"remaining_budget"`
	Uncapped        bool    `json:"uncapped,omitempty"`
	Mode            Mode    `json:"mode"`
	Suggestion      string  `json:"suggestion,omitempty"`
}

// Governor answers from the ledger's cached counters and never touches the store on the
// request path. A day or month change triggers one background refresh.
type Governor struct {
	ledger  *ledger.Ledger
	caps    map[string]Caps
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *metrics.Collector

	// OnModeChange, when set, is called after a service moves to a different mode.
	OnModeChange func(service string, from, to Mode)

	mu        sync.Mutex
	period    string
	modes     map[string]Mode
	refreshWG sync.WaitGroup
}

type Options struct {
	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics *metrics.Collector
}

func NewGovernor(l *ledger.Ledger, caps map[string]Caps, opts Options) *Governor {
	if opts.Clock == nil {
		opts.Clock = l.Clock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := make(map[string]Caps, len(caps))
	for k, v := range caps {
		c[k] = v
	}
	g := &Governor{
		ledger:  l,
		caps:    c,
		clock:   opts.Clock,
		logger:  opts.Logger.With(zap.String("component", "budget")),
		metrics: opts.Metrics,
		modes:   map[string]Mode{},
	}
	g.period = periodKey(g.clock.Now())
	return g
}

func periodKey(t time.Time) string {
	day, month := domain.PeriodKeys(t)
	return month + "/" + day
}

// observePeriod starts a background ledger refresh the first time a new day is seen.
func (g *Governor) observePeriod() {
	key := periodKey(g.clock.Now())
	g.mu.Lock()
	if key == g.period {
		g.mu.Unlock()
		return
	}
	g.logger.Info("budget period changed, refreshing counters", zap.String("from", g.period), zap.String("to", key))
	g.period = key
	g.refreshWG.Add(1)
	g.mu.Unlock()
	go func() {
		defer g.refreshWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := g.ledger.Refresh(ctx); err != nil {
			g.logger.Warn("budget refresh failed", zap.Error(err))
		}
	}()
}

// WaitRefresh blocks until background refreshes started so far have finished.
func (g *Governor) WaitRefresh() {
	g.refreshWG.Wait()
}

func (g *Governor) Caps(service string) Caps {
	return g.caps[service]
}

func ratio(used, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return used / limit
}

// ModeFor is the more severe of the daily and monthly modes for service.
func (g *Governor) ModeFor(service string) Mode {
	g.observePeriod()
	e, _ := g.ledger.Peek(service)
	return g.track(service, g.modeOf(service, e))
}

func (g *Governor) modeOf(service string, e domain.UsageEntry) Mode {
	caps := g.caps[service]
	return worse(ModeForRatio(ratio(e.DailyCost, caps.Daily)), ModeForRatio(ratio(e.MonthlyCost, caps.Monthly)))
}

func (g *Governor) track(service string, m Mode) Mode {
	g.mu.Lock()
	prev, seen := g.modes[service]
	g.modes[service] = m
	g.mu.Unlock()
	g.metrics.SetBudgetMode(service, m.Level())
	if seen && prev != m {
		g.logger.Info("budget mode changed", zap.String("service", service), zap.String("from", string(prev)), zap.String("to", string(m)))
		if g.OnModeChange != nil {
			g.OnModeChange(service, prev, m)
		}
	}
	return m
}

// ShouldAllow decides whether units more of service may be consumed now.
func (g *Governor) ShouldAllow(service string, units int64, essential bool) Decision {
	g.observePeriod()
	rule, ok := g.ledger.Pricing(service)
	if !ok {
		d := Decision{Allowed: essential, Reason: fmt.Sprintf("unknown metered service %q", service), Mode: ModeNormal, Uncapped: true}
		if essential {
			d.Reason = "essential"
		}
		return d
	}
	e, _ := g.ledger.Peek(service)
	caps := g.caps[service]
	mode := g.track(service, g.modeOf(service, e))
	est := ledger.Price(rule, e, units).Cost

	d := Decision{EstimatedCost: est, Mode: mode}
	remaining, capped := remainingBudget(e, caps)
	d.RemainingBudget = remaining
	d.Uncapped = !capped

	if essential {
		d.Allowed = true
		d.Reason = "essential"
		return d
	}
	if capped && remaining <= 0 {
		d.Reason = "budget exhausted"
		g.metrics.RecordBudgetDenied(service)
		return d
	}
	if capped && est > remaining {
		d.Reason = fmt.Sprintf("estimated cost %.2f exceeds remaining budget %.2f", est, remaining)
		g.metrics.RecordBudgetDenied(service)
		return d
	}
	post := math.Max(ratio(e.DailyCost+est, caps.Daily), ratio(e.MonthlyCost+est, caps.Monthly))
	if est > 0 && post >= ThrottledRatio {
		d.Reason = fmt.Sprintf("would reach %.0f%% of budget (throttle at %.0f%%)", post*100, ThrottledRatio*100)
		g.metrics.RecordBudgetDenied(service)
		return d
	}
	d.Allowed = true
	d.Reason = "within budget"
	if post >= WarningRatio || mode.Level() >= ModeWarning.Level() {
		d.Suggestion = fmt.Sprintf("%s spend is at %.0f%% of budget; batch or defer non-urgent calls", service, post*100)
	}
	return d
}

// remainingBudget is the smaller of the daily and monthly headroom over capped periods.
func remainingBudget(e domain.UsageEntry, caps Caps) (float64, bool) {
	remaining := math.Inf(1)
	if caps.Daily > 0 {
		remaining = math.Min(remaining, caps.Daily-e.DailyCost)
	}
	if caps.Monthly > 0 {
		remaining = math.Min(remaining, caps.Monthly-e.MonthlyCost)
	}
	if math.IsInf(remaining, 1) {
		return 0, false
	}
	return remaining, true
}

// OverallMode is the worst mode across all priced services.
func (g *Governor) OverallMode() Mode {
	overall := ModeNormal
	for _, service := range g.ledger.Services() {
		overall = worse(overall, g.ModeFor(service))
	}
	return overall
}

// ShouldDeferExpensiveActions reports whether any service is critical or throttled.
func (g *Governor) ShouldDeferExpensiveActions() bool {
	return g.OverallMode().Level() >= ModeCritical.Level()
}
