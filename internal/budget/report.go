package budget

import (
	"fmt"
	"time"
)

type ServiceStatus struct {
	Service                string  `json:"service"`
	Mode                   Mode    `json:"mode"`
	DailyUnits             int64   `json:"daily_units"`
	MonthlyUnits           int64   `json:"monthly_units"`
	DailyCost              float64 `json:"daily_cost"`
	MonthlyCost            float64 `json:"monthly_cost"`
	DailyBudget            float64 `json:"daily_budget"`
	MonthlyBudget          float64 `json:"monthly_budget"`
	DailyUsedPercent       float64 `json:"daily_used_percent"`
	MonthlyUsedPercent     float64 `json:"monthly_used_percent"`
	FreeUnitsLeftToday     int64   `json:"free_units_left_today"`
	FreeUnitsLeftThisMonth int64   `json:"free_units_left_this_month"`
	ProjectedMonthlyCost   float64 `json:"projected_monthly_cost"`
}

type EstimatedCosts struct {
	Today          float64 `json:"today"`
	MonthToDate    float64 `json:"month_to_date"`
	ProjectedMonth float64 `json:"projected_month"`
}

// CostContext is the read-only budget report handed to callers planning new work.
type CostContext struct {
	Mode                        Mode                     `json:"mode"`
	DailyBudgetUsedPercent      float64                  `json:"daily_budget_used_percent"`
	MonthlyBudgetUsedPercent    float64                  `json:"monthly_budget_used_percent"`
	EstimatedCosts              EstimatedCosts           `json:"estimated_costs"`
	Recommendations             []string                 `json:"recommendations"`
	ShouldDeferExpensiveActions bool                     `json:"should_defer_expensive_actions"`
	Services                    map[string]ServiceStatus `json:"services"`
	GeneratedAt                 time.Time                `json:"generated_at"`
}

// CostContext builds the report from cached counters.
func (g *Governor) CostContext() CostContext {
	g.observePeriod()
	now := g.clock.Now()
	cc := CostContext{
		Mode:        ModeNormal,
		Services:    map[string]ServiceStatus{},
		GeneratedAt: now.UTC(),
	}
	var dailyCapped, dailySpent, monthlyCapped, monthlySpent float64
	for _, service := range g.ledger.Services() {
		rule, _ := g.ledger.Pricing(service)
		e, _ := g.ledger.Peek(service)
		caps := g.caps[service]
		mode := g.track(service, g.modeOf(service, e))
		st := ServiceStatus{
			Service:                service,
			Mode:                   mode,
			DailyUnits:             e.DailyUnits,
			MonthlyUnits:           e.MonthlyUnits,
			DailyCost:              e.DailyCost,
			MonthlyCost:            e.MonthlyCost,
			DailyBudget:            caps.Daily,
			MonthlyBudget:          caps.Monthly,
			DailyUsedPercent:       ratio(e.DailyCost, caps.Daily) * 100,
			MonthlyUsedPercent:     ratio(e.MonthlyCost, caps.Monthly) * 100,
			FreeUnitsLeftToday:     max(0, rule.FreeUnitsPerDay-e.DailyUnits),
			FreeUnitsLeftThisMonth: max(0, rule.FreeUnitsPerMonth-e.MonthlyFreeUsed),
			ProjectedMonthlyCost:   projectMonth(e.MonthlyCost, now),
		}
		cc.Services[service] = st
		cc.Mode = worse(cc.Mode, mode)
		cc.EstimatedCosts.Today += e.DailyCost
		cc.EstimatedCosts.MonthToDate += e.MonthlyCost
		cc.EstimatedCosts.ProjectedMonth += st.ProjectedMonthlyCost
		if caps.Daily > 0 {
			dailyCapped += caps.Daily
			dailySpent += e.DailyCost
		}
		if caps.Monthly > 0 {
			monthlyCapped += caps.Monthly
			monthlySpent += e.MonthlyCost
		}
		cc.Recommendations = append(cc.Recommendations, recommendations(st, rule.FreeUnitsPerMonth)...)
	}
	cc.DailyBudgetUsedPercent = ratio(dailySpent, dailyCapped) * 100
	cc.MonthlyBudgetUsedPercent = ratio(monthlySpent, monthlyCapped) * 100
	cc.ShouldDeferExpensiveActions = cc.Mode.Level() >= ModeCritical.Level()
	if len(cc.Recommendations) == 0 {
		cc.Recommendations = []string{"Spend is within budget for every service"}
	}
	return cc
}

// projectMonth extrapolates month-to-date spend linearly over the days of the month.
func projectMonth(monthToDate float64, now time.Time) float64 {
	day := float64(now.Day())
	days := float64(time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, now.Location()).Day())
	return monthToDate / day * days
}

func recommendations(st ServiceStatus, freePerMonth int64) []string {
	var out []string
	switch st.Mode {
	case ModeThrottled:
		out = append(out, fmt.Sprintf("Pause non-essential %s usage until the budget period resets", st.Service))
	case ModeCritical:
		out = append(out, fmt.Sprintf("Defer expensive %s actions; only essential calls should proceed", st.Service))
	case ModeWarning:
		out = append(out, fmt.Sprintf("Batch %s calls and postpone low-priority work", st.Service))
	}
	if st.MonthlyBudget > 0 && st.ProjectedMonthlyCost > st.MonthlyBudget {
		out = append(out, fmt.Sprintf("Projected %s spend %.2f exceeds the monthly budget %.2f", st.Service, st.ProjectedMonthlyCost, st.MonthlyBudget))
	}
	if freePerMonth > 0 && st.FreeUnitsLeftThisMonth*5 < freePerMonth {
		out = append(out, fmt.Sprintf("Over 80%% of the %s monthly free tier is used", st.Service))
	}
	return out
}
