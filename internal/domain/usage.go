package domain

import "time"

const (
	DayKeyLayout   = "2006-01-02"
	MonthKeyLayout = "2006-01"
)

// PeriodKeys returns the calendar day and month keys for t.
func PeriodKeys(t time.Time) (day, month string) {
	return t.Format(DayKeyLayout), t.Format(MonthKeyLayout)
}

// PricingRule prices one metered service. Costs are in the budget currency's minor unit.
type PricingRule struct {
	CostPerUnit       float64 `json:"cost_per_unit" yaml:"cost_per_unit"`
	FreeUnitsPerDay   int64   `json:"free_units_per_day" yaml:"free_units_per_day"`
	FreeUnitsPerMonth int64   `json:"free_units_per_month" yaml:"free_units_per_month"`
}

// UsageEntry holds the rolling counters for one service in one day/month period.
type UsageEntry struct {
	Service         string    `json:"service"`
	DayKey          string    `json:"day_key"`
	MonthKey        string    `json:"month_key"`
	DailyUnits      int64     `json:"daily_units"`
	MonthlyUnits    int64     `json:"monthly_units"`
	DailyCost       float64   `json:"daily_cost"`
	MonthlyCost     float64   `json:"monthly_cost"`
	MonthlyFreeUsed int64     `json:"monthly_free_used"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Roll zeroes the counters whose period key differs from the given keys.
// It reports whether anything was reset.
func (e *UsageEntry) Roll(day, month string) bool {
	rolled := false
	if e.MonthKey != month {
		e.MonthKey = month
		e.MonthlyUnits = 0
		e.MonthlyCost = 0
		e.MonthlyFreeUsed = 0
		rolled = true
	}
	if e.DayKey != day {
		e.DayKey = day
		e.DailyUnits = 0
		e.DailyCost = 0
		rolled = true
	}
	return rolled
}

type Usage struct {
	Daily   int64 `json:"daily"`
	Monthly int64 `json:"monthly"`
}
