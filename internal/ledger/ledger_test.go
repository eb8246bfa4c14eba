package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"steward/internal/domain"
)

type memStore struct {
	mu      sync.Mutex
	rows    map[string]domain.UsageEntry
	saveErr error
	saves   int
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]domain.UsageEntry{}}
}

func (m *memStore) Load(_ context.Context, service string) (domain.UsageEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[service]
	return e, ok, nil
}

func (m *memStore) Update(_ context.Context, service string, fn func(domain.UsageEntry) (domain.UsageEntry, error)) (domain.UsageEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[service]
	if !ok {
		cur = domain.UsageEntry{Service: service}
	}
	next, err := fn(cur)
	if err != nil {
		return domain.UsageEntry{}, err
	}
	if m.saveErr != nil {
		return domain.UsageEntry{}, m.saveErr
	}
	m.saves++
	m.rows[service] = next
	return next, nil
}

var testPricing = map[string]domain.PricingRule{
	"sms": {CostPerUnit: 1, FreeUnitsPerDay: 1000},
	"tts": {CostPerUnit: 0.5, FreeUnitsPerDay: 10, FreeUnitsPerMonth: 20},
	"llm": {CostPerUnit: 2},
}

func newTestLedger(t *testing.T, at time.Time) (*Ledger, *clockwork.FakeClock, *memStore) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(at)
	store := newMemStore()
	return New(store, testPricing, Options{Clock: clock}), clock, store
}

func TestRecordUsageRoundTrip(t *testing.T) {
	ctx := context.Background()
	l, _, store := newTestLedger(t, time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC))

	before, err := l.CurrentUsage(ctx, "sms")
	require.NoError(t, err)

	cost, wasFree, err := l.RecordUsage(ctx, "sms", 100)
	require.NoError(t, err)
	assert.Zero(t, cost)
	assert.True(t, wasFree)

	after, err := l.CurrentUsage(ctx, "sms")
	require.NoError(t, err)
	assert.Equal(t, before.Daily+100, after.Daily)
	assert.Equal(t, before.Monthly+100, after.Monthly)
	assert.Equal(t, 1, store.saves)
}

func TestDayRolloverResetsDailyOnly(t *testing.T) {
	ctx := context.Background()
	l, clock, _ := newTestLedger(t, time.Date(2024, 3, 10, 23, 50, 0, 0, time.UTC))

	_, _, err := l.RecordUsage(ctx, "sms", 100)
	require.NoError(t, err)

	clock.Advance(20 * time.Minute)
	_, _, err = l.RecordUsage(ctx, "sms", 40)
	require.NoError(t, err)

	u, err := l.CurrentUsage(ctx, "sms")
	require.NoError(t, err)
	assert.Equal(t, int64(40), u.Daily)
	assert.Equal(t, int64(140), u.Monthly)
}

func TestMonthRolloverResetsBoth(t *testing.T) {
	ctx := context.Background()
	l, clock, _ := newTestLedger(t, time.Date(2024, 3, 31, 22, 0, 0, 0, time.UTC))

	_, _, err := l.RecordUsage(ctx, "tts", 30)
	require.NoError(t, err)

	clock.Advance(3 * time.Hour)
	u, err := l.CurrentUsage(ctx, "tts")
	require.NoError(t, err)
	assert.Equal(t, domain.Usage{}, u)

	e, ok := l.Peek("tts")
	require.True(t, ok)
	assert.Equal(t, "2024-04-01", e.DayKey)
	assert.Equal(t, "2024-04", e.MonthKey)
	assert.Zero(t, e.MonthlyFreeUsed)
}

func TestRollHappensOnReadAfterIdle(t *testing.T) {
	ctx := context.Background()
	l, clock, store := newTestLedger(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	_, _, err := l.RecordUsage(ctx, "sms", 5)
	require.NoError(t, err)

	// No writes across midnight; the next read must still see a fresh day.
	clock.Advance(48 * time.Hour)
	u, err := l.CurrentUsage(ctx, "sms")
	require.NoError(t, err)
	assert.Zero(t, u.Daily)
	assert.Equal(t, int64(5), u.Monthly)
	// the stored row is never rewritten retroactively
	assert.Equal(t, "2024-03-10", store.rows["sms"].DayKey)
}

func TestFreeTierOrdering(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))

	// 10 free per day, 20 free per month, then 0.5 each.
	c, err := l.Record(ctx, "tts", 25)
	require.NoError(t, err)
	assert.Equal(t, int64(10), c.FromDailyFree)
	assert.Equal(t, int64(15), c.FromMonthlyFree)
	assert.Zero(t, c.Billed)
	assert.True(t, c.WasFree)

	c, err = l.Record(ctx, "tts", 10)
	require.NoError(t, err)
	assert.Zero(t, c.FromDailyFree)
	assert.Equal(t, int64(5), c.FromMonthlyFree)
	assert.Equal(t, int64(5), c.Billed)
	assert.InDelta(t, 2.5, c.Cost, 1e-9)
	assert.False(t, c.WasFree)
}

func TestRecordRejectsUnknownServiceAndNegativeUnits(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, time.Now())
	_, err := l.Record(ctx, "fax", 1)
	assert.ErrorIs(t, err, ErrUnknownService)
	_, err = l.Record(ctx, "sms", -1)
	assert.ErrorIs(t, err, ErrInvalidUnits)
}

func TestSaveFailureLeavesCountersUnchanged(t *testing.T) {
	ctx := context.Background()
	l, _, store := newTestLedger(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	store.saveErr = errors.New("disk full")

	_, err := l.Record(ctx, "llm", 3)
	require.Error(t, err)

	u, err := l.CurrentUsage(ctx, "llm")
	require.NoError(t, err)
	assert.Zero(t, u.Daily)
}

func TestConcurrentRecordsAreSerialized(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Record(ctx, "llm", 2)
		}()
	}
	wg.Wait()

	e, err := l.Entry(ctx, "llm")
	require.NoError(t, err)
	assert.Equal(t, int64(100), e.DailyUnits)
	assert.InDelta(t, 200.0, e.DailyCost, 1e-9)
}

func TestRefreshReloadsFromStore(t *testing.T) {
	ctx := context.Background()
	l, _, store := newTestLedger(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	_, err := l.Record(ctx, "llm", 1)
	require.NoError(t, err)

	row := store.rows["llm"]
	row.DailyUnits = 42
	store.rows["llm"] = row

	require.NoError(t, l.Refresh(ctx))
	e, ok := l.Peek("llm")
	require.True(t, ok)
	assert.Equal(t, int64(42), e.DailyUnits)
}

func TestPriceProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		rule := domain.PricingRule{
			CostPerUnit:       float64(rapid.IntRange(0, 100).Draw(rt, "cost")),
			FreeUnitsPerDay:   rapid.Int64Range(0, 1000).Draw(rt, "freeDay"),
			FreeUnitsPerMonth: rapid.Int64Range(0, 5000).Draw(rt, "freeMonth"),
		}
		e := domain.UsageEntry{
			DailyUnits:      rapid.Int64Range(0, 2000).Draw(rt, "daily"),
			MonthlyFreeUsed: rapid.Int64Range(0, 6000).Draw(rt, "monthFreeUsed"),
		}
		units := rapid.Int64Range(0, 5000).Draw(rt, "units")

		c := Price(rule, e, units)
		if c.FromDailyFree+c.FromMonthlyFree+c.Billed != units {
			rt.Fatalf("units split %d+%d+%d != %d", c.FromDailyFree, c.FromMonthlyFree, c.Billed, units)
		}
		if c.FromDailyFree < 0 || c.FromMonthlyFree < 0 || c.Billed < 0 {
			rt.Fatalf("negative split %+v", c)
		}
		if e.DailyUnits+c.FromDailyFree > max(rule.FreeUnitsPerDay, e.DailyUnits) {
			rt.Fatalf("daily free tier overdrawn: %+v", c)
		}
		if e.MonthlyFreeUsed+c.FromMonthlyFree > max(rule.FreeUnitsPerMonth, e.MonthlyFreeUsed) {
			rt.Fatalf("monthly free tier overdrawn: %+v", c)
		}
		if c.Billed > 0 && c.FromMonthlyFree > 0 && e.MonthlyFreeUsed+c.FromMonthlyFree != rule.FreeUnitsPerMonth {
			rt.Fatalf("billed before monthly free tier was exhausted: %+v", c)
		}
		if c.Cost != float64(c.Billed)*rule.CostPerUnit {
			rt.Fatalf("cost %v for %d billed units", c.Cost, c.Billed)
		}
	})
}
