package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/channel"
	"steward/internal/config"
	"steward/internal/engine"
)

var noon = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func generatorServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"type":"reminder","title":"Water the plants","confidence":0.92,"priority":"high","requires_approval":false}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func webhookServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func bootstrap(t *testing.T, yml string) *Services {
	t.Helper()
	cfg, err := config.FromYAML([]byte(yml))
	require.NoError(t, err)
	s, err := Bootstrap(context.Background(), Options{
		Workspace: t.TempDir(),
		Config:    cfg,
		Clock:     clockwork.NewFakeClockAt(noon),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBootstrapRunsCycleThroughMeteredWebhook(t *testing.T) {
	var hits atomic.Int32
	gen := generatorServer(t)
	hook := webhookServer(t, &hits)
	s := bootstrap(t, fmt.Sprintf(`
generator:
  url: %s
channels:
  reminder:
    driver: webhook
    url: %s
    service: sms
    units: 1
`, gen.URL, hook.URL))

	sum, err := s.Engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CandidatesGenerated)
	assert.Equal(t, 1, sum.ActionsExecuted)
	require.Len(t, sum.Deliveries, 1)
	assert.Equal(t, engine.DeliveryDelivered, sum.Deliveries[0].Status)
	assert.Equal(t, int32(1), hits.Load())

	e, err := s.Engine.Ledger.Entry(context.Background(), "sms")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.DailyUnits)
	assert.Zero(t, e.DailyCost, "inside the monthly free tier")
}

func TestBootstrapBudgetDeniedDeliveryIsSkipped(t *testing.T) {
	var hits atomic.Int32
	gen := generatorServer(t)
	hook := webhookServer(t, &hits)
	s := bootstrap(t, fmt.Sprintf(`
generator:
  url: %s
budget:
  services:
    sms:
      cost_per_unit: 1
      free_units_per_day: 0
      free_units_per_month: 0
      daily_budget: 1
      monthly_budget: 100
channels:
  reminder:
    driver: webhook
    url: %s
    service: sms
`, gen.URL, hook.URL))

	sum, err := s.Engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ActionsExecuted)
	require.Len(t, sum.Deliveries, 1)
	assert.Equal(t, engine.DeliverySkipped, sum.Deliveries[0].Status)
	assert.Empty(t, sum.Errors)
	assert.Zero(t, hits.Load())
}

func TestBootstrapWithRedisLedger(t *testing.T) {
	mr := miniredis.RunT(t)
	s := bootstrap(t, fmt.Sprintf(`
ledger:
  store: redis
  redis_addr: %s
  key_prefix: test
`, mr.Addr()))

	_, err := s.Engine.RecordUsage(context.Background(), "llm", 1000)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:usage:llm"))
}

func TestBuildChannelsDefaultsToLog(t *testing.T) {
	cfg := config.Default()
	delete(cfg.Channels, "alert")
	reg, err := BuildChannels(cfg, t.TempDir(), nil, nil, clockwork.NewFakeClock(), nil)
	require.NoError(t, err)
	_, ok := reg.Lookup("alert")
	assert.True(t, ok)
	_, ok = reg.Lookup(channel.KindApprovalRequest)
	assert.True(t, ok)
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(config.LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = NewLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
	_, err = NewLogger(config.LogConfig{Format: "xml"})
	assert.Error(t, err)
}
