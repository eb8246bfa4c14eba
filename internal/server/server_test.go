package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/budget"
	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/generator"
	"steward/internal/metrics"
	"steward/internal/migrate"
)

const testSecret = "test-secret"

var noon = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

var actor = map[string]string{"X-Actor-Id": "tester"}

func newTestServer(t *testing.T, candidates ...domain.ActionCandidate) *httptest.Server {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	m := metrics.NewCollector("steward", nil)
	e := engine.New(conn, config.Default(), engine.Options{
		Clock:     clockwork.NewFakeClockAt(noon),
		Metrics:   m,
		Generator: generator.Static(candidates),
	})
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
		Metrics:  m,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return srv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func TestHealthIsOpenAndAPIRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cost-context", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))
}

func TestBearerToken(t *testing.T) {
	srv := newTestServer(t)
	token, err := SignToken(testSecret, "tester", time.Hour, time.Now())
	require.NoError(t, err)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cost-context", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var cc budget.CostContext
	require.NoError(t, json.Unmarshal(data, &cc))
	assert.Equal(t, budget.ModeNormal, cc.Mode)

	forged, err := SignToken("other-secret", "tester", time.Hour, time.Now())
	require.NoError(t, err)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cost-context", nil, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))

	expired, err := SignToken(testSecret, "tester", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cost-context", nil, map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestCycleAndApprovalFlow(t *testing.T) {
	srv := newTestServer(t,
		domain.ActionCandidate{Type: domain.ActionReminder, Title: "Call the dentist", Confidence: 0.9, Priority: domain.PriorityHigh},
		domain.ActionCandidate{Type: domain.ActionAutomation, Title: "Archive newsletters", Confidence: 0.8, Priority: domain.PriorityMedium},
	)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cycles", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var sum engine.CycleSummary
	require.NoError(t, json.Unmarshal(data, &sum))
	assert.Equal(t, 2, sum.CandidatesGenerated)
	assert.Equal(t, 1, sum.ActionsExecuted)
	assert.Equal(t, 1, sum.ActionsQueued)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/actions?status=pending_approval", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedActions
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	pending := page.Items[0]
	assert.False(t, pending.Expired)
	assert.Equal(t, "Archive newsletters", pending.Title)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+pending.ID+"/feedback", map[string]any{
		"feedback_type": "approved",
		"comments":      "fine",
	}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var fr engine.FeedbackResult
	require.NoError(t, json.Unmarshal(data, &fr))
	assert.Equal(t, domain.StatusExecuted, fr.Action.Status)
	require.NotNil(t, fr.Delivery)
	assert.Equal(t, engine.DeliveryDelivered, fr.Delivery.Status)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+pending.ID+"/feedback", map[string]any{
		"feedback_type": "approved",
	}, actor)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "invalid_transition", errorCode(t, data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/actions/"+pending.ID, nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var detail ActionResponse
	require.NoError(t, json.Unmarshal(data, &detail))
	assert.Len(t, detail.Feedback, 1)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/missing/feedback", map[string]any{
		"feedback_type": "positive",
	}, actor)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))
}

func TestActionsPagination(t *testing.T) {
	srv := newTestServer(t,
		domain.ActionCandidate{Type: domain.ActionReminder, Title: "Pay rent", Confidence: 0.95, Priority: domain.PriorityHigh},
		domain.ActionCandidate{Type: domain.ActionSuggestion, Title: "Take a walk", Confidence: 0.8, Priority: domain.PriorityMedium},
	)
	client := srv.Client()
	res, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cycles", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode)

	seen := map[string]bool{}
	url := srv.URL + "/v0/actions?limit=1"
	for i := 0; i < 3; i++ {
		res, data := doJSON(t, client, http.MethodGet, url, nil, actor)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		var page paginatedActions
		require.NoError(t, json.Unmarshal(data, &page))
		for _, a := range page.Items {
			seen[a.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		url = srv.URL + "/v0/actions?limit=1&cursor=" + page.NextCursor
	}
	assert.Len(t, seen, 2)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/actions?cursor=garbage", nil, actor)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestProactivityConfigEndpoints(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/config/proactivity", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var cfg domain.ProactivityConfig
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Equal(t, domain.DefaultProactivityConfig, cfg)

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/config/proactivity", map[string]any{"max_actions_per_hour": 5}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Equal(t, 5, cfg.MaxActionsPerHour)
	assert.Equal(t, 15, cfg.MaxActionsPerDay)

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/config/proactivity", map[string]any{"min_confidence": 1.5}, actor)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "validation_failed", errorCode(t, data))
}

func TestUsageEndpoints(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/usage/check", map[string]any{"service": "sms", "units": 10}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var dec budget.Decision
	require.NoError(t, json.Unmarshal(data, &dec))
	assert.True(t, dec.Allowed)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/usage", map[string]any{"service": "sms", "units": 60}, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var usage UsageResponse
	require.NoError(t, json.Unmarshal(data, &usage))
	assert.Equal(t, int64(50), usage.FromMonthlyFree)
	assert.InDelta(t, 10.0, usage.Cost, 1e-9)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/usage", map[string]any{"service": "fax", "units": 1}, actor)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "unknown_service", errorCode(t, data))
}

func TestContextAndPreferences(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/context/calendar", map[string]any{
		"id":        "evt-1",
		"title":     "Standup",
		"starts_at": noon.Format(time.RFC3339),
		"ends_at":   noon.Add(30 * time.Minute).Format(time.RFC3339),
	}, actor)
	assert.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/context/calendar", map[string]any{
		"id":        "evt-2",
		"title":     "Backwards",
		"starts_at": noon.Format(time.RFC3339),
		"ends_at":   noon.Add(-time.Minute).Format(time.RFC3339),
	}, actor)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/context/locations", map[string]any{
		"latitude": 48.85, "longitude": 2.35, "speed": 1.2,
	}, actor)
	assert.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/preferences", map[string]any{
		"text": "no insight messages", "strength": "strong_dislike",
	}, actor)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/preferences", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var prefs []domain.Preference
	require.NoError(t, json.Unmarshal(data, &prefs))
	require.Len(t, prefs, 1)
	assert.Equal(t, domain.PreferenceStrongDislike, prefs[0].Strength)
}

func TestEventsAndMetrics(t *testing.T) {
	srv := newTestServer(t,
		domain.ActionCandidate{Type: domain.ActionReminder, Title: "Pay rent", Confidence: 0.95, Priority: domain.PriorityHigh},
	)
	client := srv.Client()
	res, _ := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cycles", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=1", nil, actor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	assert.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.Contains(string(data), "steward_candidates_total"))
	assert.True(t, strings.Contains(string(data), "steward_http_requests_total"))
}

func TestOpenAPIIsServed(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, "paths")
}

func TestHandleErrorFallsBackToInternal(t *testing.T) {
	err := handleError(context.DeadlineExceeded)
	var ae *apiError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusInternalServerError, ae.GetStatus())
}
