package stewardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Steward HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Action represents the API action model (partial).
type Action struct {
	ID               string     `json:"id"`
	Type             string     `json:"type"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Confidence       float64    `json:"confidence"`
	Priority         string     `json:"priority"`
	RequiresApproval bool       `json:"requires_approval"`
	Status           string     `json:"status"`
	Timing           string     `json:"timing,omitempty"`
	ValidUntil       *time.Time `json:"valid_until,omitempty"`
	ExecutedAt       *time.Time `json:"executed_at,omitempty"`
	Expired          bool       `json:"expired"`
	Feedback         []Feedback `json:"feedback,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Feedback is a stored user reaction to an action.
type Feedback struct {
	ID           string    `json:"id"`
	ActionID     string    `json:"action_id"`
	ActionType   string    `json:"action_type"`
	FeedbackType string    `json:"feedback_type"`
	Comments     string    `json:"comments,omitempty"`
	ProvidedAt   time.Time `json:"provided_at"`
}

// Delivery reports how an executed action was handed to its channel.
type Delivery struct {
	ActionID string `json:"action_id"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// FeedbackResult is returned by RecordFeedback.
type FeedbackResult struct {
	Feedback Feedback  `json:"feedback"`
	Action   Action    `json:"action"`
	Delivery *Delivery `json:"delivery,omitempty"`
}

// CycleError is a per-candidate failure reported by a cycle.
type CycleError struct {
	ActionID string `json:"action_id,omitempty"`
	Title    string `json:"title,omitempty"`
	Stage    string `json:"stage"`
	Message  string `json:"message"`
}

// CycleSummary is the outcome of one scheduling cycle.
type CycleSummary struct {
	StartedAt              time.Time    `json:"started_at"`
	Skipped                bool         `json:"skipped"`
	CandidatesGenerated    int          `json:"candidates_generated"`
	CandidatesReconsidered int          `json:"candidates_reconsidered"`
	CandidatesFiltered     int          `json:"candidates_filtered"`
	ActionsExecuted        int          `json:"actions_executed"`
	ActionsQueued          int          `json:"actions_queued"`
	ActionsDeferred        int          `json:"actions_deferred"`
	Errors                 []CycleError `json:"errors"`
	Deliveries             []Delivery   `json:"deliveries"`
	DurationMS             int64        `json:"duration_ms"`
}

// Usage is the billing breakdown of a recorded usage.
type Usage struct {
	Service         string  `json:"service"`
	Units           int64   `json:"units"`
	Cost            float64 `json:"cost"`
	WasFree         bool    `json:"was_free"`
	FromDailyFree   int64   `json:"from_daily_free"`
	FromMonthlyFree int64   `json:"from_monthly_free"`
	Billed          int64   `json:"billed"`
}

// Decision is the governor's answer to a usage check.
type Decision struct {
	Allowed         bool    `json:"allowed"`
	Reason          string  `json:"reason"`
	EstimatedCost   float64 `json:"estimated_cost"`
	RemainingBudget float64 `json:"remaining_budget"`
	Uncapped        bool    `json:"uncapped,omitempty"`
	Mode            string  `json:"mode"`
	Suggestion      string  `json:"suggestion,omitempty"`
}

// ServiceStatus is the per-service part of a cost context.
type ServiceStatus struct {
	Service                string  `json:"service"`
	Mode                   string  `json:"mode"`
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

// CostContext summarizes spend across all configured services.
type CostContext struct {
	Mode                     string  `json:"mode"`
	DailyBudgetUsedPercent   float64 `json:"daily_budget_used_percent"`
	MonthlyBudgetUsedPercent float64 `json:"monthly_budget_used_percent"`
	EstimatedCosts           struct {
		Today          float64 `json:"today"`
		MonthToDate    float64 `json:"month_to_date"`
		ProjectedMonth float64 `json:"projected_month"`
	} `json:"estimated_costs"`
	Recommendations             []string                 `json:"recommendations"`
	ShouldDeferExpensiveActions bool                     `json:"should_defer_expensive_actions"`
	Services                    map[string]ServiceStatus `json:"services"`
	GeneratedAt                 time.Time                `json:"generated_at"`
}

// ProactivityConfig holds the admission thresholds.
type ProactivityConfig struct {
	MinConfidence        float64 `json:"min_confidence"`
	MaxActionsPerHour    int     `json:"max_actions_per_hour"`
	MaxActionsPerDay     int     `json:"max_actions_per_day"`
	QuietHoursStart      string  `json:"quiet_hours_start"`
	QuietHoursEnd        string  `json:"quiet_hours_end"`
	AutoExecuteThreshold float64 `json:"auto_execute_threshold"`
	DuplicateSimilarity  float64 `json:"duplicate_similarity"`
	MinEffectiveness     float64 `json:"min_effectiveness"`
	MinFeedbackSamples   int     `json:"min_feedback_samples"`
}

// Preference is a free-text user preference.
type Preference struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Strength  string    `json:"strength"`
	CreatedAt time.Time `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedActions is a page of actions.
type PaginatedActions struct {
	Items      []Action `json:"items"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// PaginatedEvents is a page of events.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// ActionFilter narrows ListActions.
type ActionFilter struct {
	Status string
	Type   string
	Limit  int
	Cursor string
}

// APIError captures non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Body)
}

// Code extracts the error code from the response envelope, if any.
func (e *APIError) Code() string {
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(e.Body), &env); err != nil {
		return ""
	}
	return env.Error.Code
}

// RunCycle triggers one scheduling cycle.
func (c *Client) RunCycle(ctx context.Context) (CycleSummary, error) {
	var resp CycleSummary
	err := c.do(ctx, http.MethodPost, "v0/cycles", nil, &resp)
	return resp, err
}

// ListActions returns a page of actions, newest first.
func (c *Client) ListActions(ctx context.Context, f ActionFilter) (PaginatedActions, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	var resp PaginatedActions
	err := c.do(ctx, http.MethodGet, withQuery("v0/actions", q), nil, &resp)
	return resp, err
}

// GetAction fetches an action with its feedback.
func (c *Client) GetAction(ctx context.Context, id string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodGet, "v0/actions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RecordFeedback stores feedback; approved and rejected also resolve a pending approval.
func (c *Client) RecordFeedback(ctx context.Context, actionID, feedbackType, comments string) (FeedbackResult, error) {
	body := map[string]any{"feedback_type": feedbackType}
	if comments != "" {
		body["comments"] = comments
	}
	var resp FeedbackResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/actions/%s/feedback", url.PathEscape(actionID)), body, &resp)
	return resp, err
}

// CostContext returns the current spend summary.
func (c *Client) CostContext(ctx context.Context) (CostContext, error) {
	var resp CostContext
	err := c.do(ctx, http.MethodGet, "v0/cost-context", nil, &resp)
	return resp, err
}

// RecordUsage records billable units for a service.
func (c *Client) RecordUsage(ctx context.Context, service string, units int64) (Usage, error) {
	var resp Usage
	err := c.do(ctx, http.MethodPost, "v0/usage", map[string]any{"service": service, "units": units}, &resp)
	return resp, err
}

// CheckUsage asks whether units of a service may be spent now.
func (c *Client) CheckUsage(ctx context.Context, service string, units int64, essential bool) (Decision, error) {
	body := map[string]any{"service": service, "units": units, "essential": essential}
	var resp Decision
	err := c.do(ctx, http.MethodPost, "v0/usage/check", body, &resp)
	return resp, err
}

// ProactivityConfig returns the effective admission thresholds.
func (c *Client) ProactivityConfig(ctx context.Context) (ProactivityConfig, error) {
	var resp ProactivityConfig
	err := c.do(ctx, http.MethodGet, "v0/config/proactivity", nil, &resp)
	return resp, err
}

// UpdateProactivityConfig applies a partial update. Keys follow the JSON field names.
func (c *Client) UpdateProactivityConfig(ctx context.Context, patch map[string]any) (ProactivityConfig, error) {
	var resp ProactivityConfig
	err := c.do(ctx, http.MethodPatch, "v0/config/proactivity", patch, &resp)
	return resp, err
}

// AddPreference stores a preference.
func (c *Client) AddPreference(ctx context.Context, text, strength string) (Preference, error) {
	var resp Preference
	err := c.do(ctx, http.MethodPost, "v0/preferences", map[string]any{"text": text, "strength": strength}, &resp)
	return resp, err
}

// EventsPage returns a page of events. Filters may be empty.
func (c *Client) EventsPage(ctx context.Context, eventType, entityKind, entityID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if entityKind != "" {
		q.Set("entity_kind", entityKind)
	}
	if entityID != "" {
		q.Set("entity_id", entityID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("v0/events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
