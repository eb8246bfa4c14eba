package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"steward/internal/budget"
	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/ledger"
	"steward/internal/metrics"
	"steward/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Metrics  *metrics.Collector
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"action is not pending approval"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the steward API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(cfg.Metrics.Middleware(func(r *http.Request) string {
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			return rc.RoutePattern()
		}
		return "unmatched"
	}))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}

	hcfg := huma.DefaultConfig("Steward API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerCycles(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerBudget(group, cfg.Engine)
	registerProactivity(group, cfg.Engine)
	registerContext(group, cfg.Engine)
	registerPreferences(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case errors.Is(err, engine.ErrActionExpired):
		return newAPIError(http.StatusConflict, "action_expired", msg, nil)
	case errors.Is(err, engine.ErrInvalidFeedback),
		errors.Is(err, ledger.ErrInvalidUnits):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, ledger.ErrUnknownService):
		return newAPIError(http.StatusNotFound, "unknown_service", msg, nil)
	case errors.Is(err, engine.ErrInvalidConfig):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	}
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "before it starts") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{Description: "Error"}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerCycles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-cycle",
		Method:      http.MethodPost,
		Path:        "/cycles",
		Summary:     "Run one orchestration cycle",
		Description: "Returns immediately with skipped=true when a cycle is already in flight.",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.CycleSummary `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		sum, err := e.RunCycle(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CycleSummary `json:"body"`
		}{Body: sum}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List action records, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending_approval,queued,approved,rejected,executed"`
		Type   string `query:"type" enum:"reminder,suggestion,insight,alert,question,automation"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedActions `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListActions(ctx, repo.ActionFilter{
			Status:          domain.ActionStatus(input.Status),
			Type:            domain.ActionType(input.Type),
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedActions{Items: []ActionResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = composeCursor(repo.CursorFor(items[limit-1]))
		}
		now := e.Clock.Now()
		for _, a := range items {
			resp.Items = append(resp.Items, actionResponse(a, now))
		}
		return &struct {
			Body paginatedActions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/actions/{action_id}",
		Summary:     "Get one action record with its feedback",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		a, err := e.GetAction(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		fb, err := e.Repo.ListFeedback(ctx, a.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := actionResponse(a, e.Clock.Now())
		resp.Feedback = fb
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-feedback",
		Method:      http.MethodPost,
		Path:        "/actions/{action_id}/feedback",
		Summary:     "Record feedback; approved/rejected resolve a pending approval",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ActionID string          `path:"action_id"`
		Body     FeedbackRequest `json:"body"`
	}) (*struct {
		Body engine.FeedbackResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RecordFeedback(ctx, input.ActionID, domain.FeedbackType(input.Body.FeedbackType), input.Body.Comments, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.FeedbackResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerBudget(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "cost-context",
		Method:      http.MethodGet,
		Path:        "/cost-context",
		Summary:     "Budget status report",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body budget.CostContext `json:"body"`
	}, error) {
		return &struct {
			Body budget.CostContext `json:"body"`
		}{Body: e.CostContext()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-usage",
		Method:      http.MethodPost,
		Path:        "/usage",
		Summary:     "Record units consumed by a metered call",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body UsageRequest `json:"body"`
	}) (*struct {
		Body UsageResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Service) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "service is required", nil)
		}
		charge, err := e.RecordUsage(ctx, input.Body.Service, input.Body.Units)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UsageResponse `json:"body"`
		}{Body: UsageResponse{
			Service:         input.Body.Service,
			Units:           input.Body.Units,
			Cost:            charge.Cost,
			WasFree:         charge.WasFree,
			FromDailyFree:   charge.FromDailyFree,
			FromMonthlyFree: charge.FromMonthlyFree,
			Billed:          charge.Billed,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-usage",
		Method:      http.MethodPost,
		Path:        "/usage/check",
		Summary:     "Ask whether a metered call fits the budget",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body UsageCheckRequest `json:"body"`
	}) (*struct {
		Body budget.Decision `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Service) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "service is required", nil)
		}
		return &struct {
			Body budget.Decision `json:"body"`
		}{Body: e.CheckUsage(input.Body.Service, input.Body.Units, input.Body.Essential)}, nil
	})
}

func registerProactivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-proactivity-config",
		Method:      http.MethodGet,
		Path:        "/config/proactivity",
		Summary:     "Current admission policy",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.ProactivityConfig `json:"body"`
	}, error) {
		return &struct {
			Body domain.ProactivityConfig `json:"body"`
		}{Body: e.ProactivityConfig(ctx)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-proactivity-config",
		Method:      http.MethodPatch,
		Path:        "/config/proactivity",
		Summary:     "Replace the admission policy; omitted fields keep their value",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body domain.ProactivityPatch `json:"body"`
	}) (*struct {
		Body domain.ProactivityConfig `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		cfg, err := e.UpdateProactivityConfig(ctx, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProactivityConfig `json:"body"`
		}{Body: cfg}, nil
	})
}

func registerContext(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "upsert-calendar-event",
		Method:        http.MethodPost,
		Path:          "/context/calendar",
		Summary:       "Record or replace a calendar event",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CalendarEventRequest `json:"body"`
	}) (*struct {
		Body domain.CalendarEvent `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.ID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		ev := domain.CalendarEvent{
			ID:       input.Body.ID,
			Title:    input.Body.Title,
			StartsAt: input.Body.StartsAt.UTC(),
			EndsAt:   input.Body.EndsAt.UTC(),
		}
		if err := e.Repo.UpsertCalendarEvent(ctx, ev); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CalendarEvent `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-location",
		Method:        http.MethodPost,
		Path:          "/context/locations",
		Summary:       "Record a location fix",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body LocationSampleRequest `json:"body"`
	}) (*struct {
		Body domain.LocationSample `json:"body"`
	}, error) {
		s := domain.LocationSample{
			Latitude:   input.Body.Latitude,
			Longitude:  input.Body.Longitude,
			Speed:      input.Body.Speed,
			RecordedAt: e.Clock.Now().UTC(),
		}
		if input.Body.RecordedAt != nil {
			s.RecordedAt = input.Body.RecordedAt.UTC()
		}
		if err := e.Repo.InsertLocationSample(ctx, s); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.LocationSample `json:"body"`
		}{Body: s}, nil
	})
}

func registerPreferences(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-preferences",
		Method:      http.MethodGet,
		Path:        "/preferences",
		Summary:     "List stated preferences",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Preference `json:"body"`
	}, error) {
		prefs, err := e.Repo.ListPreferences(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Preference `json:"body"`
		}{Body: nonNilSlice(prefs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-preference",
		Method:        http.MethodPost,
		Path:          "/preferences",
		Summary:       "Add a stated preference",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body PreferenceRequest `json:"body"`
	}) (*struct {
		Body domain.Preference `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.AddPreference(ctx, domain.Preference{
			Text:     input.Body.Text,
			Strength: domain.PreferenceStrength(input.Body.Strength),
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Preference `json:"body"`
		}{Body: p}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
