package generator

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"steward/internal/domain"
)

//go:embed candidate.schema.json
var candidateSchema string

const candidateSchemaURL = "https://steward.local/schema/candidate.json"

func compileCandidateSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(candidateSchemaURL, strings.NewReader(candidateSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(candidateSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// HTTP asks a remote service (typically fronting a language model) for candidates.
// Each returned candidate is checked against the candidate schema; invalid ones are
// dropped and logged rather than failing the batch.
type HTTP struct {
	url    string
	client *http.Client
	schema *jsonschema.Schema
	logger *zap.Logger
}

func NewHTTP(url string, timeout time.Duration, logger *zap.Logger) (*HTTP, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("generator url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	schema, err := compileCandidateSchema()
	if err != nil {
		return nil, err
	}
	return &HTTP{
		url:    url,
		client: &http.Client{Timeout: timeout},
		schema: schema,
		logger: logger.With(zap.String("component", "generator")),
	}, nil
}

type generateRequest struct {
	Situation domain.Situation `json:"situation"`
	Limit     int              `json:"limit"`
}

type generateResponse struct {
	Candidates []json.RawMessage `json:"candidates"`
}

func (g *HTTP) Generate(ctx context.Context, sit domain.Situation, limit int) ([]domain.ActionCandidate, error) {
	data, err := json.Marshal(generateRequest{Situation: sit, Limit: limit})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	res, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	var body generateResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode generator response: %w", err)
	}
	var out []domain.ActionCandidate
	for i, raw := range body.Candidates {
		c, err := g.decode(raw)
		if err != nil {
			g.logger.Warn("dropping invalid candidate", zap.Int("index", i), zap.Error(err))
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (g *HTTP) decode(raw json.RawMessage) (domain.ActionCandidate, error) {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.ActionCandidate{}, err
	}
	if err := g.schema.Validate(payload); err != nil {
		return domain.ActionCandidate{}, err
	}
	var c domain.ActionCandidate
	if err := json.Unmarshal(raw, &c); err != nil {
		return domain.ActionCandidate{}, err
	}
	return c, c.Validate()
}
