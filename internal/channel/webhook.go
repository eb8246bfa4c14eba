package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"steward/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

type WebhookConfig struct {
	URL           string
	Secret        string
	Timeout       time.Duration
	RatePerSecond float64
}

// Webhook POSTs each delivery as JSON.
type Webhook struct {
	cfg     WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
	clock   clockwork.Clock
}

func NewWebhook(cfg WebhookConfig, clock clockwork.Clock) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	w := &Webhook{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, clock: clock}
	if cfg.RatePerSecond > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return w
}

type webhookBody struct {
	Kind   string              `json:"kind"`
	Text   string              `json:"text"`
	Action domain.ActionRecord `json:"action"`
	SentAt string              `json:"sent_at"`
}

func (w *Webhook) Deliver(ctx context.Context, d Delivery) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("webhook rate limit: %w", err)
		}
	}
	data, err := json.Marshal(webhookBody{
		Kind:   d.Kind,
		Text:   d.Text(),
		Action: d.Action,
		SentAt: w.clock.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Steward-Kind", d.Kind)
	req.Header.Set("X-Steward-Delivery", d.Action.ID)
	if strings.TrimSpace(w.cfg.Secret) != "" {
		req.Header.Set("X-Steward-Secret", w.cfg.Secret)
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
