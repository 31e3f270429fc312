package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eq-rebalancer/internal/circuitbreaker"
	"github.com/eq-rebalancer/internal/errors"
)

// WebhookSink POSTs alerts as JSON to an HTTP endpoint behind a circuit breaker
type WebhookSink struct {
	url     string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// WebhookSinkConfig holds configuration for WebhookSink
type WebhookSinkConfig struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
	Breaker *circuitbreaker.Config
}

// NewWebhookSink creates a webhook sink
func NewWebhookSink(cfg *WebhookSinkConfig) (*WebhookSink, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 3 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	breakerCfg := cfg.Breaker
	if breakerCfg == nil {
		breakerCfg = circuitbreaker.DefaultConfig("alert-webhook")
	}

	return &WebhookSink{
		url:     cfg.URL,
		client:  client,
		breaker: circuitbreaker.NewCircuitBreaker(breakerCfg),
	}, nil
}

// Name returns the sink name
func (s *WebhookSink) Name() string {
	return "webhook"
}

// Breaker exposes the sink's circuit breaker
func (s *WebhookSink) Breaker() *circuitbreaker.CircuitBreaker {
	return s.breaker
}

// Notify posts the alert. Non-2xx responses count as failures.
func (s *WebhookSink) Notify(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return errors.NewNotificationError(s.Name(), err)
	}

	err = s.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook responded with status %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return errors.NewNotificationError(s.Name(), err)
	}
	return nil
}
