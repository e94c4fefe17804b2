// Package webhook calls an external HTTP endpoint as an automation action.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/dukex/autoflow/pkg/breaker"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
)

const maxResponseBytes = 1 << 20

var (
	ErrInvalidURL   = errors.New("invalid webhook URL")
	ErrServerStatus = errors.New("webhook endpoint returned a server error")
	ErrClientStatus = errors.New("webhook endpoint rejected the request")
)

// Action performs the request described by a webhook action config.
type Action struct {
	client   *http.Client
	breakers *breaker.Set
	logger   *slog.Logger
}

func NewAction(client *http.Client, breakers *breaker.Set, logger *slog.Logger) *Action {
	return &Action{client: client, breakers: breakers, logger: logger.With("module", "webhook_action")}
}

type response struct {
	status  int
	headers http.Header
	body    []byte
}

func (a *Action) Execute(ctx context.Context, config map[string]any, run protocol.RunContext) (map[string]any, error) {
	decoded, err := models.DecodeActionConfig(models.ActionWebhook, config)
	if err != nil {
		return nil, protocol.Terminal(err)
	}

	cfg := decoded.(*models.WebhookConfig)

	target, err := url.Parse(cfg.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, protocol.Terminal(fmt.Errorf("%w: %q", ErrInvalidURL, cfg.URL))
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	body, contentType, err := encodeBody(cfg.Body)
	if err != nil {
		return nil, protocol.Terminal(err)
	}

	result, err := a.breakers.Do(target.Host, func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
		if err != nil {
			return nil, protocol.Terminal(fmt.Errorf("failed to create http request: %w", err))
		}

		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		for key, value := range cfg.Headers {
			req.Header.Set(key, value)
		}

		req.Header.Set("Idempotency-Key", run.RunID+":"+run.ActionID)
		req.Header.Set("X-Autoflow-Run-Id", run.RunID)

		resp, err := a.client.Do(req)
		if err != nil {
			return nil, err
		}

		defer func() {
			if err := resp.Body.Close(); err != nil {
				a.logger.ErrorContext(ctx, "failed to close response body", "error", err)
			}
		}()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, protocol.PossiblyApplied(protocol.Retryable(fmt.Errorf("failed to read response body: %w", err)))
		}

		if resp.StatusCode >= 500 {
			return nil, protocol.HTTPStatusError(resp.StatusCode, ErrServerStatus)
		}

		return response{status: resp.StatusCode, headers: resp.Header, body: payload}, nil
	})
	if err != nil {
		return nil, classify(err)
	}

	resp := result.(response)
	if resp.status >= 400 {
		return nil, protocol.HTTPStatusError(resp.status, fmt.Errorf("%w: %s", ErrClientStatus, truncate(resp.body)))
	}

	var parsed any
	if err := json.Unmarshal(resp.body, &parsed); err != nil {
		parsed = string(resp.body)
	}

	a.logger.InfoContext(ctx, "Webhook delivered", "run_id", run.RunID, "status", resp.status, "bytes", len(resp.body))

	return map[string]any{
		"status_code": resp.status,
		"headers":     flattenHeaders(resp.headers),
		"body":        parsed,
	}, nil
}

func classify(err error) error {
	if errors.Is(err, breaker.ErrOpen) {
		return protocol.Retryable(err)
	}

	return protocol.TransportError(err)
}

func encodeBody(body any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		if json.Valid([]byte(b)) {
			return []byte(b), "application/json", nil
		}

		return []byte(b), "text/plain; charset=utf-8", nil
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal body: %w", err)
		}

		return encoded, "application/json", nil
	}
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}

	return out
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}

	return string(body)
}
