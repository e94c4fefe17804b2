// Package crm delegates CRM capabilities (messaging, contacts, deals, AI
// agents) to the platform's capability gateway.
package crm

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

var (
	ErrGatewayStatus   = errors.New("capability gateway returned an error")
	ErrInvalidResponse = errors.New("capability gateway returned an invalid response")
)

// Gateway performs one CRM capability on behalf of a run.
type Gateway interface {
	Invoke(ctx context.Context, actionType models.ActionType, config map[string]any, run protocol.RunContext) (map[string]any, error)
}

type invocation struct {
	Type    models.ActionType `json:"type"`
	Config  map[string]any    `json:"config"`
	Context invocationContext `json:"context"`
}

type invocationContext struct {
	RunID          string         `json:"run_id"`
	AutomationID   string         `json:"automation_id"`
	OrganizationID string         `json:"organization_id"`
	StepID         string         `json:"step_id"`
	ActionID       string         `json:"action_id"`
	Attempt        int            `json:"attempt"`
	Data           map[string]any `json:"data,omitempty"`
}

type gatewayResponse struct {
	Output map[string]any `json:"output"`
	Error  string         `json:"error,omitempty"`
}

// HTTPGateway posts capability invocations to <base>/capabilities/<type>.
type HTTPGateway struct {
	baseURL  string
	token    string
	client   *http.Client
	breakers *breaker.Set
	logger   *slog.Logger
}

type GatewayOption func(*HTTPGateway)

func WithToken(token string) GatewayOption {
	return func(g *HTTPGateway) {
		g.token = token
	}
}

func WithHTTPClient(client *http.Client) GatewayOption {
	return func(g *HTTPGateway) {
		g.client = client
	}
}

func NewHTTPGateway(baseURL string, breakers *breaker.Set, logger *slog.Logger, opts ...GatewayOption) (*HTTPGateway, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid capability gateway URL %q", baseURL)
	}

	g := &HTTPGateway{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{},
		breakers: breakers,
		logger:   logger.With("module", "crm_gateway"),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

func (g *HTTPGateway) Invoke(ctx context.Context, actionType models.ActionType, config map[string]any, run protocol.RunContext) (map[string]any, error) {
	payload, err := json.Marshal(invocation{
		Type:   actionType,
		Config: config,
		Context: invocationContext{
			RunID:          run.RunID,
			AutomationID:   run.AutomationID,
			OrganizationID: run.OrganizationID,
			StepID:         run.StepID,
			ActionID:       run.ActionID,
			Attempt:        run.Attempt,
			Data:           run.Data,
		},
	})
	if err != nil {
		return nil, protocol.Terminal(fmt.Errorf("failed to encode invocation: %w", err))
	}

	endpoint := g.baseURL + "/capabilities/" + string(actionType)

	result, err := g.breakers.Do(string(actionType), func() (any, error) {
		return g.post(ctx, endpoint, payload, run)
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return nil, protocol.Retryable(err)
		}

		return nil, protocol.TransportError(err)
	}

	resp := result.(*httpResult)
	if resp.status >= 400 {
		return nil, protocol.HTTPStatusError(resp.status, fmt.Errorf("%w: %s", ErrGatewayStatus, resp.message()))
	}

	g.logger.DebugContext(ctx, "Capability invoked", "type", actionType, "run_id", run.RunID, "status", resp.status)

	if resp.decoded.Output == nil {
		return map[string]any{}, nil
	}

	return resp.decoded.Output, nil
}

type httpResult struct {
	status  int
	raw     []byte
	decoded gatewayResponse
}

func (r *httpResult) message() string {
	if r.decoded.Error != "" {
		return r.decoded.Error
	}

	return strings.TrimSpace(string(r.raw))
}

// post returns server errors as failures so they count against the breaker;
// client errors are returned as values.
func (g *HTTPGateway) post(ctx context.Context, endpoint string, payload []byte, run protocol.RunContext) (*httpResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, protocol.Terminal(fmt.Errorf("failed to create gateway request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", run.RunID+":"+run.ActionID)

	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			g.logger.ErrorContext(ctx, "failed to close gateway response body", "error", err)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, protocol.PossiblyApplied(protocol.Retryable(fmt.Errorf("failed to read gateway response: %w", err)))
	}

	result := &httpResult{status: resp.StatusCode, raw: raw}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result.decoded); err != nil && resp.StatusCode < 400 {
			return nil, protocol.PossiblyApplied(protocol.Terminal(fmt.Errorf("%w: %v", ErrInvalidResponse, err)))
		}
	}

	if resp.StatusCode >= 500 {
		return nil, protocol.HTTPStatusError(resp.StatusCode, fmt.Errorf("%w: %s", ErrGatewayStatus, result.message()))
	}

	return result, nil
}

type refreshRequest struct {
	RunID            string `json:"run_id"`
	AutomationID     string `json:"automation_id"`
	OrganizationID   string `json:"organization_id"`
	CorrelationValue string `json:"correlation_value,omitempty"`
}

// Refresh fetches the current CRM view of the run's subject from
// <base>/context/refresh. It lets wait_until conditions see changes that
// never arrived as events.
func (g *HTTPGateway) Refresh(ctx context.Context, run *models.Run) (map[string]any, error) {
	payload, err := json.Marshal(refreshRequest{
		RunID:            run.ID,
		AutomationID:     run.AutomationID,
		OrganizationID:   run.OrganizationID,
		CorrelationValue: run.CorrelationValue,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh request: %w", err)
	}

	result, err := g.breakers.Do("context_refresh", func() (any, error) {
		return g.post(ctx, g.baseURL+"/context/refresh", payload, protocol.RunContext{RunID: run.ID, ActionID: "refresh"})
	})
	if err != nil {
		return nil, err
	}

	resp := result.(*httpResult)
	if resp.status >= 400 {
		return nil, fmt.Errorf("%w: %s", ErrGatewayStatus, resp.message())
	}

	return resp.decoded.Output, nil
}
