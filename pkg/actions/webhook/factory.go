package webhook

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukex/autoflow/pkg/breaker"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
)

// ActionFactory creates webhook actions sharing one client and one set of
// per-host circuit breakers.
type ActionFactory struct {
	client   *http.Client
	breakers *breaker.Set
}

func NewActionFactory(client *http.Client, breakers *breaker.Set) *ActionFactory {
	if client == nil {
		client = &http.Client{}
	}

	return &ActionFactory{client: client, breakers: breakers}
}

func (*ActionFactory) ID() models.ActionType {
	return models.ActionWebhook
}

func (*ActionFactory) Name() string {
	return "Call webhook"
}

func (*ActionFactory) Description() string {
	return "Sends an HTTP request to an external endpoint. URL, headers and body support templating."
}

func (f *ActionFactory) Create(_ context.Context, logger *slog.Logger) (protocol.ActionHandler, error) {
	breakers := f.breakers
	if breakers == nil {
		breakers = breaker.NewSet(breaker.DefaultSettings(), logger)
	}

	return NewAction(f.client, breakers, logger), nil
}

func (*ActionFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"title":       "URL",
				"type":        "string",
				"description": "Endpoint to call. Supports templating with run data.",
				"examples": []string{
					"https://api.example.com/leads",
					"https://api.example.com/contacts/{{ .contact.id }}",
				},
			},
			"method": map[string]any{
				"type":    "string",
				"default": "POST",
				"enum":    []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
			},
			"headers": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"body": map[string]any{
				"description": "Request body. Objects are sent as JSON.",
			},
			"timeout_seconds": map[string]any{
				"type":    "integer",
				"minimum": 1,
				"maximum": 300,
			},
		},
		"required": []string{"url"},
	}
}
