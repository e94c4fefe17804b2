// Package registry maps action types to the handlers that perform them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"plugin"
	"slices"
	"strings"
	"sync"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrActionNotRegistered = errors.New("action type not registered")
	ErrInvalidConfig       = errors.New("action config does not match schema")
)

type Registry struct {
	logger    *slog.Logger
	mu        sync.RWMutex
	factories map[models.ActionType]protocol.ActionFactory
	handlers  map[models.ActionType]protocol.ActionHandler
}

func New(log *slog.Logger) *Registry {
	return &Registry{
		logger:    log.With("module", "registry"),
		factories: make(map[models.ActionType]protocol.ActionFactory),
		handlers:  make(map[models.ActionType]protocol.ActionHandler),
	}
}

// Register adds or replaces the factory for its action type.
func (r *Registry) Register(factory protocol.ActionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[factory.ID()] = factory
	delete(r.handlers, factory.ID())
}

// Handler returns the handler for actionType, creating it on first use.
func (r *Registry) Handler(ctx context.Context, actionType models.ActionType) (protocol.ActionHandler, error) {
	r.mu.RLock()
	handler, ok := r.handlers[actionType]
	factory, registered := r.factories[actionType]
	r.mu.RUnlock()

	if ok {
		return handler, nil
	}

	if !registered {
		return nil, fmt.Errorf("%w: %s", ErrActionNotRegistered, actionType)
	}

	handler, err := factory.Create(ctx, r.logger)
	if err != nil {
		return nil, fmt.Errorf("create %s handler: %w", actionType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.handlers[actionType]; ok {
		return existing, nil
	}

	r.handlers[actionType] = handler

	return handler, nil
}

func (r *Registry) Has(actionType models.ActionType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.factories[actionType]

	return ok
}

// Types lists the registered action types in a stable order.
func (r *Registry) Types() []models.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.ActionType, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}

	slices.Sort(types)

	return types
}

// HealthCheck reports whether any action handler is registered.
func (r *Registry) HealthCheck() (string, bool) {
	types := r.Types()
	if len(types) == 0 {
		return "No action handlers registered", false
	}

	return fmt.Sprintf("%d action handlers registered", len(types)), true
}

func (r *Registry) Factory(actionType models.ActionType) (protocol.ActionFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[actionType]

	return f, ok
}

// CheckAction implements models.ActionChecker: the type must be registered
// and its config must satisfy the factory schema.
func (r *Registry) CheckAction(action *models.Action) error {
	if action.Type.Native() {
		return nil
	}

	factory, ok := r.Factory(action.Type)
	if !ok {
		return fmt.Errorf("%w: %s", ErrActionNotRegistered, action.Type)
	}

	return validateSchema(factory.Schema(), action.Config)
}

func validateSchema(schema map[string]any, config map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	if config == nil {
		config = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}

	return nil
}

// LoadPlugins opens every *.so under pluginsPath/actions and registers the
// protocol.ActionFactory each one exports as the "Action" symbol.
func (r *Registry) LoadPlugins(pluginsPath string) error {
	rootPath := pluginsPath + "/actions"

	paths, err := fs.Glob(os.DirFS(rootPath), "*.so")
	if err != nil {
		return err
	}

	l := r.logger.With(slog.String("path", rootPath))
	l.Info("Loading action plugins", "count", len(paths))

	for _, p := range paths {
		plg, err := plugin.Open(rootPath + "/" + p)
		if err != nil {
			return fmt.Errorf("open plugin %s: %w", p, err)
		}

		symbol, err := plg.Lookup("Action")
		if err != nil {
			return fmt.Errorf("plugin %s: %w", p, err)
		}

		factory, ok := symbol.(protocol.ActionFactory)
		if !ok {
			return fmt.Errorf("plugin %s: Action does not implement ActionFactory", p)
		}

		r.Register(factory)
		l.Info("Loaded action plugin", slog.String("plugin", p), slog.String("type", string(factory.ID())))
	}

	return nil
}
