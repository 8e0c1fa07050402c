package actions

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/entityflow/pkg/schema"
)

// CustomHandler implements a named custom action.
type CustomHandler func(ctx context.Context, in Input) (map[string]any, error)

// Registry is a thread-safe lookup of action kinds and named custom handlers.
type Registry struct {
	mu      sync.RWMutex
	actions map[schema.ActionType]Action
	custom  map[string]CustomHandler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[schema.ActionType]Action),
		custom:  make(map[string]CustomHandler),
	}
}

// Register adds an action kind. Returns an error on a duplicate kind.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeInvalidDefinition, "action is nil")
	}
	kind := action.Type()
	if kind == "" {
		return schema.NewError(schema.ErrCodeInvalidDefinition, "action type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", kind)
	}
	r.actions[kind] = action
	return nil
}

// Get retrieves an action by kind.
func (r *Registry) Get(kind schema.ActionType) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnregisteredHandler, "action %q not registered", kind)
	}
	return action, nil
}

// RegisterCustom adds a named custom action handler.
func (r *Registry) RegisterCustom(name string, h CustomHandler) error {
	if name == "" || h == nil {
		return schema.NewError(schema.ErrCodeInvalidDefinition, "custom action name and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.custom[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "custom action %q already registered", name)
	}
	r.custom[name] = h
	return nil
}

// Custom retrieves a custom handler by name.
func (r *Registry) Custom(name string) (CustomHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.custom[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnregisteredHandler, "custom action %q not registered", name)
	}
	return h, nil
}

// Has checks if an action kind is registered.
func (r *Registry) Has(kind schema.ActionType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[kind]
	return ok
}

// HasCustom checks if a custom handler is registered.
func (r *Registry) HasCustom(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.custom[name]
	return ok
}

// Kinds returns the registered action kinds, sorted.
func (r *Registry) Kinds() []schema.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]schema.ActionType, 0, len(r.actions))
	for k := range r.actions {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
