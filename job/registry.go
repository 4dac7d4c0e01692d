package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/stromq/strom"
)

// HandlerFunc is a type-erased job handler that accepts a raw JSON
// payload. Typed Definition[T] values are converted to HandlerFunc at
// registration time by closing over JSON unmarshal + the typed handler.
type HandlerFunc func(ctx context.Context, payload []byte, progress ProgressFunc) error

// ValidatorFunc is a type-erased payload validator.
type ValidatorFunc func(payload []byte) error

// Registry maps job type tags to type-erased handlers and validators.
// Executor dispatch is a lookup on the tag, so adding a job type is an
// additive change. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	handlers   map[string]HandlerFunc
	validators map[string]ValidatorFunc
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:   make(map[string]HandlerFunc),
		validators: make(map[string]ValidatorFunc),
	}
}

// RegisterDefinition registers a typed job definition. The generic
// handler is wrapped in a closure that JSON-unmarshals the payload into
// T before calling the typed handler.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, payload []byte, progress ProgressFunc) error {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				return fmt.Errorf("unmarshal payload for job type %q: %w", def.Type, err)
			}
		}
		if progress == nil {
			progress = func(int) {}
		}
		return def.Handler(ctx, t, progress)
	}

	validator := func(payload []byte) error {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				return fmt.Errorf("%w: job type %q: %v", strom.ErrValidation, def.Type, err)
			}
		}
		if def.Validate != nil {
			if err := def.Validate(t); err != nil {
				return fmt.Errorf("%w: job type %q: %v", strom.ErrValidation, def.Type, err)
			}
		}
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Type] = handler
	r.validators[def.Type] = validator
}

// Register registers a raw type-erased handler with no validator. Most
// callers should prefer RegisterDefinition for typed payloads.
func (r *Registry) Register(jobType string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Get returns the handler for the given job type tag.
// Returns false if no handler is registered.
func (r *Registry) Get(jobType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Validate checks a raw payload against the registered validator for
// the job type. Unregistered types pass: the engine treats payloads as
// opaque unless a definition says otherwise.
func (r *Registry) Validate(jobType string, payload []byte) error {
	r.mu.RLock()
	v, ok := r.validators[jobType]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return v(payload)
}

// Types returns all registered job type tags.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
