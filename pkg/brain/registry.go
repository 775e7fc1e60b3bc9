package brain

import (
	"sync"

	"github.com/corvid-labs/axon/pkg/schema"
)

// Registry is the explicit brain catalog handed to the engine at
// construction, plus the webhook handlers registered per slug. There is no
// package-level registration; callers build a Registry and pass it where it
// is needed.
type Registry struct {
	mu       sync.RWMutex
	brains   map[string]*Brain
	order    []string
	handlers map[string]WebhookHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		brains:   make(map[string]*Brain),
		handlers: make(map[string]WebhookHandler),
	}
}

// Register validates the brain and adds it under its title.
// Re-registering a title is a CONFLICT.
func (r *Registry) Register(b *Brain) error {
	if b == nil {
		return schema.NewError(schema.ErrCodeInvalidInput, "nil brain")
	}
	if err := Validate(b).ToError(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.brains[b.Title]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "brain %q already registered", b.Title)
	}
	r.brains[b.Title] = b
	r.order = append(r.order, b.Title)
	return nil
}

// Get returns the brain registered under title.
func (r *Registry) Get(title string) (*Brain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.brains[title]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "brain %q not registered", title)
	}
	return b, nil
}

// List returns all registered brains in registration order.
func (r *Registry) List() []*Brain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Brain, 0, len(r.order))
	for _, title := range r.order {
		out = append(out, r.brains[title])
	}
	return out
}

// RegisterHandler binds a webhook handler to a slug. Slugs without a
// registered handler fall back to the built-in form semantics; a slug with
// one is treated as a user webhook, whose early deliveries queue instead of
// reporting not_found. Re-registering a slug is a CONFLICT.
func (r *Registry) RegisterHandler(slug string, h WebhookHandler) error {
	if slug == "" {
		return schema.NewError(schema.ErrCodeInvalidInput, "empty webhook slug")
	}
	if h == nil {
		return schema.NewError(schema.ErrCodeInvalidInput, "nil webhook handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[slug]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "webhook handler for %q already registered", slug)
	}
	r.handlers[slug] = h
	return nil
}

// Handler returns the webhook handler registered for slug, and whether one
// was registered at all.
func (r *Registry) Handler(slug string) (WebhookHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[slug]
	return h, ok
}
