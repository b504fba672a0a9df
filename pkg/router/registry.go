// Package router dispatches free-text task descriptions to registered
// handlers. The primary path is an LLM classification with a strict
// time budget; when the model is slow, unavailable or returns garbage,
// a deterministic keyword matcher answers instead so routing never
// blocks the pipeline.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

var (
	ErrDuplicateHandler = errors.New("handler id already registered")
	ErrEmptyRegistry    = errors.New("no handlers registered")
	ErrUnknownHandler   = errors.New("handler id not registered")
)

// HandlerDescriptor describes one routing target. Capabilities is the
// prose summary shown to the classifier; Keywords feed the fallback
// matcher and carry double weight there.
type HandlerDescriptor struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities string   `json:"capabilities"`
	Keywords     []string `json:"keywords,omitempty"`
}

func (d HandlerDescriptor) validate() error {
	if d.ID == "" {
		return errors.New("handler descriptor missing id")
	}
	if d.Capabilities == "" {
		return fmt.Errorf("handler %s has no capability summary", d.ID)
	}
	return nil
}

// Registry holds the known handlers in registration order. Routing ties
// are broken by that order, so it must be stable across calls.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	handlers map[string]HandlerDescriptor
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerDescriptor)}
}

// Register adds a handler. Registering the same id twice is an error so
// a config mistake surfaces at startup instead of skewing tie-breaks.
func (r *Registry) Register(descriptor HandlerDescriptor) error {
	if err := descriptor.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[descriptor.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, descriptor.ID)
	}
	r.handlers[descriptor.ID] = descriptor
	r.order = append(r.order, descriptor.ID)
	return nil
}

// Get returns the descriptor for an id.
func (r *Registry) Get(id string) (HandlerDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descriptor, ok := r.handlers[id]
	return descriptor, ok
}

// List returns all descriptors in registration order.
func (r *Registry) List() []HandlerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]HandlerDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.handlers[id])
	}
	return out
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// promptList renders the candidate list for the classifier prompt, one
// line per handler.
func (r *Registry) promptList() string {
	var b strings.Builder
	for _, descriptor := range r.List() {
		fmt.Fprintf(&b, "- %s: %s\n", descriptor.ID, descriptor.Capabilities)
	}
	return strings.TrimRight(b.String(), "\n")
}

// LoadRegistry reads handler descriptors from a JSON file and registers
// them in file order.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read handler config: %w", err)
	}

	var descriptors []HandlerDescriptor
	if err := json.Unmarshal(data, &descriptors); err != nil {
		return nil, fmt.Errorf("failed to parse handler config %s: %w", path, err)
	}

	registry := NewRegistry()
	for _, descriptor := range descriptors {
		if err := registry.Register(descriptor); err != nil {
			return nil, err
		}
	}
	if registry.Len() == 0 {
		return nil, ErrEmptyRegistry
	}
	return registry, nil
}
