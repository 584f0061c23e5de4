// Registry manages adapter registration and lookup.
//
// DESIGN: Thread-safe map of provider → Adapter.
// Built-in adapters (OpenAI, Anthropic) are registered at startup.
package adapters

import (
	"sync"
)

// Registry manages adapter registration.
type Registry struct {
	adapters map[Provider]Adapter
	mu       sync.RWMutex
}

// NewRegistry creates a new adapter registry with all built-in adapters.
func NewRegistry() *Registry {
	r := &Registry{
		adapters: make(map[Provider]Adapter),
	}

	// Register built-in adapters
	r.Register(NewOpenAIAdapter())
	r.Register(NewAnthropicAdapter())

	return r
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Provider()] = adapter
}

// Get returns an adapter by provider.
func (r *Registry) Get(provider Provider) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[provider]
}

// ForModel classifies the model and returns its adapter plus capabilities.
func (r *Registry) ForModel(model string) (Adapter, Capability) {
	capability := Classify(model)
	return r.Get(capability.Provider), capability
}
