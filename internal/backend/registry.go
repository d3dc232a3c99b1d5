package backend

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/seantiz/kiln/internal/model"
)

// BackendInfo pairs a backend name with its capabilities.
type BackendInfo struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds the registered backends keyed by selector name.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend to the registry under its Name.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("backend %q is not registered", name)
	}
	return b, nil
}

// Supports reports whether the named backend is registered and can host the
// language. Failures are model.ValidationErrors.
func (r *Registry) Supports(name, language string) error {
	b, err := r.Get(name)
	if err != nil {
		return &model.ValidationError{Field: "virtualization_backend", Reason: err.Error()}
	}
	caps := b.Capabilities()
	if !slices.Contains(caps.SupportedLanguages, language) {
		return &model.ValidationError{
			Field:  "virtualization_backend",
			Reason: fmt.Sprintf("backend %q does not support language %q (supported: %v)", name, language, caps.SupportedLanguages),
		}
	}
	return nil
}

// List returns information about all registered backends, sorted by name
// for a stable API response.
func (r *Registry) List() []BackendInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]BackendInfo, 0, len(r.backends))
	for name, b := range r.backends {
		infos = append(infos, BackendInfo{
			Name:         name,
			Capabilities: b.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
