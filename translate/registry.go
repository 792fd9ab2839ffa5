package translate

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory creates a Translator for one job.
type Factory func() Translator

type registration struct {
	backend string
	prefix  string
	factory Factory
}

// Registry maps model-name prefixes to backends. Lookups pick the longest
// matching prefix, case-insensitively.
type Registry struct {
	mu    sync.RWMutex
	items []registration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register binds every prefix to backend. Re-registering a prefix replaces
// the previous binding.
func (r *Registry) Register(backend string, prefixes []string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range prefixes {
		p = strings.ToLower(p)
		replaced := false
		for i := range r.items {
			if r.items[i].prefix == p {
				r.items[i] = registration{backend: backend, prefix: p, factory: f}
				replaced = true
			}
		}
		if !replaced {
			r.items = append(r.items, registration{backend: backend, prefix: p, factory: f})
		}
	}
	sort.SliceStable(r.items, func(i, j int) bool {
		return len(r.items[i].prefix) > len(r.items[j].prefix)
	})
}

func (r *Registry) lookup(model string) (registration, error) {
	m := strings.ToLower(strings.TrimSpace(model))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, it := range r.items {
		if strings.HasPrefix(m, it.prefix) {
			return it, nil
		}
	}
	return registration{}, fmt.Errorf("%w: %q", ErrUnsupportedModel, model)
}

// Backend reports which backend serves model.
func (r *Registry) Backend(model string) (string, error) {
	it, err := r.lookup(model)
	if err != nil {
		return "", err
	}
	return it.backend, nil
}

// Resolve returns a fresh Translator for model.
func (r *Registry) Resolve(model string) (Translator, error) {
	it, err := r.lookup(model)
	if err != nil {
		return nil, err
	}
	return it.factory(), nil
}

// Prefixes lists the registered prefixes per backend, for help output.
func (r *Registry) Prefixes() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string)
	for _, it := range r.items {
		out[it.backend] = append(out[it.backend], it.prefix)
	}
	for k := range out {
		sort.Strings(out[k])
	}
	return out
}

// DefaultPrefixes are the model-name prefixes served by each backend.
var DefaultPrefixes = map[string][]string{
	BackendOpenAI:    {"gpt", "text-davinci", "o1", "o3", "o4", "chatgpt"},
	BackendAnthropic: {"claude"},
	BackendGemini:    {"gemini"},
}

// NewDefaultRegistry wires the HTTP backends. providers overrides entries
// from DefaultProviders by ID; onLog is attached to every Client.
func NewDefaultRegistry(providers map[string]Provider, onLog func(format string, args ...any)) *Registry {
	merged := DefaultProviders()
	for id, p := range providers {
		base := merged[id]
		if p.BaseURL != "" {
			base.BaseURL = p.BaseURL
		}
		if p.APIKey != "" {
			base.APIKey = p.APIKey
		}
		if p.Proxy != "" {
			base.Proxy = p.Proxy
		}
		if p.Timeout > 0 {
			base.Timeout = p.Timeout
		}
		if p.Temperature > 0 {
			base.Temperature = p.Temperature
		}
		if p.Name != "" {
			base.Name = p.Name
		}
		base.ID = id
		merged[id] = base
	}

	r := NewRegistry()
	for backend, prefixes := range DefaultPrefixes {
		prov, ok := merged[backend]
		if !ok {
			continue
		}
		r.Register(backend, prefixes, func() Translator {
			c := NewClient(prov)
			c.OnLog = onLog
			return c
		})
	}
	return r
}
