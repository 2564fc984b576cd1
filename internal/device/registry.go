package device

import (
	"fmt"
	"sort"
	"sync"
)

// Info pairs a provider name with its current device count.
type Info struct {
	Name    string `json:"name"`
	Devices int    `json:"devices"`
}

// Registry holds the registered device providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds p under its own name, replacing any provider of that name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Resolve returns the provider registered under name. Every DeviceCount call
// on the returned provider is recorded in the device metrics.
func (r *Registry) Resolve(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("device provider %q is not registered", name)
	}
	return instrumented{p}, nil
}

// List probes every registered provider and returns the results sorted by
// name for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.providers))
	for name, p := range r.providers {
		infos = append(infos, Info{
			Name:    name,
			Devices: instrumented{p}.DeviceCount(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// instrumented records probes of the wrapped provider.
type instrumented struct {
	Provider
}

func (p instrumented) DeviceCount() int {
	n := p.Provider.DeviceCount()
	probesTotal.WithLabelValues(p.Name()).Inc()
	visibleDevices.WithLabelValues(p.Name()).Set(float64(n))
	return n
}
