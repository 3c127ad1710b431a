package gateway

import (
	errors "github.com/HaoranTong/ecommerce-platform-sub004/internal"
)

// Registry resolves the adapter for a gateway name. Provider-specific behavior
// stays behind the Adapter interface; the state machine never branches on the
// provider.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	return &Registry{adapters: m}
}

func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, errors.NewValidationError("unknown payment gateway: "+name, errors.ErrCodeInvalidGateway)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
