package rpc

import (
	"fmt"
	"slices"

	berr "github.com/next-trace/blossom/contract/errors"
)

// Registry maps each service to the set of patterns it answers.
// It is built once at startup and is read-only afterwards, so it is safe
// for concurrent use without locking.
type Registry struct {
	services map[ServiceID]map[string]struct{}
}

// NewRegistry builds a registry from pattern descriptors. Declaring the same
// pattern twice for a service is rejected.
func NewRegistry(patterns ...PatternRef) (*Registry, error) {
	r := &Registry{services: make(map[ServiceID]map[string]struct{})}

	for _, p := range patterns {
		set, ok := r.services[p.Service()]
		if !ok {
			set = make(map[string]struct{})
			r.services[p.Service()] = set
		}

		if _, exists := set[p.Name()]; exists {
			return nil, fmt.Errorf("register %s %s: %w", p.Service(), p.Name(), berr.ErrPatternExists)
		}

		set[p.Name()] = struct{}{}
	}

	return r, nil
}

// MustRegistry is NewRegistry for package-level declarations.
func MustRegistry(patterns ...PatternRef) *Registry {
	r, err := NewRegistry(patterns...)
	if err != nil {
		panic(err)
	}

	return r
}

// Has reports whether pattern belongs to svc.
func (r *Registry) Has(svc ServiceID, pattern string) bool {
	if r == nil {
		return false
	}

	_, ok := r.services[svc][pattern]

	return ok
}

// Validate returns an ErrUnknownPattern error when pattern is not declared for svc.
func (r *Registry) Validate(svc ServiceID, pattern string) error {
	if !r.Has(svc, pattern) {
		return fmt.Errorf("%s %q: %w", svc, pattern, berr.ErrUnknownPattern)
	}

	return nil
}

// Patterns lists the patterns of svc in sorted order.
func (r *Registry) Patterns(svc ServiceID) []string {
	if r == nil {
		return nil
	}

	out := make([]string, 0, len(r.services[svc]))
	for name := range r.services[svc] {
		out = append(out, name)
	}

	slices.Sort(out)

	return out
}

// Services lists the known services in sorted order.
func (r *Registry) Services() []ServiceID {
	if r == nil {
		return nil
	}

	out := make([]ServiceID, 0, len(r.services))
	for svc := range r.services {
		out = append(out, svc)
	}

	slices.Sort(out)

	return out
}
