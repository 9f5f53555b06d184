// Package registry maps logical backend names to their static base addresses.
package registry

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

type Registry struct {
	backends map[string]*url.URL
}

func New(backends map[string]string) (*Registry, error) {
	r := &Registry{backends: make(map[string]*url.URL, len(backends))}
	for name, raw := range backends {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("backend %s: unsupported scheme %q", name, u.Scheme)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("backend %s: missing host", name)
		}
		u.Path = strings.TrimSuffix(u.Path, "/")
		r.backends[name] = u
	}
	return r, nil
}

// Resolve returns a copy of the base address registered under name.
func (r *Registry) Resolve(name string) (*url.URL, error) {
	u, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	cp := *u
	return &cp, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
