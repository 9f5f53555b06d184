// Package routes holds the gateway's ordered route table. Routes are evaluated
// in declared order and the first match wins, so exact paths and narrow
// prefixes must be declared before broader prefixes.
package routes

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lifecontrol/internal/breaker"
	"lifecontrol/internal/registry"
)

const wildcard = "/**"

var ErrRouteNotFound = errors.New("route not found")

// Matcher selects requests by method and path. An empty Method matches any
// method. A Path ending in "/**" matches the prefix itself and everything
// below it; any other Path must match exactly.
type Matcher struct {
	Method string
	Path   string
}

func (m Matcher) validate() error {
	if !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("path %q must start with /", m.Path)
	}
	if strings.Contains(strings.TrimSuffix(m.Path, wildcard), "*") {
		return fmt.Errorf("path %q: wildcard only allowed as trailing /**", m.Path)
	}
	return nil
}

func (m Matcher) Match(method, path string) bool {
	if m.Method != "" && m.Method != method {
		return false
	}
	if prefix, ok := strings.CutSuffix(m.Path, wildcard); ok {
		if prefix == "" {
			return true
		}
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
	return path == m.Path
}

type RateLimit struct {
	RPS         float64 `yaml:"rps"`
	Burst       int     `yaml:"burst"`
	MaxInflight int     `yaml:"maxInflight"`
}

// Spec is the declarative form of a route as written in a routes file.
type Spec struct {
	Name      string            `yaml:"name"`
	Method    string            `yaml:"method"`
	Path      string            `yaml:"path"`
	Backend   string            `yaml:"backend"`
	Rewrite   string            `yaml:"rewrite"`
	Timeout   time.Duration     `yaml:"timeout"`
	Breaker   *breaker.Settings `yaml:"breaker"`
	RateLimit *RateLimit        `yaml:"rateLimit"`
}

type Route struct {
	Name    string
	Matcher Matcher
	Target  *url.URL
	// Rewrite replaces the whole inbound path when set.
	Rewrite   string
	Timeout   time.Duration
	Breaker   *breaker.Settings
	RateLimit *RateLimit
}

// OutboundURL builds the backend URL for an inbound request URL. Without a
// rewrite the inbound path keeps its original percent-encoding.
func (r Route) OutboundURL(in *url.URL) *url.URL {
	u := *r.Target
	base := strings.TrimSuffix(r.Target.Path, "/")
	if r.Rewrite != "" {
		u.Path = base + r.Rewrite
		u.RawPath = ""
	} else {
		u.Path = base + in.Path
		u.RawPath = strings.TrimSuffix(r.Target.EscapedPath(), "/") + in.EscapedPath()
	}
	u.RawQuery = in.RawQuery
	return &u
}

type Table struct {
	routes []Route
}

// Build resolves every spec against the backend registry. Route names must
// be unique since they key the circuit breakers.
func Build(specs []Spec, reg *registry.Registry, defaultTimeout time.Duration) (*Table, error) {
	seen := make(map[string]bool, len(specs))
	t := &Table{routes: make([]Route, 0, len(specs))}
	for i, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("route %d: name required", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("route %s: duplicate name", s.Name)
		}
		seen[s.Name] = true

		m := Matcher{Method: strings.ToUpper(s.Method), Path: s.Path}
		if err := m.validate(); err != nil {
			return nil, fmt.Errorf("route %s: %w", s.Name, err)
		}
		if s.Rewrite != "" && !strings.HasPrefix(s.Rewrite, "/") {
			return nil, fmt.Errorf("route %s: rewrite %q must start with /", s.Name, s.Rewrite)
		}
		target, err := reg.Resolve(s.Backend)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", s.Name, err)
		}
		if s.RateLimit != nil && (s.RateLimit.RPS <= 0 || s.RateLimit.Burst < 1 || s.RateLimit.MaxInflight < 1) {
			return nil, fmt.Errorf("route %s: rateLimit needs positive rps, burst and maxInflight", s.Name)
		}
		timeout := s.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		t.routes = append(t.routes, Route{
			Name:      s.Name,
			Matcher:   m,
			Target:    target,
			Rewrite:   s.Rewrite,
			Timeout:   timeout,
			Breaker:   s.Breaker,
			RateLimit: s.RateLimit,
		})
	}
	return t, nil
}

// Match returns the first route whose matcher accepts the request.
func (t *Table) Match(method, path string) (Route, error) {
	for _, r := range t.routes {
		if r.Matcher.Match(method, path) {
			return r, nil
		}
	}
	return Route{}, fmt.Errorf("%w: %s %s", ErrRouteNotFound, method, path)
}

func (t *Table) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

type file struct {
	Routes []Spec `yaml:"routes"`
}

// LoadFile reads route specs from a YAML document with a top-level
// "routes" list.
func LoadFile(path string) ([]Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse routes file: %w", err)
	}
	if len(f.Routes) == 0 {
		return nil, fmt.Errorf("routes file %s declares no routes", path)
	}
	return f.Routes, nil
}

// Default is the built-in table: API docs aggregation first, then the
// service APIs.
func Default() []Spec {
	return []Spec{
		{Name: "product_service_swagger", Method: "GET", Path: "/aggregate/product-service/v3/api-docs", Backend: "product", Rewrite: "/api-docs"},
		{Name: "order_service_swagger", Method: "GET", Path: "/aggregate/order-service/v3/api-docs", Backend: "order", Rewrite: "/api-docs"},
		{Name: "inventory_service_swagger", Method: "GET", Path: "/aggregate/inventory-service/v3/api-docs", Backend: "inventory", Rewrite: "/api-docs"},
		{Name: "lifecontrol_api_swagger", Method: "GET", Path: "/aggregate/lifecontrol-api/v3/api-docs", Backend: "user", Rewrite: "/api-docs"},
		{Name: "product_service", Path: "/api/product/**", Backend: "product"},
		{Name: "order_service", Path: "/api/order/**", Backend: "order"},
		{Name: "inventory_service", Method: "GET", Path: "/api/inventory", Backend: "inventory"},
		{Name: "lifecontrol_api", Path: "/api/user/**", Backend: "user"},
	}
}
