// Package breaker keeps one circuit breaker per protected call-site.
//
// Each breaker starts CLOSED and opens after FailureThreshold consecutive
// failures. While OPEN every call is rejected with ErrOpen without invoking
// the protected function. Once ResetTimeout has elapsed since the breaker
// opened, a single trial call is admitted (HALF_OPEN); its success closes the
// breaker and its failure re-opens it with a fresh timeout. Calls arriving
// while the trial is outstanding are rejected with ErrOpen as well.
//
// Rejections are not failures and never move the open timestamp.
package breaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"lifecontrol/internal/observability"
)

// ErrOpen is returned when a call is rejected without being attempted.
var ErrOpen = errors.New("circuit breaker open")

type Settings struct {
	FailureThreshold uint32        `yaml:"failureThreshold" json:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout" json:"resetTimeout"`
}

func (s Settings) validate() error {
	if s.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be >= 1")
	}
	if s.ResetTimeout <= 0 {
		return fmt.Errorf("reset timeout must be positive")
	}
	return nil
}

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func gaugeValue(s State) float64 {
	switch s {
	case StateOpen:
		return observability.BreakerOpen
	case StateHalfOpen:
		return observability.BreakerHalfOpen
	default:
		return observability.BreakerClosed
	}
}

type Registry struct {
	mu       sync.RWMutex
	defaults Settings
	settings map[string]Settings
	breakers map[string]*gobreaker.CircuitBreaker

	Log     *zap.SugaredLogger
	Metrics *observability.Metrics
}

func NewRegistry(defaults Settings, log *zap.SugaredLogger, m *observability.Metrics) (*Registry, error) {
	if err := defaults.validate(); err != nil {
		return nil, fmt.Errorf("breaker defaults: %w", err)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{
		defaults: defaults,
		settings: make(map[string]Settings),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		Log:      log,
		Metrics:  m,
	}, nil
}

// Configure overrides the settings of one breaker. It must be called before
// the breaker handles its first call.
func (r *Registry) Configure(name string, s Settings) error {
	if err := s.validate(); err != nil {
		return fmt.Errorf("breaker %s: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.breakers[name]; ok {
		return fmt.Errorf("breaker %s already in use", name)
	}
	r.settings[name] = s
	return nil
}

func (r *Registry) get(name string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[name]; ok {
		return cb
	}
	s, ok := r.settings[name]
	if !ok {
		s = r.defaults
	}
	threshold := s.FailureThreshold
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		// counts are only cleared by a success or a state change
		Interval: 0,
		Timeout:  s.ResetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: r.onStateChange,
	})
	r.breakers[name] = cb
	if r.Metrics != nil {
		r.Metrics.BreakerState.WithLabelValues(name).Set(observability.BreakerClosed)
	}
	return cb
}

// onStateChange runs under the breaker's own lock; it must not call back
// into the breaker.
func (r *Registry) onStateChange(name string, from, to gobreaker.State) {
	state := fromGobreaker(to)
	r.Log.Warnw("breaker_state_change", "name", name, "from", string(fromGobreaker(from)), "to", string(state))
	if r.Metrics != nil {
		r.Metrics.BreakerState.WithLabelValues(name).Set(gaugeValue(state))
		r.Metrics.BreakerTransitionsTotal.WithLabelValues(name, string(state)).Inc()
	}
}

// Execute runs fn through the named breaker. A non-nil error from fn counts
// as a failure and is returned unchanged. Rejected calls return an error
// wrapping ErrOpen.
func (r *Registry) Execute(name string, fn func() error) error {
	_, err := r.get(name).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrOpen, name)
	}
	return err
}

func (r *Registry) State(name string) State {
	return fromGobreaker(r.get(name).State())
}

// ConsecutiveFailures reports the failures recorded since the last success
// or state change.
func (r *Registry) ConsecutiveFailures(name string) uint32 {
	return r.get(name).Counts().ConsecutiveFailures
}

type Status struct {
	Name                string `json:"name"`
	State               State  `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutiveFailures"`
}

// Snapshot lists every breaker that has been used, sorted by name.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	out := make([]Status, 0, len(names))
	for _, name := range names {
		cb := r.get(name)
		out = append(out, Status{
			Name:                name,
			State:               fromGobreaker(cb.State()),
			ConsecutiveFailures: cb.Counts().ConsecutiveFailures,
		})
	}
	return out
}
