package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] either
// failed or was skipped because its circuit breaker is open.
var ErrAllFailed = errors.New("all backends failed")

// FallbackConfig configures the circuit breaker cloned for each backend
// in a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// member pairs one backend with its dedicated circuit breaker.
type member[T any] struct {
	name    string
	backend T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary backend and an ordered chain of fallbacks
// of the same type. Calls go to the first member whose breaker admits them
// and which completes without error, so a cloud transcription outage does
// not interrupt scoring or live sessions when a local backend is chained
// behind it.
//
// Safe for concurrent use. Members added while calls are in flight are
// seen by later calls.
type FallbackGroup[T any] struct {
	mu      sync.RWMutex
	members []member[T]
	cbCfg   CircuitBreakerConfig
}

// NewFallbackGroup creates a group with primary as its first member.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cbCfg: cfg.CircuitBreaker}
	g.add(primaryName, primary)
	return g
}

// AddFallback appends a backend to the chain. Members are tried in the
// order they were added, after the primary.
func (g *FallbackGroup[T]) AddFallback(name string, backend T) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.add(name, backend)
}

func (g *FallbackGroup[T]) add(name string, backend T) {
	cbCfg := g.cbCfg
	cbCfg.Name = name
	g.members = append(g.members, member[T]{
		name:    name,
		backend: backend,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// snapshot returns the current chain so calls run without holding the
// lock. The slice is append-only, so an older header stays valid.
func (g *FallbackGroup[T]) snapshot() []member[T] {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.members
}

// ExecuteWithResult calls fn against each member of g in order until one
// succeeds, returning that member's result. Members with an open breaker
// are skipped. When every member fails, the returned error wraps
// [ErrAllFailed] together with the last failure.
//
// A method cannot introduce the result type parameter, hence the
// package-level function.
func ExecuteWithResult[T, R any](g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for _, m := range g.snapshot() {
		var result R
		err := m.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(m.backend)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("backend skipped, circuit open", "backend", m.name)
			continue
		}
		slog.Warn("backend failed, trying next", "backend", m.name, "error", err)
	}
	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
