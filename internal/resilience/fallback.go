package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] either
// failed or had an open breaker.
var ErrAllFailed = errors.New("all providers failed")

// fallbackEntry pairs one provider with its dedicated breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallback instances of
// one provider type. Calls go to the first entry whose breaker admits
// them; a failure moves on to the next entry in registration order.
//
// The group must be fully assembled before first use; AddFallback is not
// safe to call concurrently with Execute.
type FallbackGroup[T any] struct {
	entries    []fallbackEntry[T]
	breakerCfg BreakerConfig
}

// NewFallbackGroup creates a group with primary as its first entry.
// breakerCfg seeds each entry's breaker; the entry name overrides
// breakerCfg.Name.
func NewFallbackGroup[T any](primary T, primaryName string, breakerCfg BreakerConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{breakerCfg: breakerCfg}
	g.AddFallback(primaryName, primary)
	return g
}

// AddFallback appends a provider tried after all earlier entries.
func (g *FallbackGroup[T]) AddFallback(name string, value T) {
	cfg := g.breakerCfg
	cfg.Name = name
	g.entries = append(g.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cfg),
	})
}

// Execute tries fn against each entry in order until one succeeds.
// Entries with an open breaker are skipped. When every entry fails the
// last error is wrapped in [ErrAllFailed].
func (g *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(g, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for functions returning a
// value. It is a package-level function because Go methods cannot carry
// their own type parameters.
func ExecuteWithResult[T, R any](g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range g.entries {
		entry := &g.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("provider skipped, circuit open", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next",
				"provider", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
