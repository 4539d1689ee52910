package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/vouch/internal/observe"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] failed or had
// an open circuit breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// Kind names the provider family ("tts", "stt", "transcriber") in logs
	// and metrics.
	Kind string

	// CircuitBreaker is the template for every entry's breaker. Name is
	// replaced with the entry name.
	CircuitBreaker CircuitBreakerConfig

	// Final reports errors that say something about the request rather
	// than the backend. They are returned at once, skip the remaining
	// entries and do not count against the breaker. Context cancellation
	// is always final.
	Final func(error) bool

	// Metrics receives request and failover counts. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup wraps a primary and zero or more fallback instances of the
// same provider type. When the primary fails or its breaker is open, the next
// healthy fallback is tried in registration order.
//
// Entries must be registered before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
	metrics *observe.Metrics
	log     *slog.Logger
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	fg := &FallbackGroup[T]{
		cfg:     cfg,
		metrics: m,
		log:     slog.Default().With("component", "fallback", "kind", cfg.Kind),
	}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend. Fallbacks are tried in the order they are
// added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Names returns the entry names in call order.
func (fg *FallbackGroup[T]) Names() []string {
	out := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		out[i] = e.name
	}
	return out
}

// Execute tries fn against each entry in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry of fg in order until one
// succeeds and returns its result. Entries with an open breaker are skipped.
// A final error is returned unwrapped; otherwise the last error is wrapped in
// [ErrAllFailed].
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	return executeIndexed(ctx, fg, func(_ int, v T) (R, error) { return fn(v) })
}

// executeIndexed is ExecuteWithResult with the entry position passed to fn.
func executeIndexed[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(i int, v T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var (
			result R
			final  error
		)
		err := entry.breaker.Execute(func() error {
			r, err := fn(i, entry.value)
			if err != nil && fg.isFinal(ctx, err) {
				final = err
				return nil
			}
			result = r
			return err
		})
		if final != nil {
			fg.metrics.RecordProviderRequest(ctx, entry.name, fg.cfg.Kind, "rejected")
			return zero, final
		}
		if err == nil {
			fg.metrics.RecordProviderRequest(ctx, entry.name, fg.cfg.Kind, "ok")
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			fg.log.Debug("skipping provider, circuit open", "provider", entry.name)
			continue
		}
		fg.metrics.RecordProviderRequest(ctx, entry.name, fg.cfg.Kind, "error")
		fg.metrics.RecordProviderError(ctx, entry.name, fg.cfg.Kind)
		if i < len(fg.entries)-1 {
			fg.metrics.RecordFailover(ctx, fg.cfg.Kind, entry.name)
			fg.log.Warn("provider failed, trying next", "provider", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

func (fg *FallbackGroup[T]) isFinal(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return true
	}
	return fg.cfg.Final != nil && fg.cfg.Final(err)
}
