package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed wraps the collected errors when no backend in a [Chain]
// produced a result.
var ErrAllFailed = errors.New("all backends failed")

// BackendState names one backend of a [Chain] and its breaker state.
type BackendState struct {
	Name  string
	State State
}

type link[T any] struct {
	value   T
	breaker *Breaker
}

// Chain holds backends in preference order, each behind its own [Breaker]
// built from the shared config. Backends are added during setup; after that
// a Chain is safe for concurrent use.
type Chain[T any] struct {
	cfg   BreakerConfig
	links []link[T]
}

// NewChain returns an empty chain whose breakers use cfg.
func NewChain[T any](cfg BreakerConfig) *Chain[T] {
	return &Chain[T]{cfg: cfg}
}

// Add appends a backend with the lowest preference so far.
func (c *Chain[T]) Add(name string, v T) {
	c.links = append(c.links, link[T]{value: v, breaker: NewBreaker(name, c.cfg)})
}

// Len returns the number of backends.
func (c *Chain[T]) Len() int { return len(c.links) }

// States reports every backend's breaker state in preference order.
func (c *Chain[T]) States() []BackendState {
	out := make([]BackendState, len(c.links))
	for i, l := range c.links {
		out[i] = BackendState{Name: l.breaker.Name(), State: l.breaker.State()}
	}
	return out
}

// Try calls fn on each backend in order and returns the first success.
//
// Backends with an open breaker are skipped. An error the breaker config
// classifies as neutral ends the attempt at once and is returned as is.
// Otherwise the error wraps [ErrAllFailed] and every backend's error.
func Try[T, R any](c *Chain[T], fn func(name string, v T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, l := range c.links {
		var out R
		name := l.breaker.Name()
		err := l.breaker.Do(func() error {
			var err error
			out, err = fn(name, l.value)
			return err
		})
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("resilience: backend skipped", "backend", name, "err", err)
		case c.cfg.Neutral != nil && c.cfg.Neutral(err):
			return zero, err
		default:
			slog.Warn("resilience: backend failed", "backend", name, "err", err)
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return zero, fmt.Errorf("%w: no backends", ErrAllFailed)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
