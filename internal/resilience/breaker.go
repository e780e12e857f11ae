// Package resilience keeps synthesis available when a backend misbehaves.
//
// A [Breaker] stops calling a backend after repeated failures and probes it
// again after a cooldown. A [Chain] puts several backends, each behind its
// own breaker, in preference order. [TTSFailover] is the chain murmur uses
// for speech synthesis.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without calling the backend while its breaker
// is open.
var ErrCircuitOpen = errors.New("circuit open")

// State is the mode of a [Breaker].
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// MaxFailures consecutive failures open the breaker. Default 5.
	MaxFailures int

	// Cooldown is how long an open breaker rejects calls. Default 30s.
	Cooldown time.Duration

	// Probes is both the number of concurrent trial calls admitted while
	// half-open and the number of successes that close it again. Default 3.
	Probes int

	// Neutral classifies errors that say nothing about backend health, such
	// as a caller giving up. They are neither failures nor successes.
	Neutral func(error) bool

	// OnStateChange runs after every transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now in tests.
	Now func() time.Time
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// transition is a state change waiting to be reported.
type transition struct {
	from, to State
}

// Breaker is a closed/open/half-open circuit breaker for one backend. It is
// safe for concurrent use.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inflight int
	passed   int
}

// NewBreaker returns a closed breaker guarding the backend called name.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults()}
}

// Name returns the guarded backend's name.
func (b *Breaker) Name() string { return b.name }

// Do calls fn unless the breaker rejects it with an error wrapping
// [ErrCircuitOpen]. fn's error is returned unchanged.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.settle(probe, err)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	var t *transition
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		t = b.setState(StateHalfOpen)
	}
	switch {
	case b.state == StateOpen:
		err = fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
	case b.state == StateHalfOpen && b.inflight >= b.cfg.Probes:
		err = fmt.Errorf("%w: %s probing", ErrCircuitOpen, b.name)
	case b.state == StateHalfOpen:
		b.inflight++
		probe = true
	}
	b.mu.Unlock()
	b.report(t)
	return probe, err
}

func (b *Breaker) settle(probe bool, err error) {
	b.mu.Lock()
	var t *transition
	if probe {
		b.inflight--
	}
	switch {
	case err != nil && b.cfg.Neutral != nil && b.cfg.Neutral(err):
	case err != nil:
		b.failures++
		// A probe that fails after the breaker was reset must not reopen it.
		if (probe && b.state == StateHalfOpen) || (!probe && b.state == StateClosed && b.failures >= b.cfg.MaxFailures) {
			t = b.setState(StateOpen)
		}
	case probe && b.state == StateHalfOpen:
		b.passed++
		if b.passed >= b.cfg.Probes {
			t = b.setState(StateClosed)
		}
	case b.state == StateClosed:
		b.failures = 0
	}
	b.mu.Unlock()
	b.report(t)
}

// setState moves to s and resets the counters that belong to it. Callers
// hold b.mu.
func (b *Breaker) setState(s State) *transition {
	t := &transition{from: b.state, to: s}
	b.state = s
	b.passed = 0
	switch s {
	case StateOpen:
		b.openedAt = b.cfg.Now()
	case StateClosed:
		b.failures = 0
	}
	return t
}

func (b *Breaker) report(t *transition) {
	if t == nil || t.from == t.to {
		return
	}
	level := slog.LevelInfo
	if t.to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "resilience: breaker state changed",
		"backend", b.name, "from", t.from, "to", t.to)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, t.from, t.to)
	}
}

// State reports the current mode. An open breaker whose cooldown has run
// out reads as half-open even before the next call moves it there.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and forgets past failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	t := b.setState(StateClosed)
	b.mu.Unlock()
	b.report(t)
}
