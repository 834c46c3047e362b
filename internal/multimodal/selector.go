package multimodal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/circuitbreaker"
)

// ErrNoProvider means no configured provider can take the request right now.
var ErrNoProvider = errors.New("no available provider")

// Selector picks providers in configuration order, skipping those whose
// circuit breaker is open, and throttles each provider with its own
// token bucket.
type Selector struct {
	breakers *circuitbreaker.Group
	logger   *zap.Logger

	mu        sync.RWMutex
	providers []Provider
	limiters  map[string]*rate.Limiter
}

// NewSelector creates a selector over providers.
func NewSelector(providers []Provider, limits map[string]RateLimit, breakers *circuitbreaker.Group, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if breakers == nil {
		breakers = circuitbreaker.NewGroup("provider", circuitbreaker.DefaultConfig(), logger)
	}
	s := &Selector{breakers: breakers, logger: logger}
	s.Replace(providers, limits)
	return s
}

// Replace swaps the provider set, e.g. after the catalog file changed.
// Attempts already running keep the provider they picked.
func (s *Selector) Replace(providers []Provider, limits map[string]RateLimit) {
	limiters := make(map[string]*rate.Limiter, len(limits))
	for name, l := range limits {
		limiters[name] = rate.NewLimiter(rate.Limit(l.RPS), l.Burst)
	}
	s.mu.Lock()
	s.providers = append([]Provider(nil), providers...)
	s.limiters = limiters
	s.mu.Unlock()

	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}
	s.logger.Info("Multimodal providers configured", zap.Strings("providers", names))
}

// Supports reports whether any configured provider handles m, regardless
// of breaker state.
func (s *Selector) Supports(m Modality) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.providers {
		if p.Supports(m) {
			return true
		}
	}
	return false
}

// Pick returns the first provider for m whose breaker admits calls.
func (s *Selector) Pick(m Modality) (Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := false
	for _, p := range s.providers {
		if !p.Supports(m) {
			continue
		}
		seen = true
		if s.breakers.Get(p.Name()).Allow() {
			return p, nil
		}
	}
	if !seen {
		return nil, fmt.Errorf("%w for modality %s", ErrNoProvider, m)
	}
	return nil, fmt.Errorf("%w for modality %s: all circuit breakers open", ErrNoProvider, m)
}

// Invoke waits for p's rate limiter and runs fn through p's breaker.
func (s *Selector) Invoke(ctx context.Context, p Provider, fn func(ctx context.Context) error) error {
	s.mu.RLock()
	limiter := s.limiters[p.Name()]
	s.mu.RUnlock()

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			// Wait fails early when the next token lands past the deadline.
			if _, ok := ctx.Deadline(); ok {
				return fmt.Errorf("%w: %s rate limit: %v", context.DeadlineExceeded, p.Name(), err)
			}
			return err
		}
	}
	return s.breakers.Get(p.Name()).Execute(ctx, fn)
}

// Names returns the configured provider names in order.
func (s *Selector) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p.Name())
	}
	return out
}

// BreakerStates reports the circuit state of every configured provider.
func (s *Selector) BreakerStates() map[string]circuitbreaker.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]circuitbreaker.State, len(s.providers))
	for _, p := range s.providers {
		out[p.Name()] = s.breakers.Get(p.Name()).State()
	}
	return out
}
