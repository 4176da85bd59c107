package completion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lexiqai/voice-pipeline/internal/observability"
	"github.com/lexiqai/voice-pipeline/internal/resilience"
)

// Guarded wraps a Provider with a per-call timeout and a circuit breaker.
type Guarded struct {
	provider Provider
	breaker  *resilience.CircuitBreaker
	timeout  time.Duration
}

// NewGuarded builds a guarded provider. The breaker reports into the
// circuit breaker metrics under the provider's name.
func NewGuarded(p Provider, maxFailures int, resetTimeout, timeout time.Duration) *Guarded {
	cb := resilience.NewCircuitBreaker(p.Name(), maxFailures, resetTimeout)
	cb.OnStateChange(func(name string, state resilience.CircuitState, success bool) {
		observability.UpdateCircuitBreakerState(name, int(state))
		if !success {
			observability.IncrementCircuitBreakerFailures(name)
		}
	})
	return &Guarded{provider: p, breaker: cb, timeout: timeout}
}

// Name implements Provider
func (g *Guarded) Name() string {
	return g.provider.Name()
}

// Complete implements Provider
func (g *Guarded) Complete(ctx context.Context, req Request) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	var out string
	err := g.breaker.Call(func() error {
		text, err := g.provider.Complete(ctx, req)
		if err != nil {
			return err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return ErrEmptyResponse
		}
		out = text
		return nil
	})
	return out, err
}

// Ready reports whether the breaker lets calls through
func (g *Guarded) Ready(ctx context.Context) (bool, error) {
	state, requests, failures, rate := g.breaker.GetStats()
	if state == resilience.StateOpen {
		return false, fmt.Errorf("%w: %d of %d calls failed (%.0f%%)", resilience.ErrCircuitOpen, failures, requests, rate)
	}
	return true, nil
}
