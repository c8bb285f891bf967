package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/polisai/polis-dlp/internal/governance"
	"github.com/polisai/polis-dlp/pkg/domain"
)

// Guarded wraps a generator with a circuit breaker. Only errors wrapping
// domain.ErrUpstreamUnreachable count as breaker failures. While the circuit
// is open, calls fail fast with domain.ErrUpstreamUnreachable.
type Guarded struct {
	next    domain.Generator
	breaker *governance.CircuitBreaker
}

// NewGuarded protects next with breaker.
func NewGuarded(next domain.Generator, breaker *governance.CircuitBreaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

// Generate implements domain.Generator.
func (g *Guarded) Generate(ctx context.Context, req domain.GenerateRequest) (domain.GenerateResponse, error) {
	var (
		resp      domain.GenerateResponse
		rejection error
	)
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, err = g.next.Generate(ctx, req)
		if err != nil && !errors.Is(err, domain.ErrUpstreamUnreachable) {
			rejection = err
			return nil
		}
		return err
	})
	if errors.Is(err, governance.ErrCircuitOpen) {
		return domain.GenerateResponse{}, fmt.Errorf("%w: %w", domain.ErrUpstreamUnreachable, err)
	}
	if err == nil && rejection != nil {
		return domain.GenerateResponse{}, rejection
	}
	return resp, err
}

// State reports the breaker state.
func (g *Guarded) State() governance.CircuitBreakerState {
	return g.breaker.State()
}
