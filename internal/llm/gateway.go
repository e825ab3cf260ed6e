package llm

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/aegis-health/aegis/internal/platform/errs"
)

// Gateway routes completion requests across an ordered provider list. The
// first provider is primary; the rest are failover targets tried in order
// when the previous one rate-limits or fails transiently.
type Gateway struct {
	providers []Provider
	breakers  map[string]*gobreaker.CircuitBreaker
	guard     *Guardrails
	prices    PriceTable
	usage     *Usage
	log       zerolog.Logger
}

// NewGateway creates a Gateway. The provider order is the failover order.
func NewGateway(providers []Provider, guard *Guardrails, prices PriceTable, usage *Usage, log zerolog.Logger) *Gateway {
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(providers))
	for _, p := range providers {
		breakers[p.Name()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    p.Name(),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return &Gateway{
		providers: providers,
		breakers:  breakers,
		guard:     guard,
		prices:    prices,
		usage:     usage,
		log:       log.With().Str("component", "llm-gateway").Logger(),
	}
}

// Usage exposes the counters for reporting endpoints.
func (g *Gateway) Usage() Snapshot {
	return g.usage.Snapshot()
}

// Complete runs guardrails, then tries providers in order. Failover happens
// on RateLimit and Upstream errors and on an open circuit; any other error
// kind is final. A cancelled context returns immediately without accruing
// cost, though the attempt still counts.
func (g *Gateway) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(g.providers) == 0 {
		return nil, errs.New(errs.Internal, "llm: no providers configured")
	}
	if g.guard != nil {
		if err := g.guard.CheckInput(&req); err != nil {
			return nil, err
		}
	}

	g.usage.RecordAttempt()

	var lastErr error
	for _, p := range g.providers {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.Timeout, err, "llm: request cancelled")
		}

		resp, err := g.callThroughBreaker(ctx, p, req)
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				g.log.Warn().Str("provider", p.Name()).Msg("llm: circuit open, failing over")
				lastErr = errs.Wrap(errs.Upstream, err, "llm: provider %s circuit open", p.Name())
				continue
			}
			if errs.Is(err, errs.Timeout) && ctx.Err() != nil {
				// Caller cancellation, not a provider fault. No cost accrued.
				return nil, err
			}
			if errs.Retryable(err) {
				g.log.Warn().Err(err).Str("provider", p.Name()).Msg("llm: transient failure, failing over")
				lastErr = err
				continue
			}
			return nil, err
		}

		resp.Provider = p.Name()
		tokens := resp.InputTokens + resp.OutputTokens
		g.usage.RecordCompletion(resp.Model, tokens, g.prices.Cost(resp.Model, resp.InputTokens, resp.OutputTokens))

		if g.guard != nil {
			if err := g.guard.CheckOutput(resp); err != nil {
				return nil, err
			}
		}
		return resp, nil
	}

	if lastErr == nil {
		lastErr = errs.New(errs.Upstream, "llm: no provider available")
	}
	return nil, lastErr
}

func (g *Gateway) callThroughBreaker(ctx context.Context, p Provider, req Request) (*Response, error) {
	breaker := g.breakers[p.Name()]
	out, err := breaker.Execute(func() (any, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Response), nil
}

// Stream streams from the primary provider only; there is no mid-stream
// failover because partial output cannot be replayed safely.
func (g *Gateway) Stream(ctx context.Context, req Request, fn func(chunk string) error) error {
	if len(g.providers) == 0 {
		return errs.New(errs.Internal, "llm: no providers configured")
	}
	if g.guard != nil {
		if err := g.guard.CheckInput(&req); err != nil {
			return err
		}
	}

	g.usage.RecordAttempt()

	primary := g.providers[0]
	redacting := func(chunk string) error {
		if g.guard != nil {
			chunk = g.guard.redactor.Redact(chunk, "[REDACTED]")
		}
		return fn(chunk)
	}
	if err := primary.Stream(ctx, req, redacting); err != nil {
		return errs.Wrap(errs.Upstream, err, "llm: stream via %s", primary.Name())
	}
	return nil
}
