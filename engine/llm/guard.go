package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/meetpoint/recommender/engine/domain"
	"github.com/meetpoint/recommender/pkg/fn"
	"github.com/meetpoint/recommender/pkg/metrics"
	"github.com/meetpoint/recommender/pkg/resilience"
	"github.com/prometheus/client_golang/prometheus"
)

// GuardOpts configures a Guard.
type GuardOpts struct {
	// Name labels metrics and log lines, e.g. "openai-embed".
	Name    string
	Limiter resilience.LimiterOpts
	Breaker resilience.BreakerOpts
	Retry   fn.RetryOpts
}

// DefaultGuardOpts returns sensible defaults for a request-path provider.
func DefaultGuardOpts(name string) GuardOpts {
	return GuardOpts{
		Name:    name,
		Limiter: resilience.LimiterOpts{Rate: 20, Burst: 10},
		Breaker: resilience.DefaultBreakerOpts,
		Retry:   fn.DefaultRetry,
	}
}

// Guard runs provider calls through a rate limiter, a circuit breaker, and a
// bounded retry. Only retryable ProviderErrors are retried, and only
// ProviderErrors count against the breaker.
type Guard struct {
	name    string
	limiter *resilience.Limiter
	breaker *resilience.Breaker
	retry   fn.RetryOpts
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
	logger  *slog.Logger
}

// NewGuard builds a Guard. reg and logger may be nil.
func NewGuard(opts GuardOpts, reg *metrics.Registry, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", opts.Name)

	bo := opts.Breaker
	bo.IsFailure = func(err error) bool { return errors.Is(err, domain.ErrProvider) }
	userHook := bo.OnStateChange
	bo.OnStateChange = func(from, to resilience.State) {
		logger.Warn("provider circuit state change", "from", from.String(), "to", to.String())
		if userHook != nil {
			userHook(from, to)
		}
	}

	ro := opts.Retry
	ro.Retryable = domain.IsRetryable

	return &Guard{
		name:    opts.Name,
		limiter: resilience.NewLimiter(opts.Limiter),
		breaker: resilience.NewBreaker(bo),
		retry:   ro,
		calls:   reg.Counter("provider_calls_total", "Provider calls by result", "provider", "result"),
		latency: reg.Histogram("provider_call_duration_seconds", "Provider call latency including retries", nil, "provider"),
		logger:  logger,
	}
}

// Do runs f under the guard.
func Do[T any](ctx context.Context, g *Guard, f func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	v, err := fn.Retry(ctx, g.retry, func(ctx context.Context) (T, error) {
		var out T
		if err := g.limiter.Wait(ctx); err != nil {
			return out, err
		}
		err := g.breaker.Call(ctx, func(ctx context.Context) error {
			var err error
			out, err = f(ctx)
			return err
		})
		if err != nil && domain.IsRetryable(err) {
			g.logger.Debug("provider call failed, may retry", "err", err)
		}
		return out, err
	})
	g.latency.WithLabelValues(g.name).Observe(time.Since(start).Seconds())
	g.calls.WithLabelValues(g.name, resultLabel(err)).Inc()
	return v, err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, resilience.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

type guardedEmbedder struct {
	next  Embedder
	guard *Guard
}

// GuardEmbedder wraps e so every Embed call goes through g.
func GuardEmbedder(e Embedder, g *Guard) Embedder {
	return &guardedEmbedder{next: e, guard: g}
}

func (e *guardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return Do(ctx, e.guard, func(ctx context.Context) ([]float32, error) {
		return e.next.Embed(ctx, text)
	})
}

type guardedGenerator struct {
	next  Generator
	guard *Guard
}

// GuardGenerator wraps gen so every Generate call goes through g.
func GuardGenerator(gen Generator, g *Guard) Generator {
	return &guardedGenerator{next: gen, guard: g}
}

func (gg *guardedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return Do(ctx, gg.guard, func(ctx context.Context) (string, error) {
		return gg.next.Generate(ctx, prompt)
	})
}
