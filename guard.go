package visao

import (
	"context"
	"time"

	"github.com/visao-labs/visao/backends"
	"github.com/visao-labs/visao/internal/circuitbreaker"
	"github.com/visao-labs/visao/internal/metrics"
	"github.com/visao-labs/visao/internal/ratelimit"
)

// guardedBackend wraps a backend with its timeout, an optional circuit
// breaker and an optional outbound rate limiter.
type guardedBackend struct {
	backends.Backend
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	limiter *ratelimit.Limiter
}

// closedChan is returned when no backend call was started.
var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// invoke calls the backend unless a local guard refuses. Only failures that
// reflect backend health are fed to the breaker. finished is closed once the
// backend call has returned, which may be after a timeout was reported.
func (g *guardedBackend) invoke(ctx context.Context, image []byte) (res *backends.Result, finished <-chan struct{}, err *backends.Error) {
	if g.limiter != nil && !g.limiter.Allow() {
		metrics.RateLimitRejections.WithLabelValues("backend").Inc()
		return nil, closedChan, &backends.Error{
			Kind:    backends.KindRateLimited,
			Backend: g.Name(),
			Mode:    g.Mode(),
			Message: "local rate limit for backend exceeded",
		}
	}
	if g.breaker != nil && !g.breaker.Allow() {
		return nil, closedChan, &backends.Error{
			Kind:    backends.KindUnavailable,
			Backend: g.Name(),
			Mode:    g.Mode(),
			Message: "backend temporarily disabled after repeated failures",
			Err:     circuitbreaker.ErrCircuitOpen,
		}
	}

	res, finished, err = backends.InvokeWait(ctx, g.Backend, image, g.timeout)
	if g.breaker != nil {
		if err != nil && err.Kind.Transient() {
			g.breaker.RecordFailure()
		} else {
			g.breaker.RecordSuccess()
		}
	}
	return res, finished, err
}

// circuitState reports the breaker state, or "none" without a breaker.
func (g *guardedBackend) circuitState() string {
	if g.breaker == nil {
		return "none"
	}
	return g.breaker.State().String()
}

func recordBreakerState(name string, _, to circuitbreaker.State) {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
}
