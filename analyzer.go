// Package visao analyses images for people who are blind or have low vision.
//
// The Analyzer type is the main entry point: create one with New (or
// NewFromConfig), register one backend per mode with RegisterBackend, and
// analyse images with Process or ProcessMany. Successful results are cached
// by content fingerprint so repeated images never reach a backend twice
// while the cache is warm.
package visao

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/visao-labs/visao/backends"
	"github.com/visao-labs/visao/internal/cache"
	"github.com/visao-labs/visao/internal/circuitbreaker"
	"github.com/visao-labs/visao/internal/logging"
	"github.com/visao-labs/visao/internal/metrics"
	"github.com/visao-labs/visao/internal/pool"
	"github.com/visao-labs/visao/internal/ratelimit"
)

// Outcome is the per-mode answer of ProcessMany. Exactly one of Result and
// Err is set.
type Outcome struct {
	Result   *backends.Result `json:"result,omitempty"`
	Err      *backends.Error  `json:"error,omitempty"`
	CacheHit bool             `json:"cache_hit"`
}

// BackendInfo describes a registered backend.
type BackendInfo struct {
	Name         string        `json:"name"`
	Mode         backends.Mode `json:"mode"`
	Timeout      time.Duration `json:"timeout"`
	CircuitState string        `json:"circuit_state"`
}

// Option customises an Analyzer.
type Option func(*Analyzer)

// WithCache replaces the in-memory cache built from the config.
func WithCache(c cache.Cache) Option {
	return func(a *Analyzer) { a.cache = c }
}

// WithPool replaces the fixed worker pool built from the config.
func WithPool(p pool.Pool) Option {
	return func(a *Analyzer) { a.pool = p }
}

// WithPreprocessor sets a transform applied to image bytes before they are
// fingerprinted and sent to a backend.
func WithPreprocessor(fn func([]byte) []byte) Option {
	return func(a *Analyzer) { a.preprocess = fn }
}

// Analyzer fingerprints images, serves cached results, and dispatches misses
// to the backend registered for the requested mode.
type Analyzer struct {
	mu         sync.RWMutex
	config     Config
	cache      cache.Cache
	pool       pool.Pool
	ownsPool   bool
	backends   map[backends.Mode]*guardedBackend
	flight     *singleflight.Group
	preprocess func([]byte) []byte
}

// New creates an Analyzer. Without options it uses an in-memory cache and a
// fixed pool sized from cfg.
func New(cfg Config, opts ...Option) (*Analyzer, error) {
	a := &Analyzer{
		config:   cfg,
		backends: make(map[backends.Mode]*guardedBackend),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.cache == nil {
		a.cache = newMemoryCache(cfg.Cache)
	}
	if a.pool == nil {
		a.pool = pool.NewFixed(cfg.Pool.Workers)
		a.ownsPool = true
	}
	if cfg.Cache.DedupeInFlight {
		a.flight = &singleflight.Group{}
	}
	return a, nil
}

// newMemoryCache treats an entirely zero CacheConfig as "use defaults".
func newMemoryCache(cfg CacheConfig) *cache.Memory {
	maxSize := cfg.MaxSize
	if maxSize == 0 && cfg.TTL == "" {
		maxSize = DefaultCacheMaxSize
	}
	return cache.NewMemory(maxSize, cfg.TTLDuration(), cache.WithEvictHook(func(_ cache.Key, r cache.EvictReason) {
		metrics.CacheEvictions.WithLabelValues(string(r)).Inc()
	}))
}

// RegisterBackend registers b for its mode, replacing any backend previously
// registered for that mode. Timeout, circuit breaker and rate limit come from
// the config entry whose name matches b.Name(), falling back to the per-mode
// defaults.
func (a *Analyzer) RegisterBackend(b backends.Backend) {
	a.mu.Lock()
	defer a.mu.Unlock()

	g := &guardedBackend{Backend: b, timeout: a.config.Timeouts.For(b.Mode())}
	if bc, ok := a.config.Backend(b.Name()); ok {
		if bc.Timeout != "" {
			g.timeout = parseDuration(bc.Timeout, g.timeout)
		}
		if cb := bc.CircuitBreaker; cb != nil {
			g.breaker = circuitbreaker.New(b.Name(), circuitbreaker.Config{
				FailureThreshold: cb.FailureThreshold,
				SuccessThreshold: cb.SuccessThreshold,
				OpenTimeout:      parseDuration(cb.Timeout, 0),
				OnStateChange:    recordBreakerState,
			})
			metrics.CircuitBreakerState.WithLabelValues(b.Name()).Set(float64(circuitbreaker.StateClosed))
		}
		if rl := bc.RateLimit; rl != nil {
			g.limiter = ratelimit.New(rl.RequestsPerSecond, rl.Burst)
		}
	}
	a.backends[b.Mode()] = g
	logging.Logger.Info("backend registered", "backend", b.Name(), "mode", string(b.Mode()), "timeout", g.timeout.String())
}

// Backends lists the registered backends ordered by mode.
func (a *Analyzer) Backends() []BackendInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]BackendInfo, 0, len(a.backends))
	for mode, g := range a.backends {
		out = append(out, BackendInfo{Name: g.Name(), Mode: mode, Timeout: g.timeout, CircuitState: g.circuitState()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mode < out[j].Mode })
	return out
}

func (a *Analyzer) backend(mode backends.Mode) (*guardedBackend, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	g, ok := a.backends[mode]
	return g, ok
}

// Process analyses image in a single mode. A non-nil error is always a
// *backends.Error.
func (a *Analyzer) Process(ctx context.Context, image []byte, mode backends.Mode) (*backends.Result, error) {
	out := a.process(ctx, a.prepare(image), mode)
	if out.Err != nil {
		return nil, out.Err
	}
	return out.Result, nil
}

// ProcessMany analyses image in every requested mode concurrently. Duplicate
// modes are collapsed. Each mode gets its own Outcome; a failure in one mode
// never affects another, and each success is cached as soon as it arrives.
func (a *Analyzer) ProcessMany(ctx context.Context, image []byte, modes []backends.Mode) map[backends.Mode]Outcome {
	image = a.prepare(image)

	unique := make([]backends.Mode, 0, len(modes))
	seen := make(map[backends.Mode]bool, len(modes))
	for _, m := range modes {
		if !seen[m] {
			seen[m] = true
			unique = append(unique, m)
		}
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[backends.Mode]Outcome, len(unique))
	)
	for _, m := range unique {
		wg.Add(1)
		go func(m backends.Mode) {
			defer wg.Done()
			o := a.process(ctx, image, m)
			mu.Lock()
			out[m] = o
			mu.Unlock()
		}(m)
	}
	wg.Wait()
	return out
}

func (a *Analyzer) prepare(image []byte) []byte {
	if a.preprocess == nil {
		return image
	}
	return a.preprocess(image)
}

func (a *Analyzer) process(ctx context.Context, image []byte, mode backends.Mode) Outcome {
	log := logging.FromContext(ctx)
	if !mode.Valid() {
		return Outcome{Err: &backends.Error{
			Kind:    backends.KindInvalidInput,
			Mode:    mode,
			Message: fmt.Sprintf("unknown analysis mode %q", mode),
		}}
	}

	key := cache.Fingerprint(image, mode)
	if res, ok := a.cache.Get(key); ok {
		metrics.CacheLookups.WithLabelValues(string(mode), "hit").Inc()
		log.Debug("cache hit", "mode", string(mode), "key", string(key))
		return Outcome{Result: res, CacheHit: true}
	}
	metrics.CacheLookups.WithLabelValues(string(mode), "miss").Inc()

	g, ok := a.backend(mode)
	if !ok {
		return Outcome{Err: &backends.Error{
			Kind:    backends.KindUnavailable,
			Mode:    mode,
			Message: fmt.Sprintf("no backend registered for mode %q", mode),
		}}
	}

	if a.flight == nil {
		return a.dispatch(ctx, key, g, image)
	}
	// The shared call must not die with whichever caller happened to start it.
	shared := context.WithoutCancel(ctx)
	ch := a.flight.DoChan(string(key), func() (interface{}, error) {
		return a.dispatch(shared, key, g, image), nil
	})
	select {
	case r := <-ch:
		return r.Val.(Outcome)
	case <-ctx.Done():
		return Outcome{Err: contextError(ctx, g)}
	}
}

// dispatch runs one backend call on the pool and caches a success. The call
// keeps running, and is cached, even if ctx ends while it is in flight.
func (a *Analyzer) dispatch(ctx context.Context, key cache.Key, g *guardedBackend, image []byte) Outcome {
	log := logging.FromContext(ctx)
	done := make(chan Outcome, 1)
	callCtx := context.WithoutCancel(ctx)

	job := func() {
		sent := false
		defer func() {
			if sent {
				return
			}
			if r := recover(); r != nil {
				log.Error("analysis job panicked", "backend", g.Name(), "mode", string(g.Mode()), "panic", fmt.Sprint(r))
			}
			done <- Outcome{Err: &backends.Error{Kind: backends.KindUnknown, Backend: g.Name(), Mode: g.Mode(), Message: "analysis job failed"}}
		}()

		start := time.Now()
		res, finished, err := g.invoke(callCtx, image)
		elapsed := time.Since(start)
		metrics.BackendDuration.WithLabelValues(g.Name(), string(g.Mode())).Observe(elapsed.Seconds())

		if err != nil {
			metrics.BackendRequests.WithLabelValues(g.Name(), string(g.Mode()), string(err.Kind)).Inc()
			log.Warn("backend call failed",
				"backend", g.Name(),
				"mode", string(g.Mode()),
				"error_kind", string(err.Kind),
				"error", err.Error(),
				"latency_ms", elapsed.Milliseconds(),
			)
			done <- Outcome{Err: err}
			sent = true
			drain(log, g, finished)
			return
		}

		a.cache.Set(key, res)
		if m, ok := a.cache.(*cache.Memory); ok {
			metrics.CacheEntries.Set(float64(m.Len()))
		}
		metrics.BackendRequests.WithLabelValues(g.Name(), string(g.Mode()), "success").Inc()
		log.Info("backend call completed",
			"backend", g.Name(),
			"mode", string(g.Mode()),
			"latency_ms", elapsed.Milliseconds(),
		)
		done <- Outcome{Result: res}
		sent = true
	}

	if err := a.pool.Submit(ctx, job); err != nil {
		return Outcome{Err: submitError(err, g)}
	}
	select {
	case o := <-done:
		return o
	case <-ctx.Done():
		return Outcome{Err: contextError(ctx, g)}
	}
}

// drain holds the worker until a timed-out backend call has returned, for at
// most one more backend timeout, so the pool size keeps bounding the calls in
// flight.
func drain(log *slog.Logger, g *guardedBackend, finished <-chan struct{}) {
	select {
	case <-finished:
		return
	default:
	}
	t := time.NewTimer(g.timeout)
	defer t.Stop()
	select {
	case <-finished:
	case <-t.C:
		log.Warn("backend call still running after timeout",
			"backend", g.Name(),
			"mode", string(g.Mode()),
		)
	}
}

func submitError(err error, g *guardedBackend) *backends.Error {
	if errors.Is(err, pool.ErrClosed) {
		return &backends.Error{Kind: backends.KindUnavailable, Backend: g.Name(), Mode: g.Mode(), Message: "analyzer is shutting down", Err: err}
	}
	e := *backends.Classify(err)
	e.Backend, e.Mode = g.Name(), g.Mode()
	return &e
}

func contextError(ctx context.Context, g *guardedBackend) *backends.Error {
	e := *backends.Classify(ctx.Err())
	e.Backend, e.Mode = g.Name(), g.Mode()
	return &e
}

// CacheStats reports the result cache's size and bounds.
func (a *Analyzer) CacheStats() cache.Stats {
	return a.cache.Stats()
}

// ClearCache drops every cached result.
func (a *Analyzer) ClearCache() {
	a.cache.Clear()
	metrics.CacheEntries.Set(0)
	logging.Logger.Info("result cache cleared")
}

// Close stops the worker pool if the Analyzer created it.
func (a *Analyzer) Close() {
	if a.ownsPool {
		a.pool.Close()
	}
}
