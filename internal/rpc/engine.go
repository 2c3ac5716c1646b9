package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/keelwallet/keel/internal/metrics"
	"github.com/keelwallet/keel/internal/network"
	keelerr "github.com/keelwallet/keel/pkg/errors"
)

// clientKey identifies a cached client: the namespace and chain it
// serves plus the fingerprint of the endpoint it was built against.
type clientKey struct {
	namespace   network.Namespace
	ref         network.Ref
	fingerprint string
}

// EngineConfig configures the client cache and retry engine.
type EngineConfig struct {
	Retry          RetryConfig
	RequestTimeout time.Duration
	RateLimiter    *RateLimiter
	Logger         *slog.Logger
	Metrics        *metrics.Metrics

	// Sleep overrides backoff waiting, for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine caches RPC clients per (namespace, chain, endpoint) and runs
// the retry loop. Cache invalidation is driven by the router's
// endpoint-change events, the same channel the router uses to announce
// failover, which keeps the two views consistent.
type Engine struct {
	registry *network.Registry

	retry   RetryConfig
	timeout time.Duration
	limiter *RateLimiter
	log     *slog.Logger
	metrics *metrics.Metrics
	sleep   sleeper

	mu          sync.Mutex
	clients     map[clientKey]*Client
	destroyed   bool
	unsubscribe func()
}

// NewEngine creates an engine bound to the registry's routing state.
func NewEngine(registry *network.Registry, cfg EngineConfig) *Engine {
	retry := cfg.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = DefaultMaxAttempts
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = DefaultBaseDelay
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default
	}
	sleep := sleeper(defaultSleep)
	if cfg.Sleep != nil {
		sleep = cfg.Sleep
	}

	e := &Engine{
		registry: registry,
		retry:    retry,
		timeout:  cfg.RequestTimeout,
		limiter:  cfg.RateLimiter,
		log:      log,
		metrics:  m,
		sleep:    sleep,
		clients:  make(map[clientKey]*Client),
	}

	e.unsubscribe = registry.Subscribe(func(ev network.Event) {
		if ev.Type == network.EventEndpointChanged || ev.Type == network.EventMetadataChanged {
			e.invalidate(ev.Ref)
		}
	})

	return e
}

// Client returns the cached client for (namespace, ref), building one
// against the chain's active endpoint on a miss. The same instance is
// returned until the router reports an endpoint change for the chain.
func (e *Engine) Client(ns network.Namespace, ref network.Ref) (*Client, error) {
	ep, err := e.registry.ActiveEndpoint(ref)
	if err != nil {
		return nil, err
	}

	fp := network.Endpoint{URL: ep.URL, Type: ep.Type, Headers: ep.Headers}.Fingerprint()
	key := clientKey{namespace: ns, ref: ref, fingerprint: fp}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return nil, keelerr.ErrClientDestroyed
	}

	if client, ok := e.clients[key]; ok {
		e.metrics.RecordClientCache(true)
		return client, nil
	}

	// A stale entry for the same chain under an old fingerprint can
	// linger if invalidation raced a rebuild; drop it here.
	for k, c := range e.clients {
		if k.namespace == ns && k.ref == ref {
			c.close()
			delete(e.clients, k)
		}
	}

	client := newClient(ns, ref, ep, e.timeout)
	e.clients[key] = client
	e.metrics.RecordClientCache(false)
	return client, nil
}

// Request performs a JSON-RPC call with retry and backoff. Every
// attempt's outcome, success or failure, is reported to the router
// with the endpoint index the attempt actually used.
func (e *Engine) Request(ctx context.Context, ns network.Namespace, ref network.Ref, req Request) (json.RawMessage, error) {
	var lastErr error

	for attempt := 0; attempt < e.retry.MaxAttempts; attempt++ {
		client, err := e.Client(ns, ref)
		if err != nil {
			// Routing or construction failures are infrastructural;
			// there is no endpoint to blame or retry against.
			return nil, err
		}

		if err := e.limiter.Wait(ctx, client.EndpointURL()); err != nil {
			return nil, keelerr.Wrap(err, "rate limiter wait")
		}

		start := time.Now()
		result, err := client.Request(ctx, req)
		e.metrics.RecordLatency(time.Since(start))

		if err == nil {
			e.report(ref, network.SuccessOutcome(client.EndpointIndex()))
			return result, nil
		}

		e.report(ref, network.FailureOutcome(client.EndpointIndex(), err))
		lastErr = err

		if !IsRetryable(err) || attempt == e.retry.MaxAttempts-1 {
			break
		}

		e.metrics.RecordRetry()
		e.log.Debug("retrying rpc request",
			slog.String("chain", string(ref)),
			slog.String("method", req.Method),
			slog.Int("attempt", attempt+1),
		)
		if err := e.sleep(ctx, BackoffDelay(attempt, e.retry.BaseDelay)); err != nil {
			return nil, err
		}
	}

	return nil, lastErr
}

// Destroy unsubscribes from router events and drops all cached
// clients. In-flight calls may still settle but their outcomes are no
// longer reported.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	unsubscribe := e.unsubscribe
	clients := e.clients
	e.clients = make(map[clientKey]*Client)
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, c := range clients {
		c.close()
	}
}

// invalidate drops all cached clients for a chain.
func (e *Engine) invalidate(ref network.Ref) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for k, c := range e.clients {
		if k.ref == ref {
			c.close()
			delete(e.clients, k)
		}
	}
}

// report forwards an outcome to the router unless the engine has been
// destroyed.
func (e *Engine) report(ref network.Ref, o network.Outcome) {
	e.mu.Lock()
	destroyed := e.destroyed
	e.mu.Unlock()
	if destroyed {
		return
	}
	_ = e.registry.ReportOutcome(ref, o)
}

// Caller is the narrow request surface handed to adapters: a single
// chain's retrying request channel.
type Caller interface {
	Request(ctx context.Context, req Request) (json.RawMessage, error)
}

type boundCaller struct {
	engine *Engine
	ns     network.Namespace
	ref    network.Ref
}

func (b boundCaller) Request(ctx context.Context, req Request) (json.RawMessage, error) {
	return b.engine.Request(ctx, b.ns, b.ref, req)
}

// Caller binds the engine to one chain for adapter use.
func (e *Engine) Caller(ns network.Namespace, ref network.Ref) Caller {
	return boundCaller{engine: e, ns: ns, ref: ref}
}
