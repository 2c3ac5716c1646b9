package network

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/keelwallet/keel/internal/metrics"
	keelerr "github.com/keelwallet/keel/pkg/errors"
)

// defaultCooldown is applied to a failed endpoint when the outcome does
// not carry its own cooldown.
const defaultCooldown = 30 * time.Second

// suggestionMaxDistance bounds the edit distance for "did you mean"
// suggestions on unknown chain references.
const suggestionMaxDistance = 3

// RoutingState is the per-chain routing record: the active endpoint
// index and the selection strategy.
type RoutingState struct {
	ActiveIndex int
	Strategy    StrategyConfig
}

// chainState bundles a chain's metadata with its routing and health.
// All mutation happens under the registry lock.
type chainState struct {
	meta     *ChainMetadata
	routing  RoutingState
	strategy Strategy
	health   []EndpointHealth
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// DefaultCooldown is the failure cooldown used when an outcome does
	// not specify one. Zero means defaultCooldown.
	DefaultCooldown time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Registry is the catalog of known chains plus the endpoint router.
// It owns all routing state and endpoint health; callers only ever see
// cloned snapshots.
type Registry struct {
	mu         sync.Mutex
	chains     map[Ref]*chainState
	order      []Ref
	active     Ref
	strategies map[string]StrategyFactory

	cooldown time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	hub      *eventHub
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	cooldown := cfg.DefaultCooldown
	if cooldown == 0 {
		cooldown = defaultCooldown
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		chains:     make(map[Ref]*chainState),
		strategies: builtinStrategies(),
		cooldown:   cooldown,
		log:        log,
		metrics:    m,
		now:        now,
		hub:        newEventHub(),
	}
}

// Subscribe registers an event callback and returns an unsubscribe
// function. Callbacks run synchronously on the mutating goroutine,
// after the registry lock is released.
func (r *Registry) Subscribe(fn func(Event)) func() {
	return r.hub.subscribe(fn)
}

// RegisterStrategy adds a selection strategy under the given name,
// replacing any existing registration.
func (r *Registry) RegisterStrategy(name string, factory StrategyFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = factory
}

// RegisterChain adds a chain to the registry with fresh routing state
// and health records. The first registered chain becomes active.
func (r *Registry) RegisterChain(meta *ChainMetadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.chains[meta.Ref]; exists {
		r.mu.Unlock()
		return keelerr.WithDetails(keelerr.ErrInvalidInput, map[string]string{
			"chain":  string(meta.Ref),
			"reason": "chain already registered",
		})
	}

	strategy, err := resolveStrategy(r.strategies, DefaultStrategy())
	if err != nil {
		r.mu.Unlock()
		return err
	}

	r.chains[meta.Ref] = &chainState{
		meta:     meta.Clone(),
		routing:  RoutingState{ActiveIndex: 0, Strategy: DefaultStrategy()},
		strategy: strategy,
		health:   make([]EndpointHealth, len(meta.Endpoints)),
	}
	r.order = append(r.order, meta.Ref)

	var events []Event
	if r.active == "" {
		r.active = meta.Ref
		events = append(events, Event{Type: EventChainSwitched, Ref: meta.Ref})
	}
	events = append(events, Event{Type: EventStateChanged, Ref: meta.Ref})
	r.mu.Unlock()

	r.hub.emit(events...)
	return nil
}

// ActiveChain returns the metadata of the currently active chain.
func (r *Registry) ActiveChain() (*ChainMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.chains[r.active]
	if !ok {
		return nil, keelerr.WithDetails(keelerr.ErrUnknownChain, map[string]string{
			"reason": "no active chain",
		})
	}
	return st.meta.Clone(), nil
}

// ActiveRef returns the reference of the currently active chain.
func (r *Registry) ActiveRef() Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// GetChain returns a clone of the metadata for ref.
func (r *Registry) GetChain(ref Ref) (*ChainMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getChainLocked(ref)
}

func (r *Registry) getChainLocked(ref Ref) (*ChainMetadata, error) {
	st, ok := r.chains[ref]
	if !ok {
		return nil, r.unknownChainLocked(ref)
	}
	return st.meta.Clone(), nil
}

// unknownChainLocked builds an unknown-chain error, attaching a
// did-you-mean suggestion when a registered ref is close enough.
func (r *Registry) unknownChainLocked(ref Ref) error {
	err := keelerr.WithDetails(keelerr.ErrUnknownChain, map[string]string{
		"chain": string(ref),
	})

	best := ""
	bestDist := suggestionMaxDistance + 1
	for known := range r.chains {
		dist := levenshtein.ComputeDistance(string(ref), string(known))
		if dist < bestDist {
			best = string(known)
			bestDist = dist
		}
	}
	if best != "" {
		err = keelerr.WithSuggestion(err, fmt.Sprintf("did you mean %q?", best))
	}
	return err
}

// List returns all registered chains in registration order.
func (r *Registry) List() []*ChainMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*ChainMetadata, 0, len(r.order))
	for _, ref := range r.order {
		out = append(out, r.chains[ref].meta.Clone())
	}
	return out
}

// SwitchChain makes target the active chain and returns its metadata.
// Switching to the already-active chain is a no-op.
func (r *Registry) SwitchChain(target Ref) (*ChainMetadata, error) {
	r.mu.Lock()

	st, ok := r.chains[target]
	if !ok {
		err := r.unknownChainLocked(target)
		r.mu.Unlock()
		return nil, err
	}

	if r.active == target {
		meta := st.meta.Clone()
		r.mu.Unlock()
		return meta, nil
	}

	r.active = target
	meta := st.meta.Clone()
	r.mu.Unlock()

	r.hub.emit(Event{Type: EventChainSwitched, Ref: target})
	return meta, nil
}

// ActiveEndpoint returns the currently selected endpoint for ref, or
// for the active chain when ref is empty.
func (r *Registry) ActiveEndpoint(ref Ref) (ActiveEndpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ref == "" {
		ref = r.active
	}

	st, ok := r.chains[ref]
	if !ok {
		return ActiveEndpoint{}, r.unknownChainLocked(ref)
	}
	if len(st.meta.Endpoints) == 0 {
		// Registration validates this; reaching here means corrupted state.
		return ActiveEndpoint{}, keelerr.WithDetails(keelerr.ErrNoEndpoints, map[string]string{
			"chain": string(ref),
		})
	}

	idx := st.routing.ActiveIndex
	ep := st.meta.Endpoints[idx]

	headers := make(map[string]string, len(ep.Headers))
	for k, v := range ep.Headers {
		headers[k] = v
	}

	return ActiveEndpoint{
		Index:   idx,
		URL:     ep.URL,
		Type:    ep.EffectiveType(),
		Weight:  ep.Weight,
		Headers: headers,
	}, nil
}

// Routing returns a copy of the chain's routing state.
func (r *Registry) Routing(ref Ref) (RoutingState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.chains[ref]
	if !ok {
		return RoutingState{}, r.unknownChainLocked(ref)
	}
	return st.routing, nil
}

// SetStrategy swaps the selection strategy for a chain. It always
// triggers a state-changed notification.
func (r *Registry) SetStrategy(ref Ref, cfg StrategyConfig) error {
	r.mu.Lock()

	st, ok := r.chains[ref]
	if !ok {
		err := r.unknownChainLocked(ref)
		r.mu.Unlock()
		return err
	}

	strategy, err := resolveStrategy(r.strategies, cfg)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	st.routing.Strategy = cfg
	st.strategy = strategy
	r.mu.Unlock()

	r.hub.emit(Event{Type: EventStateChanged, Ref: ref})
	return nil
}

// ReplaceState reconciles the registry against a full chain list, as
// loaded from preferences at startup. Health records survive only for
// chains whose endpoint list is identical to before (same URLs, same
// order, same count); active indexes are clamped when the endpoint
// count shrank. Metadata-changed events fire per content fingerprint,
// so a no-op reconciliation emits nothing.
func (r *Registry) ReplaceState(next []*ChainMetadata, active Ref) error {
	seen := make(map[Ref]struct{}, len(next))
	for _, meta := range next {
		if err := meta.Validate(); err != nil {
			return err
		}
		if _, dup := seen[meta.Ref]; dup {
			return keelerr.WithDetails(keelerr.ErrInvalidInput, map[string]string{
				"chain":  string(meta.Ref),
				"reason": "duplicate chain in replacement state",
			})
		}
		seen[meta.Ref] = struct{}{}
	}
	if active != "" {
		if _, ok := seen[active]; !ok {
			return keelerr.WithDetails(keelerr.ErrUnknownChain, map[string]string{
				"chain":  string(active),
				"reason": "active chain missing from replacement state",
			})
		}
	}

	r.mu.Lock()

	var events []Event

	chains := make(map[Ref]*chainState, len(next))
	order := make([]Ref, 0, len(next))

	for _, meta := range next {
		clone := meta.Clone()
		st := &chainState{meta: clone}

		old, existed := r.chains[meta.Ref]
		if existed && old.meta.EndpointListFingerprint() == clone.EndpointListFingerprint() {
			st.health = old.health
		} else {
			st.health = make([]EndpointHealth, len(clone.Endpoints))
		}

		if existed {
			st.routing = old.routing
			st.strategy = old.strategy
			if st.routing.ActiveIndex >= len(clone.Endpoints) {
				st.routing.ActiveIndex = len(clone.Endpoints) - 1
			}
		} else {
			strategy, err := resolveStrategy(r.strategies, DefaultStrategy())
			if err != nil {
				r.mu.Unlock()
				return err
			}
			st.routing = RoutingState{ActiveIndex: 0, Strategy: DefaultStrategy()}
			st.strategy = strategy
		}

		if !existed || old.meta.Fingerprint() != clone.Fingerprint() {
			events = append(events, Event{Type: EventMetadataChanged, Ref: meta.Ref})
		}

		chains[meta.Ref] = st
		order = append(order, meta.Ref)
	}

	r.chains = chains
	r.order = order

	prevActive := r.active
	switch {
	case active != "":
		r.active = active
	case prevActive != "":
		if _, stillKnown := chains[prevActive]; !stillKnown && len(order) > 0 {
			r.active = order[0]
		}
	default:
		if len(order) > 0 {
			r.active = order[0]
		}
	}
	if r.active != prevActive {
		events = append(events, Event{Type: EventChainSwitched, Ref: r.active})
	}

	r.mu.Unlock()

	r.hub.emit(events...)
	return nil
}
