package network

import (
	"sort"

	keelerr "github.com/keelwallet/keel/pkg/errors"
)

// Strategy names.
const (
	StrategyRoundRobin = "round-robin"
	StrategyWeighted   = "weighted"
)

// StrategyConfig selects an endpoint strategy for a chain. Options are
// opaque to the router and interpreted by the strategy itself.
type StrategyConfig struct {
	Name    string            `yaml:"name"`
	Options map[string]string `yaml:"options,omitempty"`
}

// DefaultStrategy returns the round-robin strategy config.
func DefaultStrategy() StrategyConfig {
	return StrategyConfig{Name: StrategyRoundRobin}
}

// Strategy orders failover candidates after an endpoint failure. The
// router applies cooldown filtering on top of the returned order, so a
// strategy only expresses preference, never availability.
type Strategy interface {
	Name() string

	// Candidates returns endpoint indexes to try after failedIndex
	// failed, in preference order, excluding failedIndex itself.
	Candidates(meta *ChainMetadata, failedIndex int) []int
}

// StrategyFactory builds a strategy from its opaque options.
type StrategyFactory func(options map[string]string) Strategy

type roundRobinStrategy struct{}

func (roundRobinStrategy) Name() string { return StrategyRoundRobin }

// Candidates scans forward from the failed index, wrapping once.
func (roundRobinStrategy) Candidates(meta *ChainMetadata, failedIndex int) []int {
	n := len(meta.Endpoints)
	if n <= 1 {
		return nil
	}
	out := make([]int, 0, n-1)
	for i := 1; i < n; i++ {
		out = append(out, (failedIndex+i)%n)
	}
	return out
}

type weightedStrategy struct{}

func (weightedStrategy) Name() string { return StrategyWeighted }

// Candidates prefers heavier endpoints, breaking ties by rotation order
// from the failed index so equal-weight chains degrade to round-robin.
func (weightedStrategy) Candidates(meta *ChainMetadata, failedIndex int) []int {
	n := len(meta.Endpoints)
	if n <= 1 {
		return nil
	}
	out := make([]int, 0, n-1)
	for i := 1; i < n; i++ {
		out = append(out, (failedIndex+i)%n)
	}
	sort.SliceStable(out, func(a, b int) bool {
		return meta.Endpoints[out[a]].Weight > meta.Endpoints[out[b]].Weight
	})
	return out
}

// builtinStrategies returns the strategies registered by default.
func builtinStrategies() map[string]StrategyFactory {
	return map[string]StrategyFactory{
		StrategyRoundRobin: func(map[string]string) Strategy { return roundRobinStrategy{} },
		StrategyWeighted:   func(map[string]string) Strategy { return weightedStrategy{} },
	}
}

// resolveStrategy builds the strategy named by cfg, falling back to an
// error for unregistered names.
func resolveStrategy(factories map[string]StrategyFactory, cfg StrategyConfig) (Strategy, error) {
	name := cfg.Name
	if name == "" {
		name = StrategyRoundRobin
	}
	factory, ok := factories[name]
	if !ok {
		return nil, keelerr.WithDetails(keelerr.ErrUnknownStrategy, map[string]string{
			"strategy": name,
		})
	}
	return factory(cfg.Options), nil
}
