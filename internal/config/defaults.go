package config

import "github.com/keelwallet/keel/internal/network"

// Default tuning values. The RPC numbers match the retry engine's
// built-in defaults so a partial config behaves the same as no config.
const (
	DefaultMaxAttempts   = 3
	DefaultBaseDelayMs   = 300
	DefaultTimeoutMs     = 20000
	DefaultCooldownMs    = 30000
	DefaultRatePerSecond = 10
	DefaultBurst         = 20

	DefaultPollIntervalMs = 3000
	DefaultMaxWaitMs      = 600000
)

// Defaults returns the default configuration: Ethereum mainnet over two
// public endpoints, info logging to stderr.
func Defaults() *Config {
	return &Config{
		Version: 1,
		Chains: []network.ChainMetadata{
			{
				Ref:      "eip155:1",
				Name:     "Ethereum Mainnet",
				Currency: network.Currency{Name: "Ether", Symbol: "ETH", Decimals: 18},
				Endpoints: []network.Endpoint{
					{URL: "https://eth.llamarpc.com"},
					{URL: "https://ethereum-rpc.publicnode.com"},
				},
			},
		},
		RPC: RPCConfig{
			MaxAttempts:   DefaultMaxAttempts,
			BaseDelayMs:   DefaultBaseDelayMs,
			TimeoutMs:     DefaultTimeoutMs,
			CooldownMs:    DefaultCooldownMs,
			RatePerSecond: DefaultRatePerSecond,
			Burst:         DefaultBurst,
		},
		Tracker: TrackerConfig{
			PollIntervalMs: DefaultPollIntervalMs,
			MaxWaitMs:      DefaultMaxWaitMs,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
