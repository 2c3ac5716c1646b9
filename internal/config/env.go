package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/keelwallet/keel/internal/network"
)

// Environment variable names.
const (
	EnvHome        = "KEEL_HOME"
	EnvActiveChain = "KEEL_ACTIVE_CHAIN"
	EnvRPCURL      = "KEEL_RPC_URL"
	EnvMaxAttempts = "KEEL_RPC_MAX_ATTEMPTS"
	EnvTimeoutMs   = "KEEL_RPC_TIMEOUT_MS"
	EnvLogLevel    = "KEEL_LOG_LEVEL"
	EnvLogFile     = "KEEL_LOG_FILE"
)

// ApplyEnvironment applies environment variable overrides to the
// configuration. KEEL_RPC_URL prepends an endpoint to the active chain
// so a local node can be targeted without editing the config file.
func ApplyEnvironment(cfg *Config) {
	if v := os.Getenv(EnvHome); v != "" {
		cfg.Home = v
	}

	if v := os.Getenv(EnvActiveChain); v != "" {
		cfg.ActiveChain = strings.TrimSpace(v)
	}

	if v := os.Getenv(EnvRPCURL); v != "" {
		prependEndpoint(cfg, strings.TrimSpace(v))
	}

	if v := os.Getenv(EnvMaxAttempts); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RPC.MaxAttempts = n
		}
	}

	if v := os.Getenv(EnvTimeoutMs); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RPC.TimeoutMs = n
		}
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = strings.ToLower(strings.TrimSpace(v))
	}

	if v := os.Getenv(EnvLogFile); v != "" {
		cfg.Logging.File = v
	}
}

// prependEndpoint puts a URL at the front of the targeted chain's
// endpoint list, dropping an existing entry for the same URL.
func prependEndpoint(cfg *Config, url string) {
	target := cfg.ActiveChain
	if target == "" && len(cfg.Chains) > 0 {
		target = string(cfg.Chains[0].Ref)
	}

	for i := range cfg.Chains {
		chain := &cfg.Chains[i]
		if string(chain.Ref) != target {
			continue
		}
		endpoints := chain.Endpoints[:0:0]
		endpoints = append(endpoints, network.Endpoint{URL: url})
		for _, ep := range chain.Endpoints {
			if ep.URL != url {
				endpoints = append(endpoints, ep)
			}
		}
		chain.Endpoints = endpoints
		return
	}
}
