// Package network provides the chain registry and per-chain endpoint
// routing, including endpoint health tracking and failover.
package network

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	keelerr "github.com/keelwallet/keel/pkg/errors"
)

// Namespace identifies a protocol family and selects the transaction
// adapter and RPC dialect for a chain.
type Namespace string

// Known namespaces.
const (
	NamespaceEVM Namespace = "eip155"
)

// Ref is a CAIP-2 chain reference of the form "namespace:reference",
// for example "eip155:1".
type Ref string

// ParseRef parses and validates a CAIP-2 chain reference.
func ParseRef(s string) (Ref, error) {
	r := Ref(s)
	if !r.IsValid() {
		return "", keelerr.WithDetails(keelerr.ErrInvalidChainRef, map[string]string{
			"ref": s,
		})
	}
	return r, nil
}

// IsValid reports whether the reference has a non-empty namespace and
// reference part.
func (r Ref) IsValid() bool {
	ns, rest, ok := strings.Cut(string(r), ":")
	return ok && ns != "" && rest != ""
}

// Namespace returns the namespace part of the reference.
func (r Ref) Namespace() Namespace {
	ns, _, _ := strings.Cut(string(r), ":")
	return Namespace(ns)
}

// Reference returns the chain-specific part of the reference.
func (r Ref) Reference() string {
	_, rest, _ := strings.Cut(string(r), ":")
	return rest
}

// String returns the reference string.
func (r Ref) String() string {
	return string(r)
}

// EndpointType is the transport used to reach an RPC endpoint.
type EndpointType string

// Supported endpoint transports.
const (
	EndpointHTTP EndpointType = "http"
	EndpointWS   EndpointType = "ws"
)

// Endpoint describes a single RPC endpoint of a chain.
type Endpoint struct {
	URL     string            `yaml:"url" validate:"required"`
	Type    EndpointType      `yaml:"type,omitempty"`
	Weight  int               `yaml:"weight,omitempty" validate:"gte=0"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// EffectiveType returns the endpoint transport, defaulting to HTTP.
func (e Endpoint) EffectiveType() EndpointType {
	if e.Type == "" {
		return EndpointHTTP
	}
	return e.Type
}

// Fingerprint identifies the endpoint's connection parameters. Clients
// built against an endpoint are cached under this value, so it must
// change whenever the URL or headers change.
func (e Endpoint) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n", e.URL, e.EffectiveType())
	keys := make([]string, 0, len(e.Headers))
	for k := range e.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s:%s\n", k, e.Headers[k])
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Currency describes a chain's native currency.
type Currency struct {
	Name     string `yaml:"name,omitempty"`
	Symbol   string `yaml:"symbol" validate:"required"`
	Decimals int    `yaml:"decimals" validate:"gte=0,lte=36"`
}

// ChainMetadata is the immutable descriptor of a known chain.
type ChainMetadata struct {
	Ref       Ref        `yaml:"ref" validate:"required"`
	Name      string     `yaml:"name" validate:"required"`
	Currency  Currency   `yaml:"currency"`
	Endpoints []Endpoint `yaml:"endpoints" validate:"required,min=1,dive"`
}

// Validate checks the chain metadata invariants: a valid reference, at
// least one endpoint, and unique endpoint URLs.
func (m *ChainMetadata) Validate() error {
	if !m.Ref.IsValid() {
		return keelerr.WithDetails(keelerr.ErrInvalidChainRef, map[string]string{
			"ref": string(m.Ref),
		})
	}
	if len(m.Endpoints) == 0 {
		return keelerr.WithDetails(keelerr.ErrNoEndpoints, map[string]string{
			"chain": string(m.Ref),
		})
	}
	seen := make(map[string]struct{}, len(m.Endpoints))
	for _, ep := range m.Endpoints {
		if ep.URL == "" {
			return keelerr.WithDetails(keelerr.ErrInvalidInput, map[string]string{
				"chain":  string(m.Ref),
				"reason": "endpoint URL is empty",
			})
		}
		if _, dup := seen[ep.URL]; dup {
			return keelerr.WithDetails(keelerr.ErrDuplicateEndpoint, map[string]string{
				"chain": string(m.Ref),
				"url":   ep.URL,
			})
		}
		seen[ep.URL] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy of the metadata.
func (m *ChainMetadata) Clone() *ChainMetadata {
	if m == nil {
		return nil
	}
	out := *m
	out.Endpoints = make([]Endpoint, len(m.Endpoints))
	for i, ep := range m.Endpoints {
		cp := ep
		if ep.Headers != nil {
			cp.Headers = make(map[string]string, len(ep.Headers))
			for k, v := range ep.Headers {
				cp.Headers[k] = v
			}
		}
		out.Endpoints[i] = cp
	}
	return &out
}

// Fingerprint is a content hash over the full metadata. ReplaceState
// uses it to suppress spurious metadata-changed events.
func (m *ChainMetadata) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n%s\n%d\n",
		m.Ref, m.Name, m.Currency.Name, m.Currency.Symbol, m.Currency.Decimals)
	for _, ep := range m.Endpoints {
		fmt.Fprintf(h, "%s\n%d\n", ep.Fingerprint(), ep.Weight)
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// EndpointListFingerprint hashes the ordered endpoint URL list only.
// Endpoint health survives a metadata update exactly when this value
// is unchanged.
func (m *ChainMetadata) EndpointListFingerprint() string {
	h := sha256.New()
	for _, ep := range m.Endpoints {
		fmt.Fprintf(h, "%s\n", ep.URL)
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// ActiveEndpoint describes the endpoint currently selected for a chain.
type ActiveEndpoint struct {
	Index   int
	URL     string
	Type    EndpointType
	Weight  int
	Headers map[string]string
}
