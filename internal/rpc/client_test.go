package rpc_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelwallet/keel/internal/metrics"
	"github.com/keelwallet/keel/internal/network"
	"github.com/keelwallet/keel/internal/rpc"
	keelerr "github.com/keelwallet/keel/pkg/errors"

	"github.com/prometheus/client_golang/prometheus"
)

// newServerRegistry builds a registry with a single chain backed by
// the given server URLs.
func newServerRegistry(t *testing.T, ref network.Ref, urls ...string) *network.Registry {
	t.Helper()

	eps := make([]network.Endpoint, 0, len(urls))
	for _, u := range urls {
		eps = append(eps, network.Endpoint{URL: u})
	}
	r := network.NewRegistry(network.RegistryConfig{
		Metrics: metrics.New(prometheus.NewRegistry()),
	})
	require.NoError(t, r.RegisterChain(&network.ChainMetadata{
		Ref:       ref,
		Name:      "test",
		Currency:  network.Currency{Symbol: "TST", Decimals: 18},
		Endpoints: eps,
	}))
	return r
}

func newTestEngine(t *testing.T, r *network.Registry, cfg rpc.EngineConfig) *rpc.Engine {
	t.Helper()
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(prometheus.NewRegistry())
	}
	e := rpc.NewEngine(r, cfg)
	t.Cleanup(e.Destroy)
	return e
}

func rpcResult(t *testing.T, w http.ResponseWriter, result any) {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":` + string(raw) + `}`))
}

func TestClient_Request_Success(t *testing.T) {
	t.Parallel()

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")

		var env map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		assert.Equal(t, "2.0", env["jsonrpc"])
		assert.Equal(t, "eth_chainId", env["method"])

		rpcResult(t, w, "0x1")
	}))
	defer srv.Close()

	r := network.NewRegistry(network.RegistryConfig{
		Metrics: metrics.New(prometheus.NewRegistry()),
	})
	require.NoError(t, r.RegisterChain(&network.ChainMetadata{
		Ref:  "eip155:1",
		Name: "mainnet",
		Endpoints: []network.Endpoint{{
			URL:     srv.URL,
			Headers: map[string]string{"Authorization": "Bearer secret"},
		}},
	}))
	e := newTestEngine(t, r, rpc.EngineConfig{})

	result, err := e.Request(context.Background(), network.NamespaceEVM, "eip155:1", rpc.Request{Method: "eth_chainId"})
	require.NoError(t, err)

	var hexID string
	require.NoError(t, json.Unmarshal(result, &hexID))
	assert.Equal(t, "0x1", hexID)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestClient_Request_HTTPStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := newServerRegistry(t, "eip155:1", srv.URL)
	e := newTestEngine(t, r, rpc.EngineConfig{
		Retry: rpc.RetryConfig{MaxAttempts: 1},
	})

	_, err := e.Request(context.Background(), network.NamespaceEVM, "eip155:1", rpc.Request{Method: "eth_chainId"})
	require.Error(t, err)
	assert.True(t, keelerr.Is(err, keelerr.ErrHTTPStatus))

	var ke *keelerr.KeelError
	require.True(t, keelerr.As(err, &ke))
	assert.Equal(t, "HTTP 502", ke.Details["status"])
}

func TestClient_Request_RPCError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
	}))
	defer srv.Close()

	r := newServerRegistry(t, "eip155:1", srv.URL)
	e := newTestEngine(t, r, rpc.EngineConfig{
		Retry: rpc.RetryConfig{MaxAttempts: 1},
	})

	_, err := e.Request(context.Background(), network.NamespaceEVM, "eip155:1", rpc.Request{Method: "eth_nope"})
	require.Error(t, err)
	assert.True(t, keelerr.Is(err, keelerr.ErrRPC))

	var ke *keelerr.KeelError
	require.True(t, keelerr.As(err, &ke))
	assert.Equal(t, -32601, ke.RPCCode)
	assert.Equal(t, "method not found", ke.Details["message"])
}

func TestClient_Request_InvalidJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	r := newServerRegistry(t, "eip155:1", srv.URL)
	e := newTestEngine(t, r, rpc.EngineConfig{
		Retry: rpc.RetryConfig{MaxAttempts: 1},
	})

	_, err := e.Request(context.Background(), network.NamespaceEVM, "eip155:1", rpc.Request{Method: "eth_chainId"})
	require.Error(t, err)
	assert.True(t, keelerr.Is(err, keelerr.ErrInvalidResponse))
}

func TestClient_Request_PerRequestTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
			return
		}
		rpcResult(t, w, "0x1")
	}))
	defer srv.Close()

	r := newServerRegistry(t, "eip155:1", srv.URL)
	e := newTestEngine(t, r, rpc.EngineConfig{
		Retry: rpc.RetryConfig{MaxAttempts: 1},
	})

	_, err := e.Request(context.Background(), network.NamespaceEVM, "eip155:1", rpc.Request{
		Method:    "eth_chainId",
		TimeoutMs: 50,
	})
	require.Error(t, err)
	assert.True(t, keelerr.Is(err, keelerr.ErrTimeout))
}
