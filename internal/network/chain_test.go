package network_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelwallet/keel/internal/network"
)

func TestParseRef(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		wantErr bool
	}{
		{"eip155:1", false},
		{"acme:testnet-2", false},
		{"eip155", true},
		{":1", true},
		{"eip155:", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			ref, err := network.ParseRef(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.input, ref.String())
		})
	}
}

func TestRef_Parts(t *testing.T) {
	t.Parallel()

	ref := network.Ref("eip155:1")
	assert.Equal(t, network.NamespaceEVM, ref.Namespace())
	assert.Equal(t, "1", ref.Reference())
}

func TestEndpoint_FingerprintChangesWithHeaders(t *testing.T) {
	t.Parallel()

	base := network.Endpoint{URL: "https://rpc.example"}
	withAuth := network.Endpoint{
		URL:     "https://rpc.example",
		Headers: map[string]string{"Authorization": "Bearer x"},
	}

	assert.NotEqual(t, base.Fingerprint(), withAuth.Fingerprint())
	assert.Equal(t, base.Fingerprint(), network.Endpoint{URL: "https://rpc.example"}.Fingerprint())
}

func TestEndpoint_EffectiveType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, network.EndpointHTTP, network.Endpoint{URL: "https://x"}.EffectiveType())
	assert.Equal(t, network.EndpointWS, network.Endpoint{URL: "wss://x", Type: network.EndpointWS}.EffectiveType())
}

func TestChainMetadata_FingerprintCoversDisplayFields(t *testing.T) {
	t.Parallel()

	a := testChain("eip155:1", "https://a.example")
	b := testChain("eip155:1", "https://a.example")
	require.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.Name = "Renamed"
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestChainMetadata_EndpointListFingerprint(t *testing.T) {
	t.Parallel()

	a := testChain("eip155:1", "https://a.example", "https://b.example")
	b := testChain("eip155:1", "https://a.example", "https://b.example")
	b.Name = "Renamed"

	// Display changes do not disturb the endpoint list identity.
	assert.Equal(t, a.EndpointListFingerprint(), b.EndpointListFingerprint())

	reordered := testChain("eip155:1", "https://b.example", "https://a.example")
	assert.NotEqual(t, a.EndpointListFingerprint(), reordered.EndpointListFingerprint())
}
