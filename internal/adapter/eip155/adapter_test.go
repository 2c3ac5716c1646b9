package eip155

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"testing"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelwallet/keel/internal/network"
	"github.com/keelwallet/keel/internal/rpc"
	"github.com/keelwallet/keel/internal/txengine"
)

const (
	testRef  = network.Ref("eip155:1")
	testFrom = "0x8ba1f109551bd432803012645ac136ddd64dba72"
	testTo   = "0x1111111111111111111111111111111111111111"
)

// fakeCaller routes JSON-RPC methods to canned handlers and records
// every call.
type fakeCaller struct {
	mu       sync.Mutex
	calls    []rpc.Request
	handlers map[string]func(params []any) (string, error)
}

func (f *fakeCaller) Request(_ context.Context, req rpc.Request) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	h, ok := f.handlers[req.Method]
	if !ok {
		return nil, fmt.Errorf("unexpected method %s", req.Method)
	}
	params, _ := req.Params.([]any)
	result, err := h(params)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(result), nil
}

func (f *fakeCaller) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Method
	}
	return out
}

type fakeCalls struct{ caller rpc.Caller }

func (f fakeCalls) Caller(network.Namespace, network.Ref) rpc.Caller { return f.caller }

func result(s string) func([]any) (string, error) {
	return func([]any) (string, error) { return s, nil }
}

func quoted(s string) func([]any) (string, error) {
	return result(fmt.Sprintf("%q", s))
}

type keySigner struct{ key string }

func (s keySigner) SignTx(_ context.Context, _ string, chainID *big.Int, tx *ethtypes.Transaction) (*ethtypes.Transaction, error) {
	key, err := crypto.HexToECDSA(s.key)
	if err != nil {
		return nil, err
	}
	return ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), key)
}

func newTestChains(t *testing.T) *network.Registry {
	t.Helper()

	chains := network.NewRegistry(network.RegistryConfig{})
	require.NoError(t, chains.RegisterChain(&network.ChainMetadata{
		Ref:      testRef,
		Name:     "Mainnet",
		Currency: network.Currency{Name: "Ether", Symbol: "ETH", Decimals: 18},
		Endpoints: []network.Endpoint{
			{URL: "https://rpc.example.test"},
		},
	}))
	return chains
}

func newTestAdapter(t *testing.T, caller *fakeCaller) *Adapter {
	t.Helper()
	return New(Config{
		Calls:  fakeCalls{caller: caller},
		Chains: newTestChains(t),
		Signer: keySigner{key: "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"},
	})
}

func happyHandlers() map[string]func([]any) (string, error) {
	return map[string]func([]any) (string, error){
		"eth_getTransactionCount":  quoted("0x5"),
		"eth_estimateGas":          quoted("0x5208"),
		"eth_maxPriorityFeePerGas": quoted("0x3b9aca00"),
		"eth_getBlockByNumber":     result(`{"baseFeePerGas":"0x77359400"}`),
		"eth_getBalance":           quoted("0x56bc75e2d63100000"),
	}
}

func draftMeta(req txengine.TxRequest) *txengine.Meta {
	return &txengine.Meta{
		ID:        "tx-1",
		Namespace: network.NamespaceEVM,
		ChainRef:  testRef,
		From:      testFrom,
		Request:   req,
	}
}

func TestIsValidAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		address string
		want    bool
	}{
		{"valid lowercase", testFrom, true},
		{"valid checksummed", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", true},
		{"missing prefix", "8ba1f109551bd432803012645ac136ddd64dba72", false},
		{"too short", "0x8ba1", false},
		{"non-hex characters", "0x8ba1f109551bd432803012645ac136ddd64dbz72", false},
		{"empty", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, IsValidAddress(tc.address))
		})
	}
}

func TestToChecksumAddress(t *testing.T) {
	t.Parallel()

	// EIP-55 reference vectors.
	tests := []struct {
		in   string
		want string
	}{
		{"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"},
		{"0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359", "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"},
		{"not an address", "not an address"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, ToChecksumAddress(tc.in))
	}
}

func TestValidateChecksumAddress(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateChecksumAddress(testFrom), "all lowercase is accepted")
	assert.NoError(t, ValidateChecksumAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"))
	assert.Error(t, ValidateChecksumAddress("0x5aaeb6053F3E94C9b9A09f33669435E7Ef1BeAed"), "wrong mixed case is rejected")
}

func TestParseQuantity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		value   string
		want    int64
		wantNil bool
		wantErr bool
	}{
		{name: "empty is nil", value: "", wantNil: true},
		{name: "zero", value: "0x0", want: 0},
		{name: "transfer gas", value: "0x5208", want: 21000},
		{name: "bare prefix", value: "0x", wantErr: true},
		{name: "missing prefix", value: "5208", wantErr: true},
		{name: "non-hex digits", value: "0xzz", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			n, err := parseQuantity("field", tc.value)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.wantNil {
				assert.Nil(t, n)
				return
			}
			assert.Equal(t, tc.want, n.Int64())
		})
	}
}

func TestBuildDraft_FillsNonceGasAndFees(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{handlers: happyHandlers()}
	a := newTestAdapter(t, caller)

	draft, err := a.BuildDraft(context.Background(), draftMeta(txengine.TxRequest{
		To:    testTo,
		Value: "0xde0b6b3a7640000",
	}))
	require.NoError(t, err)
	require.False(t, draft.Blocked())

	p := draft.Prepared
	assert.Equal(t, testFrom, p.From)
	assert.Equal(t, "0x5", p.Nonce)
	assert.Equal(t, "0x5208", p.Gas)
	assert.Equal(t, "0x3b9aca00", p.MaxPriorityFeePerGas)
	// maxFee = 2*baseFee + tip = 2*2gwei + 1gwei.
	assert.Equal(t, "0x12a05f200", p.MaxFeePerGas)
	assert.Empty(t, p.GasPrice)
	assert.Equal(t, "send 1 ETH to "+testTo, draft.Summary)
}

func TestBuildDraft_LegacyFeeFallback(t *testing.T) {
	t.Parallel()

	handlers := happyHandlers()
	handlers["eth_maxPriorityFeePerGas"] = func([]any) (string, error) {
		return "", fmt.Errorf("method not found")
	}
	handlers["eth_gasPrice"] = quoted("0x3b9aca00")
	caller := &fakeCaller{handlers: handlers}
	a := newTestAdapter(t, caller)

	draft, err := a.BuildDraft(context.Background(), draftMeta(txengine.TxRequest{
		To:    testTo,
		Value: "0x1",
	}))
	require.NoError(t, err)
	require.False(t, draft.Blocked())
	assert.Equal(t, "0x3b9aca00", draft.Prepared.GasPrice)
	assert.Empty(t, draft.Prepared.MaxFeePerGas)
}

func TestBuildDraft_GasZeroBlocks(t *testing.T) {
	t.Parallel()

	handlers := happyHandlers()
	handlers["eth_estimateGas"] = quoted("0x0")
	caller := &fakeCaller{handlers: handlers}
	a := newTestAdapter(t, caller)

	draft, err := a.BuildDraft(context.Background(), draftMeta(txengine.TxRequest{To: testTo}))
	require.NoError(t, err)
	require.True(t, draft.Blocked())
	assert.Equal(t, txengine.IssueGasZero, draft.Issues[0].Code)
}

func TestBuildDraft_FeeConflictBlocksWithoutChainCalls(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{handlers: happyHandlers()}
	a := newTestAdapter(t, caller)

	draft, err := a.BuildDraft(context.Background(), draftMeta(txengine.TxRequest{
		To:           testTo,
		GasPrice:     "0x1",
		MaxFeePerGas: "0x2",
	}))
	require.NoError(t, err)
	require.True(t, draft.Blocked())
	assert.Equal(t, txengine.IssueFeeConflict, draft.Issues[0].Code)
	assert.Empty(t, caller.methods(), "blocked input must not hit the chain")
}

func TestBuildDraft_InsufficientFunds(t *testing.T) {
	t.Parallel()

	handlers := happyHandlers()
	handlers["eth_getBalance"] = quoted("0x1")
	caller := &fakeCaller{handlers: handlers}
	a := newTestAdapter(t, caller)

	draft, err := a.BuildDraft(context.Background(), draftMeta(txengine.TxRequest{
		To:    testTo,
		Value: "0xde0b6b3a7640000",
	}))
	require.NoError(t, err)
	require.True(t, draft.Blocked())
	issue := draft.Issues[0]
	assert.Equal(t, txengine.IssueInsufficientFunds, issue.Code)
	assert.Equal(t, "0x1", issue.Details["available"])
	assert.NotEmpty(t, issue.Details["required"])
}

func TestBuildDraft_ChecksumMismatchWarns(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{handlers: happyHandlers()}
	a := newTestAdapter(t, caller)

	draft, err := a.BuildDraft(context.Background(), draftMeta(txengine.TxRequest{
		To: "0x5aaeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
	}))
	require.NoError(t, err)
	assert.False(t, draft.Blocked(), "a checksum mismatch warns but does not block")
	require.Len(t, draft.Warnings, 1)
	assert.Equal(t, txengine.IssueChecksumMismatch, draft.Warnings[0].Code)
}

func TestBuildDraft_InvalidInputs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  txengine.TxRequest
		code string
	}{
		{
			name: "invalid recipient",
			req:  txengine.TxRequest{To: "0x1234"},
			code: txengine.IssueInvalidAddress,
		},
		{
			name: "no recipient and no data",
			req:  txengine.TxRequest{},
			code: txengine.IssueInvalidAddress,
		},
		{
			name: "bad value quantity",
			req:  txengine.TxRequest{To: testTo, Value: "1000"},
			code: txengine.IssueInvalidQuantity,
		},
		{
			name: "odd-length data",
			req:  txengine.TxRequest{To: testTo, Data: "0xabc"},
			code: txengine.IssueInvalidQuantity,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			caller := &fakeCaller{handlers: happyHandlers()}
			a := newTestAdapter(t, caller)

			draft, err := a.BuildDraft(context.Background(), draftMeta(tc.req))
			require.NoError(t, err)
			require.True(t, draft.Blocked())
			assert.Equal(t, tc.code, draft.Issues[0].Code)
		})
	}
}

func TestSignTransaction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  txengine.TxRequest
	}{
		{
			name: "dynamic fee",
			req: txengine.TxRequest{
				From:                 testFrom,
				To:                   testTo,
				Value:                "0x1",
				Nonce:                "0x5",
				Gas:                  "0x5208",
				MaxFeePerGas:         "0x12a05f200",
				MaxPriorityFeePerGas: "0x3b9aca00",
			},
		},
		{
			name: "legacy",
			req: txengine.TxRequest{
				From:     testFrom,
				To:       testTo,
				Value:    "0x1",
				Nonce:    "0x5",
				Gas:      "0x5208",
				GasPrice: "0x3b9aca00",
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			a := newTestAdapter(t, &fakeCaller{})
			meta := draftMeta(tc.req)
			signed, err := a.SignTransaction(context.Background(), meta, &txengine.Draft{Prepared: tc.req})
			require.NoError(t, err)
			assert.NotEmpty(t, signed.Raw)
			assert.Len(t, signed.Hash, 66)
		})
	}
}

func TestSignTransaction_MissingNonce(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t, &fakeCaller{})
	req := txengine.TxRequest{From: testFrom, To: testTo, Gas: "0x5208"}
	_, err := a.SignTransaction(context.Background(), draftMeta(req), &txengine.Draft{Prepared: req})
	require.Error(t, err)
}

func TestBroadcastTransaction(t *testing.T) {
	t.Parallel()

	caller := &fakeCaller{handlers: map[string]func([]any) (string, error){
		"eth_sendRawTransaction": quoted("0xhash1"),
	}}
	a := newTestAdapter(t, caller)

	hash, err := a.BroadcastTransaction(context.Background(), draftMeta(txengine.TxRequest{}),
		&txengine.SignedTx{Raw: []byte{0x02, 0xab}, Hash: "0xhash1"})
	require.NoError(t, err)
	assert.Equal(t, "0xhash1", hash)

	require.Len(t, caller.calls, 1)
	params, ok := caller.calls[0].Params.([]any)
	require.True(t, ok)
	require.Len(t, params, 1)
	assert.Equal(t, "0x02ab", params[0])
}

func TestProbeReceipt(t *testing.T) {
	t.Parallel()

	meta := draftMeta(txengine.TxRequest{From: testFrom, To: testTo, Nonce: "0x5"})
	meta.Hash = "0xhash1"

	t.Run("receipt found", func(t *testing.T) {
		t.Parallel()

		caller := &fakeCaller{handlers: map[string]func([]any) (string, error){
			"eth_getTransactionReceipt": result(`{
				"transactionHash":"0xhash1","blockHash":"0xblock","blockNumber":"0x10",
				"gasUsed":"0x5208","status":"0x1"}`),
		}}
		a := newTestAdapter(t, caller)

		res, err := a.ProbeReceipt(context.Background(), meta)
		require.NoError(t, err)
		require.NotNil(t, res.Receipt)
		assert.True(t, res.Receipt.Succeeded())
		assert.Equal(t, "0x10", res.Receipt.BlockNumber)
	})

	t.Run("still pending", func(t *testing.T) {
		t.Parallel()

		caller := &fakeCaller{handlers: map[string]func([]any) (string, error){
			"eth_getTransactionReceipt": result("null"),
			"eth_getTransactionCount":   quoted("0x5"),
		}}
		a := newTestAdapter(t, caller)

		res, err := a.ProbeReceipt(context.Background(), meta)
		require.NoError(t, err)
		assert.Nil(t, res.Receipt)
		assert.Empty(t, res.ReplacementHash)
	})

	t.Run("nonce consumed by replacement", func(t *testing.T) {
		t.Parallel()

		caller := &fakeCaller{handlers: map[string]func([]any) (string, error){
			"eth_getTransactionReceipt": result("null"),
			"eth_getTransactionCount":   quoted("0x6"),
			"eth_getBlockByNumber": result(fmt.Sprintf(
				`{"transactions":[{"hash":"0xother","from":"0x2222222222222222222222222222222222222222","nonce":"0x5"},
				{"hash":"0xhash2","from":"%s","nonce":"0x5"}]}`, testFrom)),
		}}
		a := newTestAdapter(t, caller)

		res, err := a.ProbeReceipt(context.Background(), meta)
		require.NoError(t, err)
		assert.Nil(t, res.Receipt)
		assert.Equal(t, "0xhash2", res.ReplacementHash)
	})
}
