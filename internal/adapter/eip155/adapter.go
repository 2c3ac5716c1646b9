package eip155

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"

	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/keelwallet/keel/internal/network"
	"github.com/keelwallet/keel/internal/rpc"
	keelerr "github.com/keelwallet/keel/pkg/errors"
)

// CallerSource yields chain-bound JSON-RPC callers. *rpc.Engine
// satisfies it.
type CallerSource interface {
	Caller(ns network.Namespace, ref network.Ref) rpc.Caller
}

// Signer signs a prepared transaction for an account. Key material
// lives outside this module; the adapter only hands over the unsigned
// transaction and the chain id.
type Signer interface {
	SignTx(ctx context.Context, from string, chainID *big.Int, tx *ethtypes.Transaction) (*ethtypes.Transaction, error)
}

// Config wires the adapter's collaborators.
type Config struct {
	Calls  CallerSource
	Chains *network.Registry
	Signer Signer
	Logger *slog.Logger
}

// Adapter implements transaction drafting, signing, broadcast, and
// receipt probing for eip155 chains.
type Adapter struct {
	calls  CallerSource
	chains *network.Registry
	signer Signer
	log    *slog.Logger
}

// New creates an eip155 adapter.
func New(cfg Config) *Adapter {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		calls:  cfg.Calls,
		chains: cfg.Chains,
		signer: cfg.Signer,
		log:    log,
	}
}

// chainID extracts the numeric chain id from a CAIP-2 reference like
// "eip155:1".
func chainID(ref network.Ref) (*big.Int, error) {
	id, ok := new(big.Int).SetString(ref.Reference(), 10)
	if !ok || id.Sign() < 0 {
		return nil, keelerr.WithDetails(keelerr.ErrInvalidChainRef, map[string]string{
			"ref": string(ref),
		})
	}
	return id, nil
}

// callQuantity performs a JSON-RPC call whose result is a hex quantity.
func callQuantity(ctx context.Context, caller rpc.Caller, method string, params ...any) (*big.Int, error) {
	s, err := callString(ctx, caller, method, params...)
	if err != nil {
		return nil, err
	}
	return parseQuantity(method, s)
}

// callString performs a JSON-RPC call whose result is a string.
func callString(ctx context.Context, caller rpc.Caller, method string, params ...any) (string, error) {
	raw, err := caller.Request(ctx, rpc.Request{Method: method, Params: params})
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", keelerr.WithDetails(keelerr.ErrInvalidResponse, map[string]string{
			"method": method,
		})
	}
	return s, nil
}

// callObject performs a JSON-RPC call and decodes the result into out.
// A JSON null result leaves out untouched and reports false.
func callObject(ctx context.Context, caller rpc.Caller, out any, method string, params ...any) (bool, error) {
	raw, err := caller.Request(ctx, rpc.Request{Method: method, Params: params})
	if err != nil {
		return false, err
	}
	if string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, keelerr.WithDetails(keelerr.ErrInvalidResponse, map[string]string{
			"method": method,
		})
	}
	return true, nil
}
