package eip155

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/keelwallet/keel/internal/network"
	"github.com/keelwallet/keel/internal/txengine"
)

// BroadcastTransaction submits the raw signed transaction and returns
// the hash the node acknowledged. A node returning a different hash
// than the locally computed one is logged; the node's hash wins since
// that is what the chain will index.
func (a *Adapter) BroadcastTransaction(ctx context.Context, meta *txengine.Meta, signed *txengine.SignedTx) (string, error) {
	caller := a.calls.Caller(network.NamespaceEVM, meta.ChainRef)

	hash, err := callString(ctx, caller, "eth_sendRawTransaction", hexutil.Encode(signed.Raw))
	if err != nil {
		return "", err
	}
	if signed.Hash != "" && !strings.EqualFold(hash, signed.Hash) {
		a.log.Warn("node returned unexpected transaction hash",
			slog.String("tx", meta.ID),
			slog.String("local", signed.Hash),
			slog.String("node", hash),
		)
	}
	return hash, nil
}
