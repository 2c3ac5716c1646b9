package eip155

import (
	"context"
	"strings"

	"github.com/keelwallet/keel/internal/network"
	"github.com/keelwallet/keel/internal/rpc"
	"github.com/keelwallet/keel/internal/txengine"
)

// ProbeReceipt performs one poll for the broadcast transaction. When
// the receipt is still null it applies the replacement heuristic: if
// the sender's confirmed nonce has passed the transaction's nonce, the
// slot was consumed by something else, and the latest block is scanned
// for the transaction that took it.
func (a *Adapter) ProbeReceipt(ctx context.Context, meta *txengine.Meta) (txengine.ProbeResult, error) {
	caller := a.calls.Caller(network.NamespaceEVM, meta.ChainRef)

	var rcpt struct {
		TransactionHash string `json:"transactionHash"`
		BlockHash       string `json:"blockHash"`
		BlockNumber     string `json:"blockNumber"`
		GasUsed         string `json:"gasUsed"`
		Status          string `json:"status"`
	}
	found, err := callObject(ctx, caller, &rcpt, "eth_getTransactionReceipt", meta.Hash)
	if err != nil {
		return txengine.ProbeResult{}, err
	}
	if found {
		return txengine.ProbeResult{Receipt: &txengine.Receipt{
			TxHash:      rcpt.TransactionHash,
			BlockHash:   rcpt.BlockHash,
			BlockNumber: rcpt.BlockNumber,
			GasUsed:     rcpt.GasUsed,
			Status:      rcpt.Status,
		}}, nil
	}

	// Without the resolved nonce there is nothing to compare against.
	nonce, err := parseQuantity("nonce", meta.Request.Nonce)
	if err != nil || nonce == nil {
		return txengine.ProbeResult{}, nil
	}
	from := meta.Request.From
	if from == "" {
		from = meta.From
	}
	if from == "" {
		return txengine.ProbeResult{}, nil
	}

	confirmed, err := callQuantity(ctx, caller, "eth_getTransactionCount", from, "latest")
	if err != nil {
		return txengine.ProbeResult{}, err
	}
	if confirmed.Cmp(nonce) <= 0 {
		// Nonce not consumed yet, still pending.
		return txengine.ProbeResult{}, nil
	}

	replacement, err := a.findReplacement(ctx, caller, from, meta.Request.Nonce, meta.Hash)
	if err != nil {
		return txengine.ProbeResult{}, err
	}
	return txengine.ProbeResult{ReplacementHash: replacement}, nil
}

// findReplacement scans the latest block for a transaction from the
// same sender with the same nonce but a different hash. An empty
// return means the replacement was mined in an earlier block; the
// probe keeps polling and eventually times out.
func (a *Adapter) findReplacement(ctx context.Context, caller rpc.Caller, from, nonce, ownHash string) (string, error) {
	want, err := parseQuantity("nonce", nonce)
	if err != nil || want == nil {
		return "", nil
	}

	var block struct {
		Transactions []struct {
			Hash  string `json:"hash"`
			From  string `json:"from"`
			Nonce string `json:"nonce"`
		} `json:"transactions"`
	}
	ok, err := callObject(ctx, caller, &block, "eth_getBlockByNumber", "latest", true)
	if err != nil || !ok {
		return "", err
	}

	for _, tx := range block.Transactions {
		if !strings.EqualFold(tx.From, from) {
			continue
		}
		got, err := parseQuantity("nonce", tx.Nonce)
		if err != nil || got == nil || got.Cmp(want) != 0 {
			continue
		}
		if strings.EqualFold(tx.Hash, ownHash) {
			continue
		}
		return tx.Hash, nil
	}
	return "", nil
}
