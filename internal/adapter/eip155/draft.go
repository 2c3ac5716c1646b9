package eip155

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/keelwallet/keel/internal/network"
	"github.com/keelwallet/keel/internal/rpc"
	"github.com/keelwallet/keel/internal/txengine"
)

// defaultTransferGas is the gas limit of a plain value transfer, used
// when estimation is unavailable and the transaction carries no data.
var defaultTransferGas = big.NewInt(21000)

// quantities holds the parsed numeric view of a request.
type quantities struct {
	value    *big.Int
	nonce    *big.Int
	gas      *big.Int
	gasPrice *big.Int
	maxFee   *big.Int
	tip      *big.Int
}

// feePerGas is the worst-case price of one gas unit.
func (q *quantities) feePerGas() *big.Int {
	if q.gasPrice != nil {
		return q.gasPrice
	}
	if q.maxFee != nil {
		return q.maxFee
	}
	return big.NewInt(0)
}

// BuildDraft validates and completes a transaction request against the
// chain: addresses and quantities are checked, then missing nonce, gas,
// and fee fields are filled from the node, and the sender's balance is
// checked against the worst-case cost. Expected problems become issues
// or warnings on the draft; only RPC-surface failures return an error.
func (a *Adapter) BuildDraft(ctx context.Context, meta *txengine.Meta) (*txengine.Draft, error) {
	draft := &txengine.Draft{Prepared: meta.Request}
	p := &draft.Prepared

	if p.From == "" {
		p.From = meta.From
	}
	a.checkAddresses(draft, p)
	q := parseQuantities(draft, p)

	if p.GasPrice != "" && (p.MaxFeePerGas != "" || p.MaxPriorityFeePerGas != "") {
		addIssue(draft, txengine.IssueFeeConflict,
			"request mixes gasPrice with EIP-1559 fee fields", nil)
	}

	// Bad input makes the chain lookups meaningless.
	if draft.Blocked() {
		return draft, nil
	}

	caller := a.calls.Caller(network.NamespaceEVM, meta.ChainRef)

	if p.Nonce == "" {
		nonce, err := callQuantity(ctx, caller, "eth_getTransactionCount", p.From, "pending")
		if err != nil {
			return nil, err
		}
		q.nonce = nonce
		p.Nonce = formatQuantity(nonce)
	}

	a.fillGas(ctx, caller, draft, p, q)
	if err := a.fillFees(ctx, caller, p, q); err != nil {
		return nil, err
	}
	if err := a.checkBalance(ctx, caller, draft, p, q); err != nil {
		return nil, err
	}

	draft.Summary = a.summarize(meta, p, q)
	return draft, nil
}

func (a *Adapter) checkAddresses(draft *txengine.Draft, p *txengine.TxRequest) {
	if p.From == "" || !IsValidAddress(p.From) {
		addIssue(draft, txengine.IssueInvalidAddress, "invalid sender address",
			map[string]string{"from": p.From})
	} else if err := ValidateChecksumAddress(p.From); err != nil {
		addWarning(draft, txengine.IssueChecksumMismatch, "sender address fails EIP-55 checksum",
			map[string]string{"from": p.From})
	}

	switch {
	case p.To != "" && !IsValidAddress(p.To):
		addIssue(draft, txengine.IssueInvalidAddress, "invalid recipient address",
			map[string]string{"to": p.To})
	case p.To != "":
		if err := ValidateChecksumAddress(p.To); err != nil {
			addWarning(draft, txengine.IssueChecksumMismatch, "recipient address fails EIP-55 checksum",
				map[string]string{"to": p.To})
		}
	case p.Data == "" || p.Data == "0x":
		addIssue(draft, txengine.IssueInvalidAddress,
			"transaction has neither a recipient nor contract creation data", nil)
	}

	if !isHexData(p.Data) {
		addIssue(draft, txengine.IssueInvalidQuantity, "invalid transaction data",
			map[string]string{"data": p.Data})
	}
}

// parseQuantities parses every hex quantity field, attaching an issue
// per unparseable field.
func parseQuantities(draft *txengine.Draft, p *txengine.TxRequest) *quantities {
	q := &quantities{}
	fields := []struct {
		name  string
		value string
		dst   **big.Int
	}{
		{"value", p.Value, &q.value},
		{"nonce", p.Nonce, &q.nonce},
		{"gas", p.Gas, &q.gas},
		{"gasPrice", p.GasPrice, &q.gasPrice},
		{"maxFeePerGas", p.MaxFeePerGas, &q.maxFee},
		{"maxPriorityFeePerGas", p.MaxPriorityFeePerGas, &q.tip},
	}
	for _, f := range fields {
		n, err := parseQuantity(f.name, f.value)
		if err != nil {
			addIssue(draft, txengine.IssueInvalidQuantity, "invalid hex quantity",
				map[string]string{"field": f.name, "value": f.value})
			continue
		}
		*f.dst = n
	}
	return q
}

// fillGas estimates the gas limit when the request omits it. A zero
// estimate or explicit zero gas blocks the draft: such a transaction
// cannot execute. Estimation failure degrades to the plain-transfer
// default with a warning, since many nodes reject estimation for
// not-yet-funded accounts.
func (a *Adapter) fillGas(ctx context.Context, caller rpc.Caller, draft *txengine.Draft, p *txengine.TxRequest, q *quantities) {
	if p.Gas == "" {
		est, err := callQuantity(ctx, caller, "eth_estimateGas", estimateParams(p))
		if err != nil {
			addWarning(draft, txengine.IssueGasEstimateFailed, "gas estimation failed, using transfer default",
				map[string]string{"error": err.Error()})
			q.gas = defaultTransferGas
			p.Gas = formatQuantity(defaultTransferGas)
			return
		}
		q.gas = est
		p.Gas = formatQuantity(est)
	}
	if q.gas != nil && q.gas.Sign() == 0 {
		addIssue(draft, txengine.IssueGasZero, "gas limit is zero", nil)
	}
}

// estimateParams builds the eth_estimateGas call object.
func estimateParams(p *txengine.TxRequest) map[string]string {
	msg := map[string]string{"from": p.From}
	if p.To != "" {
		msg["to"] = p.To
	}
	if p.Value != "" {
		msg["value"] = p.Value
	}
	if p.Data != "" && p.Data != "0x" {
		msg["data"] = p.Data
	}
	return msg
}

// fillFees completes the fee fields. Requests without any fee field get
// EIP-1559 fees suggested from the node, falling back to a legacy gas
// price on chains whose blocks carry no base fee.
func (a *Adapter) fillFees(ctx context.Context, caller rpc.Caller, p *txengine.TxRequest, q *quantities) error {
	if p.GasPrice != "" || p.MaxFeePerGas != "" {
		if p.MaxFeePerGas != "" && p.MaxPriorityFeePerGas == "" {
			tip := minBig(q.maxFee, defaultPriorityFee)
			q.tip = tip
			p.MaxPriorityFeePerGas = formatQuantity(tip)
		}
		return nil
	}

	tip, baseFee, err := a.suggestFees(ctx, caller)
	if err == nil && baseFee != nil {
		// maxFee = 2*baseFee + tip absorbs base fee growth across a
		// few blocks.
		maxFee := new(big.Int).Mul(baseFee, big.NewInt(2))
		maxFee.Add(maxFee, tip)
		q.tip = tip
		q.maxFee = maxFee
		p.MaxPriorityFeePerGas = formatQuantity(tip)
		p.MaxFeePerGas = formatQuantity(maxFee)
		return nil
	}

	gasPrice, err := callQuantity(ctx, caller, "eth_gasPrice")
	if err != nil {
		return err
	}
	q.gasPrice = gasPrice
	p.GasPrice = formatQuantity(gasPrice)
	return nil
}

// defaultPriorityFee is 1 gwei.
var defaultPriorityFee = big.NewInt(1_000_000_000)

func minBig(a, b *big.Int) *big.Int {
	if a != nil && a.Cmp(b) < 0 {
		return a
	}
	return b
}

// suggestFees asks the node for an EIP-1559 tip and the latest base
// fee. Chains without a base fee report an error from one of the two
// calls and the caller falls back to legacy pricing.
func (a *Adapter) suggestFees(ctx context.Context, caller rpc.Caller) (tip, baseFee *big.Int, err error) {
	tip, err = callQuantity(ctx, caller, "eth_maxPriorityFeePerGas")
	if err != nil {
		return nil, nil, err
	}

	var block struct {
		BaseFeePerGas string `json:"baseFeePerGas"`
	}
	ok, err := callObject(ctx, caller, &block, "eth_getBlockByNumber", "latest", false)
	if err != nil || !ok || block.BaseFeePerGas == "" {
		return nil, nil, err
	}
	baseFee, err = parseQuantity("baseFeePerGas", block.BaseFeePerGas)
	if err != nil {
		return nil, nil, err
	}
	return tip, baseFee, nil
}

// checkBalance compares the sender's balance against the worst-case
// cost of the transaction.
func (a *Adapter) checkBalance(ctx context.Context, caller rpc.Caller, draft *txengine.Draft, p *txengine.TxRequest, q *quantities) error {
	balance, err := callQuantity(ctx, caller, "eth_getBalance", p.From, "latest")
	if err != nil {
		return err
	}

	required := new(big.Int)
	if q.value != nil {
		required.Set(q.value)
	}
	if q.gas != nil {
		cost := new(big.Int).Mul(q.gas, q.feePerGas())
		required.Add(required, cost)
	}

	if balance.Cmp(required) < 0 {
		addIssue(draft, txengine.IssueInsufficientFunds, "insufficient funds for value plus gas",
			map[string]string{
				"required":  formatQuantity(required),
				"available": formatQuantity(balance),
			})
	}
	return nil
}

// summarize renders a one-line human description of the transaction in
// the chain's native currency.
func (a *Adapter) summarize(meta *txengine.Meta, p *txengine.TxRequest, q *quantities) string {
	symbol := "native units"
	decimals := 18
	if a.chains != nil {
		if chain, err := a.chains.GetChain(meta.ChainRef); err == nil && chain.Currency.Symbol != "" {
			symbol = chain.Currency.Symbol
			decimals = chain.Currency.Decimals
		}
	}

	amount := decimal.Zero
	if q.value != nil {
		amount = decimal.NewFromBigInt(q.value, -int32(decimals))
	}

	if p.To == "" {
		return fmt.Sprintf("deploy contract spending %s %s", amount.String(), symbol)
	}
	if p.Data != "" && p.Data != "0x" {
		return fmt.Sprintf("call %s with %s %s", p.To, amount.String(), symbol)
	}
	return fmt.Sprintf("send %s %s to %s", amount.String(), symbol, p.To)
}

func addIssue(draft *txengine.Draft, code, message string, details map[string]string) {
	draft.Issues = append(draft.Issues, txengine.Issue{Code: code, Message: message, Details: details})
}

func addWarning(draft *txengine.Draft, code, message string, details map[string]string) {
	draft.Warnings = append(draft.Warnings, txengine.Issue{Code: code, Message: message, Details: details})
}
