package eip155

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/keelwallet/keel/internal/txengine"
	keelerr "github.com/keelwallet/keel/pkg/errors"
)

// SignTransaction assembles the drafted request into a legacy or
// dynamic-fee transaction and hands it to the signer. The returned hash
// is the signed transaction's hash, which broadcast later confirms.
func (a *Adapter) SignTransaction(ctx context.Context, meta *txengine.Meta, draft *txengine.Draft) (*txengine.SignedTx, error) {
	if a.signer == nil {
		return nil, keelerr.WithSuggestion(keelerr.ErrSigningFailed,
			"no signer is configured for eip155 chains")
	}

	id, err := chainID(meta.ChainRef)
	if err != nil {
		return nil, err
	}

	p := draft.Prepared
	q := &quantities{}
	if q.nonce, err = parseQuantity("nonce", p.Nonce); err != nil {
		return nil, err
	}
	if q.gas, err = parseQuantity("gas", p.Gas); err != nil {
		return nil, err
	}
	if q.value, err = parseQuantity("value", p.Value); err != nil {
		return nil, err
	}
	if q.gasPrice, err = parseQuantity("gasPrice", p.GasPrice); err != nil {
		return nil, err
	}
	if q.maxFee, err = parseQuantity("maxFeePerGas", p.MaxFeePerGas); err != nil {
		return nil, err
	}
	if q.tip, err = parseQuantity("maxPriorityFeePerGas", p.MaxPriorityFeePerGas); err != nil {
		return nil, err
	}
	if q.nonce == nil || q.gas == nil {
		return nil, keelerr.WithDetails(keelerr.ErrInvalidInput, map[string]string{
			"reason": "draft is missing nonce or gas",
		})
	}

	var to *common.Address
	if p.To != "" {
		addr := common.HexToAddress(p.To)
		to = &addr
	}
	data := common.FromHex(p.Data)

	var tx *ethtypes.Transaction
	if q.gasPrice != nil {
		tx = ethtypes.NewTx(&ethtypes.LegacyTx{
			Nonce:    q.nonce.Uint64(),
			GasPrice: q.gasPrice,
			Gas:      q.gas.Uint64(),
			To:       to,
			Value:    q.value,
			Data:     data,
		})
	} else {
		tx = ethtypes.NewTx(&ethtypes.DynamicFeeTx{
			ChainID:   id,
			Nonce:     q.nonce.Uint64(),
			GasTipCap: q.tip,
			GasFeeCap: q.maxFee,
			Gas:       q.gas.Uint64(),
			To:        to,
			Value:     q.value,
			Data:      data,
		})
	}

	signed, err := a.signer.SignTx(ctx, p.From, id, tx)
	if err != nil {
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, keelerr.Wrap(err, "encoding signed transaction")
	}
	return &txengine.SignedTx{Raw: raw, Hash: signed.Hash().Hex()}, nil
}
