// Package extractor filters raw blocks for nonce-increment calls against the
// tracked exchange contract. Matching is a constant selector-prefix check on
// calldata; only one call pattern is tracked so no ABI dispatch is needed.
package extractor

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/polysentry/nonce-guard/internal/window"
	"github.com/polysentry/nonce-guard/pkg/event"
)

type (
	ExtractorOpts struct {
		// ExchangeAddress is the exchange contract watched for
		// nonce-increment calls.
		ExchangeAddress string
		// MethodSelector is the 4-byte calldata prefix of the tracked
		// method, hex encoded (e.g. "0x627cdcb9" for incrementNonce()).
		MethodSelector string
		ChainID        int64
		Logg           *slog.Logger
	}

	Extractor struct {
		exchange common.Address
		selector []byte
		signer   types.Signer
		logg     *slog.Logger
	}
)

func New(o ExtractorOpts) (*Extractor, error) {
	if !common.IsHexAddress(o.ExchangeAddress) {
		return nil, fmt.Errorf("invalid exchange contract address %q", o.ExchangeAddress)
	}

	selector, err := hex.DecodeString(strings.TrimPrefix(o.MethodSelector, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid method selector %q: %w", o.MethodSelector, err)
	}
	if len(selector) != 4 {
		return nil, fmt.Errorf("method selector must be 4 bytes, got %d", len(selector))
	}

	return &Extractor{
		exchange: common.HexToAddress(o.ExchangeAddress),
		selector: selector,
		signer:   types.LatestSignerForChainID(new(big.Int).SetInt64(o.ChainID)),
		logg:     o.Logg,
	}, nil
}

// ScanBlock emits one NonceEvent per transaction in block whose destination
// is the exchange contract and whose calldata begins with the tracked
// selector. Reverted transactions are reported too: the call was attempted,
// and intent is the signal, not success. Receipts may be nil; when present
// they supply the effective gas price, otherwise the transaction's declared
// gas price is used.
func (x *Extractor) ScanBlock(block *types.Block, receipts types.Receipts) []event.NonceEvent {
	gasByTx := make(map[common.Hash]*big.Int, len(receipts))
	for _, receipt := range receipts {
		if receipt.EffectiveGasPrice != nil {
			gasByTx[receipt.TxHash] = receipt.EffectiveGasPrice
		}
	}

	ts := int64(block.Time())
	blockWindow := window.At(ts)
	offset := window.Offset(ts)

	var events []event.NonceEvent
	for _, tx := range block.Transactions() {
		to := tx.To()
		if to == nil || *to != x.exchange {
			continue
		}
		data := tx.Data()
		if len(data) < 4 || !bytes.Equal(data[:4], x.selector) {
			continue
		}

		from, err := types.Sender(x.signer, tx)
		if err != nil {
			// Undecodable sender is a malformed item: skip it and keep
			// scanning the rest of the block.
			x.logg.Warn("could not recover sender, skipping transaction",
				"block", block.NumberU64(),
				"tx", tx.Hash().Hex(),
				"error", err,
			)
			continue
		}

		gasPrice := tx.GasPrice()
		if effective, ok := gasByTx[tx.Hash()]; ok {
			gasPrice = effective
		}

		events = append(events, event.NonceEvent{
			Caller:    strings.ToLower(from.Hex()),
			TxHash:    strings.ToLower(tx.Hash().Hex()),
			Block:     block.NumberU64(),
			GasPrice:  gasPrice.Uint64(),
			Timestamp: ts,
			Offset:    offset,
			Window:    blockWindow,
		})
	}

	return events
}
