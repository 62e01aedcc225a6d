// Package resolver attributes settlement counterparties: given a settlement
// transaction it decodes the exchange's OrderFilled logs and extracts the
// maker and taker of every matched order.
//
// OrderFilled layout on the CTF exchange:
//
//	topic0: event signature
//	topic1: orderHash (bytes32)
//	topic2: maker (indexed address, zero-padded to 32 bytes)
//	topic3: taker (indexed address, zero-padded to 32 bytes)
//	data:   makerAssetId | takerAssetId | makerAmountFilled |
//	        takerAmountFilled | fee (five uint256 words)
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/polysentry/nonce-guard/internal/chain"
	"github.com/polysentry/nonce-guard/pkg/event"
)

// DefaultOrderFilledTopic is the OrderFilled event signature hash on the CTF
// exchange.
const DefaultOrderFilledTopic = "0xd0a08e8c493f9c94f29311604c9de1b4e8c8d4c06bd0c789af57f2d65bfec0f6"

// ErrNoSettlementLogs is returned when a transaction has logs but none match
// the expected settlement event shape: the contract was upgraded, or the
// hash does not belong to an exchange settlement.
var ErrNoSettlementLogs = errors.New("resolver: no settlement logs matched")

const fillDataWords = 5

type (
	ResolverOpts struct {
		Chain            chain.Chain
		ExchangeAddress  string
		OrderFilledTopic string
		Logg             *slog.Logger
	}

	Resolver struct {
		chain    chain.Chain
		exchange common.Address
		topic    common.Hash
		logg     *slog.Logger
	}
)

func New(o ResolverOpts) (*Resolver, error) {
	if !common.IsHexAddress(o.ExchangeAddress) {
		return nil, fmt.Errorf("invalid exchange contract address %q", o.ExchangeAddress)
	}

	topic := o.OrderFilledTopic
	if topic == "" {
		topic = DefaultOrderFilledTopic
	}

	return &Resolver{
		chain:    o.Chain,
		exchange: common.HexToAddress(o.ExchangeAddress),
		topic:    common.HexToHash(topic),
		logg:     o.Logg,
	}, nil
}

// Fills fetches the receipt for a settlement transaction and decodes its
// OrderFilled logs. Returns chain.ErrNotFound when the transaction has no
// receipt yet (retry after confirmation depth) and ErrNoSettlementLogs when
// logs exist but none decode.
func (r *Resolver) Fills(ctx context.Context, txHash common.Hash) ([]event.FillRecord, error) {
	receipt, err := r.chain.GetTransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, err
	}

	fills := r.decodeLogs(receipt.Logs)
	if len(fills) == 0 {
		return nil, ErrNoSettlementLogs
	}
	return fills, nil
}

// Counterparties returns the distinct maker and taker addresses across all
// matched orders in a settlement transaction.
func (r *Resolver) Counterparties(ctx context.Context, txHash common.Hash) ([]string, error) {
	fills, err := r.Fills(ctx, txHash)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(fills)*2)
	var out []string
	for _, f := range fills {
		for _, addr := range []string{f.Maker, f.Taker} {
			if _, dup := seen[addr]; !dup {
				seen[addr] = struct{}{}
				out = append(out, addr)
			}
		}
	}
	return out, nil
}

// FillsInReceipts scans a whole block's receipts for OrderFilled logs. Used
// by the watchdog, which walks blocks rather than individual transactions.
func (r *Resolver) FillsInReceipts(receipts types.Receipts) []event.FillRecord {
	var fills []event.FillRecord
	for _, receipt := range receipts {
		fills = append(fills, r.decodeLogs(receipt.Logs)...)
	}
	return fills
}

func (r *Resolver) decodeLogs(logs []*types.Log) []event.FillRecord {
	var fills []event.FillRecord
	for _, log := range logs {
		fill, ok := r.decodeFill(log)
		if !ok {
			continue
		}
		fills = append(fills, fill)
	}
	return fills
}

func (r *Resolver) decodeFill(log *types.Log) (event.FillRecord, bool) {
	if log.Address != r.exchange {
		return event.FillRecord{}, false
	}
	if len(log.Topics) < 4 || log.Topics[0] != r.topic {
		return event.FillRecord{}, false
	}

	fill := event.FillRecord{
		TxHash:   strings.ToLower(log.TxHash.Hex()),
		Block:    log.BlockNumber,
		LogIndex: log.Index,
		Maker:    topicAddress(log.Topics[2]),
		Taker:    topicAddress(log.Topics[3]),
	}

	// Older deployments emitted a shorter payload; maker/taker alone is
	// still a usable attribution.
	if len(log.Data) < fillDataWords*32 {
		return fill, true
	}

	fill.MakerAssetID = wordHex(log.Data[0:32])
	fill.TakerAssetID = wordHex(log.Data[32:64])
	fill.MakerAmount = wordUint64(log.Data[64:96])
	fill.TakerAmount = wordUint64(log.Data[96:128])
	fill.Fee = wordUint64(log.Data[128:160])
	return fill, true
}

// Counterparty returns the other side of a fill relative to ours, or empty
// when ours is not a participant.
func Counterparty(fill event.FillRecord, ours string) string {
	ours = strings.ToLower(strings.TrimSpace(ours))
	switch {
	case fill.Maker == ours:
		return fill.Taker
	case fill.Taker == ours:
		return fill.Maker
	default:
		return ""
	}
}

func topicAddress(topic common.Hash) string {
	return strings.ToLower(common.BytesToAddress(topic.Bytes()[12:]).Hex())
}

func wordHex(word []byte) string {
	return "0x" + new(big.Int).SetBytes(word).Text(16)
}

func wordUint64(word []byte) uint64 {
	return new(big.Int).SetBytes(word).Uint64()
}
