package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrNotFound is returned when a queried transaction or receipt is not yet
// on the canonical chain. Callers should treat it as retryable after the
// confirmation depth has passed.
var ErrNotFound = errors.New("chain: not found")

type Chain interface {
	GetLatestBlock(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, blockNumber uint64) (*types.Block, error)
	GetBlocks(ctx context.Context, blockNumbers []uint64) ([]*types.Block, error)
	GetReceipts(ctx context.Context, blockNumber *big.Int) (types.Receipts, error)
	GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}
