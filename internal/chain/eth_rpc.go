package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/grassrootseconomics/ethutils"
	"github.com/lmittmann/w3"
	"github.com/lmittmann/w3/module/eth"
	"github.com/lmittmann/w3/w3types"
)

type (
	blockBatch struct {
		calls   [100]w3types.RPCCaller
		bigInts [100]big.Int
	}

	EthRPCOpts struct {
		// RPCEndpoints are tried in order at dial time; the first reachable
		// endpoint wins. Runtime call failures surface to the caller, which
		// retries on its next tick.
		RPCEndpoints []string
		ChainID      int64
	}

	EthRPC struct {
		provider *ethutils.Provider
	}
)

const blockBatchSize = 100

var blockBatchPool = sync.Pool{
	New: func() any {
		return new(blockBatch)
	},
}

func NewRPCFetcher(o EthRPCOpts) (Chain, error) {
	if len(o.RPCEndpoints) == 0 {
		return nil, errors.New("no RPC endpoints configured")
	}

	var dialErr error
	for _, endpoint := range o.RPCEndpoints {
		customRPCClient, err := lowTimeoutRPCClient(endpoint)
		if err != nil {
			dialErr = err
			continue
		}

		chainProvider := ethutils.NewProvider(
			endpoint,
			o.ChainID,
			ethutils.WithClient(customRPCClient),
		)

		return &EthRPC{
			provider: chainProvider,
		}, nil
	}

	return nil, fmt.Errorf("all %d RPC endpoints unreachable: %w", len(o.RPCEndpoints), dialErr)
}

func lowTimeoutRPCClient(rpcEndpoint string) (*w3.Client, error) {
	httpClient := &http.Client{
		Timeout: 10 * time.Second,
	}

	rpcClient, err := rpc.DialOptions(context.Background(), rpcEndpoint, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}

	return w3.NewClient(rpcClient), nil
}

func (c *EthRPC) GetBlocks(ctx context.Context, blockNumbers []uint64) ([]*types.Block, error) {
	blocksCount := len(blockNumbers)
	if blocksCount > blockBatchSize {
		return nil, fmt.Errorf("GetBlocks expects at most %d block numbers, got %d", blockBatchSize, blocksCount)
	}

	if blocksCount == 0 {
		return []*types.Block{}, nil
	}

	batch := blockBatchPool.Get().(*blockBatch)
	defer func() {
		for i := 0; i < blockBatchSize; i++ {
			batch.calls[i] = nil
		}
		blockBatchPool.Put(batch)
	}()

	blocks := make([]*types.Block, blocksCount)

	for i, v := range blockNumbers {
		batch.bigInts[i].SetUint64(v)
		batch.calls[i] = eth.BlockByNumber(&batch.bigInts[i]).Returns(&blocks[i])
	}

	if err := c.provider.Client.CallCtx(ctx, batch.calls[:blocksCount]...); err != nil {
		return nil, err
	}

	return blocks, nil
}

func (c *EthRPC) GetBlock(ctx context.Context, blockNumber uint64) (*types.Block, error) {
	var block *types.Block
	blockCall := eth.BlockByNumber(new(big.Int).SetUint64(blockNumber)).Returns(&block)

	if err := c.provider.Client.CallCtx(ctx, blockCall); err != nil {
		return nil, err
	}

	return block, nil
}

func (c *EthRPC) GetLatestBlock(ctx context.Context) (uint64, error) {
	var latestBlock *big.Int
	latestBlockCall := eth.BlockNumber().Returns(&latestBlock)

	if err := c.provider.Client.CallCtx(ctx, latestBlockCall); err != nil {
		return 0, err
	}

	return latestBlock.Uint64(), nil
}

func (c *EthRPC) GetReceipts(ctx context.Context, blockNumber *big.Int) (types.Receipts, error) {
	var receipts types.Receipts

	if err := c.provider.Client.CallCtx(ctx, eth.BlockReceipts(blockNumber).Returns(&receipts)); err != nil {
		return nil, err
	}

	return receipts, nil
}

func (c *EthRPC) GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt

	if err := c.provider.Client.CallCtx(ctx, eth.TxReceipt(txHash).Returns(&receipt)); err != nil {
		if isNotFoundRPCError(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return receipt, nil
}

func (c *EthRPC) Provider() *ethutils.Provider {
	return c.provider
}

func isNotFoundRPCError(err error) bool {
	if errors.Is(err, ethereum.NotFound) {
		return true
	}
	return strings.Contains(err.Error(), "not found")
}
