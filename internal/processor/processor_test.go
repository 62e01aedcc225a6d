package processor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"log/slog"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/polysentry/nonce-guard/internal/eventlog"
	"github.com/polysentry/nonce-guard/internal/extractor"
	"github.com/polysentry/nonce-guard/internal/stats"
	"github.com/polysentry/nonce-guard/pkg/signal"
)

const (
	testExchange = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	testSelector = "0x627cdcb9"
	testChainID  = 137
)

type stubChain struct {
	blocks map[uint64]*types.Block
}

func (s *stubChain) GetLatestBlock(context.Context) (uint64, error) { return 0, nil }
func (s *stubChain) GetBlock(_ context.Context, n uint64) (*types.Block, error) {
	block, ok := s.blocks[n]
	if !ok {
		return nil, errors.New("unknown block")
	}
	return block, nil
}
func (s *stubChain) GetBlocks(context.Context, []uint64) ([]*types.Block, error) {
	return nil, errors.New("not implemented")
}
func (s *stubChain) GetReceipts(context.Context, *big.Int) (types.Receipts, error) {
	return nil, errors.New("no receipts")
}
func (s *stubChain) GetTransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, errors.New("not implemented")
}

type capturePub struct {
	signals []signal.Signal
}

func (c *capturePub) Send(_ context.Context, sig signal.Signal) error {
	c.signals = append(c.signals, sig)
	return nil
}
func (c *capturePub) Close()        {}
func (c *capturePub) Healthy() bool { return true }

func (c *capturePub) codes() []signal.Code {
	out := make([]signal.Code, 0, len(c.signals))
	for _, sig := range c.signals {
		out = append(out, sig.Code)
	}
	return out
}

func nonceIncrementTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64) *types.Transaction {
	t.Helper()
	to := common.HexToAddress(testExchange)
	signer := types.LatestSignerForChainID(big.NewInt(testChainID))
	tx, err := types.SignNewTx(key, signer, &types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      100_000,
		GasPrice: big.NewInt(35_000_000_000),
		Data:     common.FromHex(testSelector),
	})
	if err != nil {
		t.Fatalf("sign tx failed: %v", err)
	}
	return tx
}

func buildBlock(t *testing.T, number uint64, ts uint64, txs []*types.Transaction) *types.Block {
	t.Helper()
	header := &types.Header{
		Number: new(big.Int).SetUint64(number),
		Time:   ts,
	}
	return types.NewBlock(header, &types.Body{Transactions: txs}, nil, trie.NewStackTrie(nil))
}

func testProcessor(t *testing.T, chainStub *stubChain) (*Processor, *capturePub, *eventlog.Log) {
	t.Helper()
	logg := slog.New(slog.DiscardHandler)

	log, err := eventlog.Open(filepath.Join(t.TempDir(), "events.jsonl"))
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	x, err := extractor.New(extractor.ExtractorOpts{
		ExchangeAddress: testExchange,
		MethodSelector:  testSelector,
		ChainID:         testChainID,
		Logg:            logg,
	})
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}

	capture := &capturePub{}
	p := NewProcessor(ProcessorOpts{
		Chain:     chainStub,
		Extractor: x,
		EventLog:  log,
		Pub:       capture,
		Stats:     stats.New(stats.StatsOpts{Logg: logg}),
		Logg:      logg,
	})
	if err := p.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return p, capture, log
}

func TestProcessBlockEmitsSignals(t *testing.T) {
	key, _ := crypto.GenerateKey()

	// 10s past a window boundary: inside the suspicious offset.
	block := buildBlock(t, 1000, 1_700_000_100+10, []*types.Transaction{
		nonceIncrementTx(t, key, 0),
	})
	p, capture, log := testProcessor(t, &stubChain{blocks: map[uint64]*types.Block{1000: block}})

	if err := p.ProcessBlock(context.Background(), 1000); err != nil {
		t.Fatalf("process block: %v", err)
	}

	want := map[signal.Code]bool{
		signal.CodeNonceIncrement:   false,
		signal.CodeSuspiciousTiming: false,
		signal.CodeNewExploiter:     false,
	}
	for _, code := range capture.codes() {
		want[code] = true
	}
	for code, seen := range want {
		if !seen {
			t.Fatalf("missing expected signal %s, got %v", code, capture.codes())
		}
	}
	if len(capture.signals) != 3 {
		t.Fatalf("expected 3 signals, got %d", len(capture.signals))
	}
	if log.Count() != 1 {
		t.Fatalf("expected 1 logged event, got %d", log.Count())
	}
}

func TestReplayedBlockDoesNotResignal(t *testing.T) {
	key, _ := crypto.GenerateKey()
	block := buildBlock(t, 1000, 1_700_000_100+10, []*types.Transaction{
		nonceIncrementTx(t, key, 0),
	})
	p, capture, log := testProcessor(t, &stubChain{blocks: map[uint64]*types.Block{1000: block}})

	if err := p.ProcessBlock(context.Background(), 1000); err != nil {
		t.Fatalf("first process: %v", err)
	}
	first := len(capture.signals)

	if err := p.ProcessBlock(context.Background(), 1000); err != nil {
		t.Fatalf("replay process: %v", err)
	}
	if len(capture.signals) != first {
		t.Fatalf("replay emitted %d extra signals", len(capture.signals)-first)
	}
	if log.Count() != 1 {
		t.Fatalf("replay duplicated event, count %d", log.Count())
	}
}

func TestKnownCallerNotReannouncedAsNewExploiter(t *testing.T) {
	key, _ := crypto.GenerateKey()
	blockA := buildBlock(t, 1000, 1_700_000_100+10, []*types.Transaction{
		nonceIncrementTx(t, key, 0),
	})
	blockB := buildBlock(t, 1001, 1_700_000_100+12, []*types.Transaction{
		nonceIncrementTx(t, key, 1),
	})
	p, capture, _ := testProcessor(t, &stubChain{blocks: map[uint64]*types.Block{
		1000: blockA,
		1001: blockB,
	}})

	if err := p.ProcessBlock(context.Background(), 1000); err != nil {
		t.Fatalf("block A: %v", err)
	}
	if err := p.ProcessBlock(context.Background(), 1001); err != nil {
		t.Fatalf("block B: %v", err)
	}

	newExploiters := 0
	for _, code := range capture.codes() {
		if code == signal.CodeNewExploiter {
			newExploiters++
		}
	}
	if newExploiters != 1 {
		t.Fatalf("expected exactly 1 NEW_EXPLOITER, got %d", newExploiters)
	}
}

func TestPreloadedBlockSkipsFetch(t *testing.T) {
	key, _ := crypto.GenerateKey()
	block := buildBlock(t, 1000, 1_700_000_100+10, []*types.Transaction{
		nonceIncrementTx(t, key, 0),
	})
	// Chain stub knows nothing: a fetch would fail.
	p, _, log := testProcessor(t, &stubChain{blocks: map[uint64]*types.Block{}})

	p.PreloadBlock(block)
	if err := p.ProcessBlock(context.Background(), 1000); err != nil {
		t.Fatalf("process preloaded block: %v", err)
	}
	if log.Count() != 1 {
		t.Fatalf("expected 1 logged event, got %d", log.Count())
	}
}
