// Package processor turns a dequeued block number into durable nonce events
// and published signals. It is the only writer of the event log.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/polysentry/nonce-guard/internal/chain"
	"github.com/polysentry/nonce-guard/internal/eventlog"
	"github.com/polysentry/nonce-guard/internal/extractor"
	"github.com/polysentry/nonce-guard/internal/pub"
	"github.com/polysentry/nonce-guard/internal/stats"
	"github.com/polysentry/nonce-guard/pkg/event"
	"github.com/polysentry/nonce-guard/pkg/signal"
	"github.com/puzpuzpuz/xsync/v3"
)

type (
	ProcessorOpts struct {
		Chain     chain.Chain
		Extractor *extractor.Extractor
		EventLog  *eventlog.Log
		Pub       pub.Pub
		Stats     *stats.Stats
		Logg      *slog.Logger
		// SuspiciousOffsetSecs is the window-boundary distance below which a
		// nonce increment is escalated. Zero uses the default.
		SuspiciousOffsetSecs int64
	}

	Processor struct {
		chain            chain.Chain
		extractor        *extractor.Extractor
		eventLog         *eventlog.Log
		pub              pub.Pub
		stats            *stats.Stats
		logg             *slog.Logger
		suspiciousOffset int64
		knownCallers     *xsync.MapOf[string, struct{}]
		preloaded        sync.Map
	}
)

const defaultSuspiciousOffsetSecs = 30

func NewProcessor(o ProcessorOpts) *Processor {
	suspicious := o.SuspiciousOffsetSecs
	if suspicious <= 0 {
		suspicious = defaultSuspiciousOffsetSecs
	}

	return &Processor{
		chain:            o.Chain,
		extractor:        o.Extractor,
		eventLog:         o.EventLog,
		pub:              o.Pub,
		stats:            o.Stats,
		logg:             o.Logg,
		suspiciousOffset: suspicious,
		knownCallers:     xsync.NewMapOf[string, struct{}](),
	}
}

// Bootstrap replays the event log so callers observed before a restart are
// not re-announced as new exploiters.
func (p *Processor) Bootstrap() error {
	seeded := 0
	err := p.eventLog.ReplayFrom(0, func(ev event.NonceEvent) error {
		if _, loaded := p.knownCallers.LoadOrStore(ev.Caller, struct{}{}); !loaded {
			seeded++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("seed known callers: %w", err)
	}
	p.logg.Info("seeded known callers from event log", "callers", seeded)
	return nil
}

// PreloadBlock stores a pre-fetched block so ProcessBlock can skip the
// GetBlock RPC call. The backfiller calls this for batches of up to 100
// blocks at a time before enqueueing them to the worker pool.
func (p *Processor) PreloadBlock(block *types.Block) {
	p.preloaded.Store(block.NumberU64(), block)
}

func (p *Processor) ProcessBlock(ctx context.Context, blockNumber uint64) error {
	var block *types.Block

	if v, ok := p.preloaded.LoadAndDelete(blockNumber); ok {
		block = v.(*types.Block)
	} else {
		var err error
		block, err = p.chain.GetBlock(ctx, blockNumber)
		if err != nil {
			return fmt.Errorf("block %d error: %w", blockNumber, err)
		}
	}

	receipts, err := p.chain.GetReceipts(ctx, block.Number())
	if err != nil {
		// Receipts only refine the gas price; the scan itself works from
		// transactions alone.
		p.logg.Warn("receipts unavailable, falling back to tx gas price",
			"block", blockNumber, "error", err)
		receipts = nil
	}

	for _, ev := range p.extractor.ScanBlock(block, receipts) {
		written, err := p.eventLog.Append(ev)
		if err != nil {
			return fmt.Errorf("append event: block %d tx %s: %w", blockNumber, ev.TxHash, err)
		}
		if !written {
			// Replayed block: the event and its signals already went out.
			continue
		}

		p.stats.RecordEvent(ev)

		if err := p.emitSignals(ctx, ev); err != nil {
			return fmt.Errorf("emit signals: block %d tx %s: %w", blockNumber, ev.TxHash, err)
		}
	}

	p.logg.Debug("successfully processed block", "block", blockNumber)
	return nil
}

// emitSignals publishes the alert set for one freshly appended event: always
// a NONCE_INCREMENT, escalated with SUSPICIOUS_TIMING when the call landed
// close to a window boundary and NEW_EXPLOITER on first sight of the caller.
func (p *Processor) emitSignals(ctx context.Context, ev event.NonceEvent) error {
	payload := map[string]any{
		"caller":         ev.Caller,
		"tx_hash":        ev.TxHash,
		"block":          ev.Block,
		"gas_price":      ev.GasPrice,
		"offset_secs":    ev.Offset,
		"remaining_secs": ev.Window.Remaining,
		"action":         string(signal.ActionHold),
	}

	if err := p.pub.Send(ctx, signal.New(signal.CodeNonceIncrement, signal.SeverityWarning, "processor", payload)); err != nil {
		return err
	}

	offset := ev.Offset
	if offset < 0 {
		offset = -offset
	}
	if offset <= p.suspiciousOffset {
		timing := map[string]any{
			"caller":         ev.Caller,
			"tx_hash":        ev.TxHash,
			"offset_secs":    ev.Offset,
			"remaining_secs": ev.Window.Remaining,
			"action":         string(signal.ActionCancel),
		}
		if err := p.pub.Send(ctx, signal.New(signal.CodeSuspiciousTiming, signal.SeverityCritical, "processor", timing)); err != nil {
			return err
		}
		p.stats.RecordSignal(signal.CodeSuspiciousTiming)
	}

	if _, seen := p.knownCallers.LoadOrStore(ev.Caller, struct{}{}); !seen {
		first := map[string]any{
			"caller":  ev.Caller,
			"tx_hash": ev.TxHash,
			"block":   ev.Block,
			"action":  string(signal.ActionCancel),
		}
		if err := p.pub.Send(ctx, signal.New(signal.CodeNewExploiter, signal.SeverityCritical, "processor", first)); err != nil {
			return err
		}
		p.stats.RecordSignal(signal.CodeNewExploiter)
	}

	p.stats.RecordSignal(signal.CodeNonceIncrement)
	return nil
}
