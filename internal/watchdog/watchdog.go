// Package watchdog guards a trading address against settling with known
// exploiters. It walks new blocks, decodes every settlement fill involving
// the guarded address, and raises a critical signal when the counterparty is
// blacklisted. Whether to actually exit the position is the consumer's call;
// the signal only recommends it.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/polysentry/nonce-guard/db"
	"github.com/polysentry/nonce-guard/internal/blacklist"
	"github.com/polysentry/nonce-guard/internal/chain"
	"github.com/polysentry/nonce-guard/internal/pub"
	"github.com/polysentry/nonce-guard/internal/resolver"
	"github.com/polysentry/nonce-guard/internal/stats"
	"github.com/polysentry/nonce-guard/pkg/event"
	"github.com/polysentry/nonce-guard/pkg/signal"
)

type (
	WatchdogOpts struct {
		DB        db.DB
		Chain     chain.Chain
		Resolver  *resolver.Resolver
		Blacklist *blacklist.Store
		Pub       pub.Pub
		Stats     *stats.Stats
		Logg      *slog.Logger
		// GuardedAddress is the trading address whose fills are screened.
		GuardedAddress string
		// PollInterval between block sweeps. Zero uses the default.
		PollInterval time.Duration
	}

	Watchdog struct {
		db        db.DB
		chain     chain.Chain
		resolver  *resolver.Resolver
		blacklist *blacklist.Store
		pub       pub.Pub
		stats     *stats.Stats
		logg      *slog.Logger
		guarded   string
		interval  time.Duration
		stopCh    chan struct{}
	}
)

const (
	defaultPollInterval = 5 * time.Second
	// maxBlocksPerSweep bounds how far one tick walks so a long outage does
	// not turn the first tick back into a marathon.
	maxBlocksPerSweep = 30
)

func New(o WatchdogOpts) (*Watchdog, error) {
	if o.GuardedAddress == "" {
		return nil, fmt.Errorf("watchdog: guarded address is required")
	}

	interval := o.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	return &Watchdog{
		db:        o.DB,
		chain:     o.Chain,
		resolver:  o.Resolver,
		blacklist: o.Blacklist,
		pub:       o.Pub,
		stats:     o.Stats,
		logg:      o.Logg,
		guarded:   strings.ToLower(o.GuardedAddress),
		interval:  interval,
		stopCh:    make(chan struct{}),
	}, nil
}

func (w *Watchdog) Start() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.logg.Debug("watchdog shutting down")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.interval*5)
			if err := w.sweep(ctx); err != nil {
				w.logg.Error("watchdog sweep failed", "error", err)
			}
			cancel()
		}
	}
}

func (w *Watchdog) Stop() {
	w.stopCh <- struct{}{}
}

// sweep walks blocks from the persisted cursor to the head, screening every
// fill that involves the guarded address. The cursor only advances after a
// block's fills were fully screened, so a crash mid-sweep replays the block.
func (w *Watchdog) sweep(ctx context.Context) error {
	latest, err := w.chain.GetLatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("get latest block: %w", err)
	}

	cursor, err := w.db.GetWatchdogCursor()
	if err != nil {
		return fmt.Errorf("get cursor: %w", err)
	}
	if cursor == 0 {
		// First run: screen from the current head only, the past is not
		// actionable.
		if latest > 0 {
			cursor = latest - 1
		}
	}
	if cursor >= latest {
		return nil
	}

	end := latest
	if end-cursor > maxBlocksPerSweep {
		end = cursor + maxBlocksPerSweep
	}

	for n := cursor + 1; n <= end; n++ {
		receipts, err := w.chain.GetReceipts(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return fmt.Errorf("receipts for block %d: %w", n, err)
		}

		for _, fill := range w.resolver.FillsInReceipts(receipts) {
			if fill.Maker != w.guarded && fill.Taker != w.guarded {
				continue
			}
			if err := w.screenFill(ctx, fill); err != nil {
				return fmt.Errorf("screen fill %s: %w", fill.TxHash, err)
			}
		}

		if err := w.db.SetWatchdogCursor(n); err != nil {
			return fmt.Errorf("advance cursor to %d: %w", n, err)
		}
	}

	return nil
}

func (w *Watchdog) screenFill(ctx context.Context, fill event.FillRecord) error {
	counterparty := resolver.Counterparty(fill, w.guarded)
	if counterparty == "" {
		return nil
	}

	entry, hit := w.blacklist.Lookup(counterparty)
	if !hit {
		w.logg.Debug("fill counterparty clean",
			"tx", fill.TxHash, "counterparty", counterparty)
		return nil
	}

	w.logg.Error("guarded address filled against blacklisted counterparty",
		"tx", fill.TxHash,
		"block", fill.Block,
		"counterparty", counterparty,
		"source", entry.Source,
	)

	payload := map[string]any{
		"tx_hash":        fill.TxHash,
		"block":          fill.Block,
		"counterparty":   counterparty,
		"source":         string(entry.Source),
		"maker":          fill.Maker,
		"taker":          fill.Taker,
		"maker_amount":   fill.MakerAmount,
		"taker_amount":   fill.TakerAmount,
		"maker_asset_id": fill.MakerAssetID,
		"taker_asset_id": fill.TakerAssetID,
		"action":         string(signal.ActionSell),
	}
	if err := w.pub.Send(ctx, signal.New(signal.CodeBlacklistedCounterparty, signal.SeverityCritical, "watchdog", payload)); err != nil {
		return err
	}
	w.stats.RecordSignal(signal.CodeBlacklistedCounterparty)
	return nil
}
