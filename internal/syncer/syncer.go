// Package syncer follows the chain head by polling and feeds new blocks into
// the durable queue. It also owns reorg detection: recent block hashes are
// kept in bolt and compared against the chain on every advance; on a mismatch
// the event log and queue are rolled back to the fork point and the
// invalidated range is rescanned.
package syncer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/polysentry/nonce-guard/db"
	"github.com/polysentry/nonce-guard/internal/chain"
	"github.com/polysentry/nonce-guard/internal/eventlog"
	"github.com/polysentry/nonce-guard/internal/pool"
	"github.com/polysentry/nonce-guard/internal/processor"
	"github.com/polysentry/nonce-guard/internal/stats"
)

type (
	SyncerOpts struct {
		DB        db.DB
		Chain     chain.Chain
		EventLog  *eventlog.Log
		Pool      *pool.Pool
		Processor *processor.Processor
		Stats     *stats.Stats
		Logg      *slog.Logger
		// StartBlock seeds the scan bounds on first run. Zero means start
		// from the current head.
		StartBlock int64
		// PollInterval between head checks. Zero uses the default.
		PollInterval time.Duration
		// ConfirmationDepth is how many blocks behind the head are still
		// considered reorganizable. Zero uses the default.
		ConfirmationDepth uint64
	}

	Syncer struct {
		db                db.DB
		chain             chain.Chain
		eventLog          *eventlog.Log
		pool              *pool.Pool
		processor         *processor.Processor
		stats             *stats.Stats
		logg              *slog.Logger
		pollInterval      time.Duration
		confirmationDepth uint64
		stopCh            chan struct{}
	}
)

const (
	defaultPollInterval      = 2 * time.Second
	defaultConfirmationDepth = 12
	rollbackDrainTimeout     = 30 * time.Second
)

func New(o SyncerOpts) (*Syncer, error) {
	pollInterval := o.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	depth := o.ConfirmationDepth
	if depth == 0 {
		depth = defaultConfirmationDepth
	}

	s := &Syncer{
		db:                o.DB,
		chain:             o.Chain,
		eventLog:          o.EventLog,
		pool:              o.Pool,
		processor:         o.Processor,
		stats:             o.Stats,
		logg:              o.Logg,
		pollInterval:      pollInterval,
		confirmationDepth: depth,
		stopCh:            make(chan struct{}),
	}

	if err := s.bootstrapBounds(o.StartBlock); err != nil {
		return nil, err
	}
	return s, nil
}

// bootstrapBounds seeds the scan range on a fresh database. An existing lower
// bound means a previous run already established the frontier and the stored
// bounds win over the configured start block.
func (s *Syncer) bootstrapBounds(startBlock int64) error {
	lower, err := s.db.GetLowerBound()
	if err != nil {
		return fmt.Errorf("syncer: get lower bound: %w", err)
	}
	if lower > 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	latest, err := s.chain.GetLatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("syncer: get latest block: %w", err)
	}

	start := uint64(latest)
	if startBlock > 0 && uint64(startBlock) <= latest {
		start = uint64(startBlock)
	}

	if err := s.db.SetLowerBound(start); err != nil {
		return fmt.Errorf("syncer: set lower bound: %w", err)
	}
	if err := s.db.SetUpperBound(latest); err != nil {
		return fmt.Errorf("syncer: set upper bound: %w", err)
	}
	s.logg.Info("seeded scan bounds", "lower", start, "upper", latest)
	return nil
}

func (s *Syncer) Start() {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.logg.Debug("syncer shutting down")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.pollInterval*5)
			if err := s.tick(ctx); err != nil {
				s.logg.Error("syncer tick failed", "error", err)
			}
			cancel()
		}
	}
}

func (s *Syncer) Stop() {
	s.stopCh <- struct{}{}
}

func (s *Syncer) tick(ctx context.Context) error {
	latest, err := s.chain.GetLatestBlock(ctx)
	if err != nil {
		return fmt.Errorf("get latest block: %w", err)
	}
	s.stats.SetLatestBlock(latest)

	upper, err := s.db.GetUpperBound()
	if err != nil {
		return fmt.Errorf("get upper bound: %w", err)
	}
	if latest <= upper {
		return nil
	}

	for n := upper + 1; n <= latest; n++ {
		block, err := s.chain.GetBlock(ctx, n)
		if err != nil {
			return fmt.Errorf("fetch block %d: %w", n, err)
		}

		reorged, err := s.checkParentLink(ctx, block.NumberU64(), block.ParentHash().Bytes())
		if err != nil {
			return err
		}
		if reorged {
			// Bounds were rolled back to the fork point. Stop this advance;
			// the next tick rescans from there.
			return nil
		}

		if err := s.db.SetBlockHash(n, block.Hash().Bytes()); err != nil {
			return fmt.Errorf("record block hash %d: %w", n, err)
		}
		// Preload only once the block is durably queued, otherwise a failed
		// enqueue would strand the cached block with no worker to claim it.
		if err := s.pool.Push(n); err != nil {
			return fmt.Errorf("enqueue block %d: %w", n, err)
		}
		s.processor.PreloadBlock(block)

		if err := s.db.SetUpperBound(n); err != nil {
			return fmt.Errorf("advance upper bound to %d: %w", n, err)
		}
	}

	if latest > s.confirmationDepth {
		if err := s.db.PruneBlockHashesBelow(latest - s.confirmationDepth); err != nil {
			s.logg.Warn("block hash prune failed", "error", err)
		}
	}

	return nil
}

// checkParentLink compares the incoming block's parent hash against the
// recorded hash of its predecessor. A mismatch means the chain we scanned is
// no longer canonical; rollback walks back to the deepest block whose
// recorded hash still matches the chain and discards everything above it.
func (s *Syncer) checkParentLink(ctx context.Context, blockNumber uint64, parentHash []byte) (bool, error) {
	if blockNumber == 0 {
		return false, nil
	}

	stored, err := s.db.GetBlockHash(blockNumber - 1)
	if err != nil {
		return false, fmt.Errorf("get stored hash %d: %w", blockNumber-1, err)
	}
	if stored == nil || bytes.Equal(stored, parentHash) {
		return false, nil
	}

	s.logg.Warn("chain reorg detected",
		"block", blockNumber,
		"stored_parent", fmt.Sprintf("%x", stored),
		"chain_parent", fmt.Sprintf("%x", parentHash),
	)

	fork, err := s.findForkPoint(ctx, blockNumber-1)
	if err != nil {
		return false, fmt.Errorf("find fork point: %w", err)
	}

	return true, s.rollbackAbove(ctx, fork)
}

func (s *Syncer) findForkPoint(ctx context.Context, from uint64) (uint64, error) {
	floor := uint64(0)
	if from > s.confirmationDepth {
		floor = from - s.confirmationDepth
	}

	for n := from; n > floor; n-- {
		stored, err := s.db.GetBlockHash(n)
		if err != nil {
			return 0, err
		}
		if stored == nil {
			// Ring does not reach further back; treat this depth as safe.
			return n, nil
		}

		block, err := s.chain.GetBlock(ctx, n)
		if err != nil {
			return 0, err
		}
		if bytes.Equal(stored, block.Hash().Bytes()) {
			return n, nil
		}
	}

	// Divergence runs to the confirmation frontier; blocks at or below it
	// are treated as immutable.
	return floor, nil
}

func (s *Syncer) rollbackAbove(ctx context.Context, fork uint64) error {
	// A worker may still hold a dequeued block from the stale branch. Let it
	// finish before rewriting the log and queue, or its append and Complete
	// would land after the cleanup and corrupt the rescan.
	drainCtx, cancel := context.WithTimeout(ctx, rollbackDrainTimeout)
	defer cancel()
	if err := s.pool.WaitUntilIdle(drainCtx); err != nil {
		return fmt.Errorf("drain pool before rollback: %w", err)
	}

	removed, err := s.eventLog.RollbackAbove(fork)
	if err != nil {
		return fmt.Errorf("rollback event log above %d: %w", fork, err)
	}

	dropped, err := s.db.DropAbove(fork)
	if err != nil {
		return fmt.Errorf("drop queue state above %d: %w", fork, err)
	}

	s.logg.Warn("rolled back to fork point",
		"fork", fork,
		"events_removed", removed,
		"queue_entries_dropped", dropped,
	)
	s.pool.Notify()
	return nil
}
