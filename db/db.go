package db

import (
	"log/slog"
	"time"
)

type (
	DB interface {
		Close() error

		GetLowerBound() (uint64, error)
		SetLowerBound(uint64) error
		GetUpperBound() (uint64, error)
		SetUpperBound(uint64) error

		Enqueue(blockNumber uint64) error
		Dequeue() (uint64, bool, error)
		Complete(blockNumber uint64) error
		Fail(blockNumber uint64, processErr error) error
		RequeueWithoutRetry(blockNumber uint64) error
		RecoverStale() (int, error)
		RetryFailed() (int, error)
		GetNextMissingBatch(fromBlock, toBlock uint64, batchSize int) ([]uint64, error)
		EnqueueBatch(blocks []uint64) error

		// AdvanceLowerBound scans forward from the stored lower bound through
		// all contiguously completed blocks and updates the lower bound to the
		// first block that has not yet been completed. Returns the new lower
		// bound (unchanged if no blocks were advanced).
		AdvanceLowerBound() (uint64, error)

		// DropAbove removes all queue and pending state for blocks strictly
		// greater than blockNumber and caps the upper bound. Called during
		// reorg rollback so the invalidated range is rescanned from scratch.
		DropAbove(blockNumber uint64) (int, error)

		GetDLQEntries() ([]DLQEntry, error)

		PendingCount() (int, error)

		// Block hash ring for reorg detection. Only unconfirmed blocks need
		// hashes; entries below the confirmation frontier are pruned.
		SetBlockHash(blockNumber uint64, hash []byte) error
		GetBlockHash(blockNumber uint64) ([]byte, error)
		PruneBlockHashesBelow(blockNumber uint64) error

		GetWatchdogCursor() (uint64, error)
		SetWatchdogCursor(uint64) error

		Cleanup() error
	}

	DLQEntry struct {
		BlockNumber uint64
		LastError   string
		Attempts    int
		LastAttempt time.Time
	}

	DBOpts struct {
		Logg            *slog.Logger
		DBType          string
		Path            string
		MaxBlockRetries int
	}
)

func New(o DBOpts) (DB, error) {
	maxRetries := 5
	if o.MaxBlockRetries > 0 {
		maxRetries = o.MaxBlockRetries
	}

	path := o.Path
	if path == "" {
		path = dbFolderName
	}

	switch o.DBType {
	case "bolt":
		return NewBoltDBWithPath(path, maxRetries)
	default:
		o.Logg.Warn("invalid db type, using default type (bolt)")
		return NewBoltDBWithPath(path, maxRetries)
	}
}
