package db

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func setupTestDB(t *testing.T) DB {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	db, err := NewBoltDBWithPath(dbPath, 5)
	if err != nil {
		t.Fatalf("failed to create db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}

func TestEnqueueDequeueComplete(t *testing.T) {
	db := setupTestDB(t)

	if err := db.Enqueue(100); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	block, ok, err := db.Dequeue()
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if !ok {
		t.Fatal("expected to dequeue a block")
	}
	if block != 100 {
		t.Fatalf("expected block 100, got %d", block)
	}

	if err := db.Complete(100); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	_, ok, _ = db.Dequeue()
	if ok {
		t.Fatal("expected empty queue after complete")
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	db := setupTestDB(t)

	db.Enqueue(100)
	db.Enqueue(100)

	pending, _ := db.PendingCount()
	if pending != 1 {
		t.Fatalf("expected 1 pending, got %d", pending)
	}
}

func TestDequeueEmpty(t *testing.T) {
	db := setupTestDB(t)

	_, ok, err := db.Dequeue()
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if ok {
		t.Fatal("expected false for empty queue")
	}
}

func TestBatchEnqueueProcess(t *testing.T) {
	db := setupTestDB(t)

	blocks := []uint64{1, 2, 3, 4, 5}
	if err := db.EnqueueBatch(blocks); err != nil {
		t.Fatalf("enqueue batch failed: %v", err)
	}

	pending, _ := db.PendingCount()
	if pending != 5 {
		t.Fatalf("expected 5 pending, got %d", pending)
	}

	for i := 0; i < 5; i++ {
		block, ok, _ := db.Dequeue()
		if !ok {
			t.Fatalf("expected block %d", i+1)
		}
		if block != uint64(i+1) {
			t.Fatalf("expected block %d, got %d", i+1, block)
		}
		db.Complete(block)
	}

	pending, _ = db.PendingCount()
	if pending != 0 {
		t.Fatalf("expected 0 pending after complete, got %d", pending)
	}
}

func TestGetNextMissingBatch(t *testing.T) {
	db := setupTestDB(t)
	db.SetLowerBound(1)
	db.SetUpperBound(10)

	processed := []uint64{1, 2, 4, 5, 7, 8, 9, 10}
	db.EnqueueBatch(processed)
	for _, b := range processed {
		db.Dequeue()
		db.Complete(b)
	}

	missing, err := db.GetNextMissingBatch(1, 10, 10)
	if err != nil {
		t.Fatalf("get missing batch failed: %v", err)
	}

	expected := []uint64{3, 6}
	if len(missing) != len(expected) {
		t.Fatalf("expected %d missing, got %d: %v", len(expected), len(missing), missing)
	}
	for i, m := range missing {
		if m != expected[i] {
			t.Fatalf("expected missing[%d] = %d, got %d", i, expected[i], m)
		}
	}
}

func TestFailMovesToDLQAfterMaxRetries(t *testing.T) {
	db := setupTestDB(t)

	db.Enqueue(100)
	db.Dequeue()

	for i := 0; i < 4; i++ {
		if err := db.Fail(100, errors.New("transient error")); err != nil {
			t.Fatalf("fail failed: %v", err)
		}

		retried, _ := db.RetryFailed()
		if retried != 1 {
			t.Fatalf("attempt %d: expected 1 retried, got %d", i, retried)
		}
		db.Dequeue()
	}

	// 5th failure hits maxRetries and moves the block to the DLQ.
	if err := db.Fail(100, errors.New("permanent error")); err != nil {
		t.Fatalf("final fail failed: %v", err)
	}

	entries, err := db.GetDLQEntries()
	if err != nil {
		t.Fatalf("get dlq entries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 dlq entry, got %d", len(entries))
	}
	if entries[0].BlockNumber != 100 {
		t.Fatalf("expected dlq block 100, got %d", entries[0].BlockNumber)
	}
	if entries[0].LastError != "permanent error" {
		t.Fatalf("unexpected dlq error: %s", entries[0].LastError)
	}
}

func TestRecoverStale(t *testing.T) {
	db := setupTestDB(t)

	db.Enqueue(7)
	db.Dequeue()

	// Simulated crash: block 7 is stuck in processing state.
	recovered, err := db.RecoverStale()
	if err != nil {
		t.Fatalf("recover stale failed: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered, got %d", recovered)
	}

	block, ok, _ := db.Dequeue()
	if !ok || block != 7 {
		t.Fatalf("expected block 7 back in queue, got %d (ok=%v)", block, ok)
	}
}

func TestRequeueWithoutRetry(t *testing.T) {
	db := setupTestDB(t)

	db.Enqueue(42)
	db.Dequeue()

	if err := db.RequeueWithoutRetry(42); err != nil {
		t.Fatalf("requeue failed: %v", err)
	}

	block, ok, _ := db.Dequeue()
	if !ok || block != 42 {
		t.Fatalf("expected block 42 back, got %d (ok=%v)", block, ok)
	}

	// Retries were not consumed, so it takes the full maxRetries failures
	// to reach the DLQ.
	for i := 0; i < 4; i++ {
		db.Fail(42, errors.New("x"))
		db.RetryFailed()
		db.Dequeue()
	}
	entries, _ := db.GetDLQEntries()
	if len(entries) != 0 {
		t.Fatalf("expected no dlq entries yet, got %d", len(entries))
	}
}

func TestAdvanceLowerBound(t *testing.T) {
	db := setupTestDB(t)
	db.SetLowerBound(1)
	db.SetUpperBound(5)

	db.EnqueueBatch([]uint64{1, 2, 3, 5})
	for _, b := range []uint64{1, 2, 3, 5} {
		db.Dequeue()
		db.Complete(b)
	}

	newLower, err := db.AdvanceLowerBound()
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	// Blocks 1-3 are contiguously completed; 4 was never processed.
	if newLower != 4 {
		t.Fatalf("expected lower bound 4, got %d", newLower)
	}

	stored, _ := db.GetLowerBound()
	if stored != 4 {
		t.Fatalf("expected stored lower bound 4, got %d", stored)
	}
}

func TestDropAbove(t *testing.T) {
	db := setupTestDB(t)
	db.SetUpperBound(10)

	db.EnqueueBatch([]uint64{5, 6, 7, 8, 9, 10})
	for _, b := range []uint64{5, 6, 7} {
		db.Dequeue()
		db.Complete(b)
	}
	db.SetBlockHash(8, []byte{0xaa})
	db.SetBlockHash(9, []byte{0xbb})

	dropped, err := db.DropAbove(7)
	if err != nil {
		t.Fatalf("drop above failed: %v", err)
	}
	if dropped != 3 {
		t.Fatalf("expected 3 dropped queue entries, got %d", dropped)
	}

	upper, _ := db.GetUpperBound()
	if upper != 7 {
		t.Fatalf("expected upper bound capped to 7, got %d", upper)
	}

	hash, _ := db.GetBlockHash(8)
	if hash != nil {
		t.Fatal("expected block 8 hash removed")
	}

	// Rescanning the dropped range works from scratch.
	missing, _ := db.GetNextMissingBatch(8, 10, 10)
	if len(missing) != 3 {
		t.Fatalf("expected blocks 8-10 missing after drop, got %v", missing)
	}
}

func TestCompleteAfterDropDoesNotResurrect(t *testing.T) {
	db := setupTestDB(t)

	// A worker dequeues block 101, then a rollback drops everything above
	// 100 while the worker is still finishing. Its late Complete must not
	// recreate the entry, or the re-enqueue on rescan would be skipped as a
	// duplicate and the block never processed again.
	if err := db.Enqueue(101); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, ok, err := db.Dequeue(); err != nil || !ok {
		t.Fatalf("dequeue failed: ok=%v err=%v", ok, err)
	}

	if _, err := db.DropAbove(100); err != nil {
		t.Fatalf("drop above failed: %v", err)
	}
	if err := db.Complete(101); err != nil {
		t.Fatalf("late complete failed: %v", err)
	}

	if err := db.Enqueue(101); err != nil {
		t.Fatalf("re-enqueue failed: %v", err)
	}
	block, ok, err := db.Dequeue()
	if err != nil {
		t.Fatalf("dequeue after re-enqueue failed: %v", err)
	}
	if !ok || block != 101 {
		t.Fatalf("expected block 101 dequeued after rescan, got ok=%v block=%d", ok, block)
	}
}

func TestBlockHashRing(t *testing.T) {
	db := setupTestDB(t)

	db.SetBlockHash(100, []byte{0x01})
	db.SetBlockHash(101, []byte{0x02})
	db.SetBlockHash(102, []byte{0x03})

	hash, err := db.GetBlockHash(101)
	if err != nil {
		t.Fatalf("get hash failed: %v", err)
	}
	if !bytes.Equal(hash, []byte{0x02}) {
		t.Fatalf("unexpected hash: %x", hash)
	}

	if err := db.PruneBlockHashesBelow(102); err != nil {
		t.Fatalf("prune failed: %v", err)
	}

	hash, _ = db.GetBlockHash(100)
	if hash != nil {
		t.Fatal("expected block 100 hash pruned")
	}
	hash, _ = db.GetBlockHash(102)
	if hash == nil {
		t.Fatal("expected block 102 hash kept")
	}
}

func TestWatchdogCursor(t *testing.T) {
	db := setupTestDB(t)

	cursor, err := db.GetWatchdogCursor()
	if err != nil {
		t.Fatalf("get cursor failed: %v", err)
	}
	if cursor != 0 {
		t.Fatalf("expected zero cursor on fresh db, got %d", cursor)
	}

	if err := db.SetWatchdogCursor(123456); err != nil {
		t.Fatalf("set cursor failed: %v", err)
	}
	cursor, _ = db.GetWatchdogCursor()
	if cursor != 123456 {
		t.Fatalf("expected cursor 123456, got %d", cursor)
	}
}
