package eventlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/polysentry/nonce-guard/pkg/event"
)

func testEvent(block uint64, txHash, caller string) event.NonceEvent {
	return event.NonceEvent{
		Caller:    caller,
		TxHash:    txHash,
		Block:     block,
		GasPrice:  30_000_000_000,
		Timestamp: 1700000000 + int64(block)*2,
		Offset:    -10,
	}
}

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nonce_events.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestAppendAndReplay(t *testing.T) {
	l, _ := openTestLog(t)

	for i := uint64(1); i <= 3; i++ {
		written, err := l.Append(testEvent(i, string(rune('a'+i))+"0xhash", "0xcaller"))
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if !written {
			t.Fatalf("expected event %d to be written", i)
		}
	}

	var got []event.NonceEvent
	if err := l.ReplayFrom(0, func(e event.NonceEvent) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Block != 1 || got[2].Block != 3 {
		t.Fatalf("unexpected replay order: %v", got)
	}
}

func TestAppendDuplicateSuppressed(t *testing.T) {
	l, _ := openTestLog(t)

	e := testEvent(10, "0xAbCd", "0xcaller")
	if _, err := l.Append(e); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// Same hash, different case: still a duplicate.
	e2 := testEvent(10, "0xABCD", "0xcaller")
	written, err := l.Append(e2)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if written {
		t.Fatal("expected duplicate hash to be suppressed")
	}
	if l.Count() != 1 {
		t.Fatalf("expected count 1, got %d", l.Count())
	}
}

func TestRescanIsIdempotent(t *testing.T) {
	// Simulate restart: scan the same blocks twice across two log handles.
	path := filepath.Join(t.TempDir(), "events.jsonl")

	l1, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	for i := uint64(1); i <= 5; i++ {
		l1.Append(testEvent(i, "0xhash"+string(rune('0'+i)), "0xcaller"))
	}
	l1.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer l2.Close()

	for i := uint64(1); i <= 5; i++ {
		written, err := l2.Append(testEvent(i, "0xhash"+string(rune('0'+i)), "0xcaller"))
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if written {
			t.Fatalf("expected block %d replay to be a no-op", i)
		}
	}

	if l2.Count() != 5 {
		t.Fatalf("expected exactly 5 events after rescan, got %d", l2.Count())
	}
}

func TestReplayFromBlock(t *testing.T) {
	l, _ := openTestLog(t)

	for i := uint64(1); i <= 10; i++ {
		l.Append(testEvent(i, "0xh"+string(rune('0'+i)), "0xcaller"))
	}

	var got int
	l.ReplayFrom(7, func(e event.NonceEvent) error {
		if e.Block < 7 {
			t.Fatalf("replay returned block %d below requested 7", e.Block)
		}
		got++
		return nil
	})
	if got != 4 {
		t.Fatalf("expected 4 events from block 7, got %d", got)
	}
}

func TestTornTailTruncatedOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	l1, _ := Open(path)
	l1.Append(testEvent(1, "0xaaa", "0xcaller"))
	l1.Append(testEvent(2, "0xbbb", "0xcaller"))
	l1.Close()

	// Simulate a crash mid-write: partial record with no trailing newline.
	f, _ := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	f.WriteString(`{"caller":"0xcc","tx_hash":"0xcc`)
	f.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen with torn tail failed: %v", err)
	}
	defer l2.Close()

	if l2.Count() != 2 {
		t.Fatalf("expected 2 surviving events, got %d", l2.Count())
	}

	// Appends after recovery land on a clean record boundary.
	if _, err := l2.Append(testEvent(3, "0xccc", "0xcaller")); err != nil {
		t.Fatalf("append after recovery failed: %v", err)
	}

	var blocks []uint64
	l2.ReplayFrom(0, func(e event.NonceEvent) error {
		blocks = append(blocks, e.Block)
		return nil
	})
	if len(blocks) != 3 || blocks[2] != 3 {
		t.Fatalf("unexpected blocks after recovery: %v", blocks)
	}
}

func TestRollbackAbove(t *testing.T) {
	l, _ := openTestLog(t)

	for i := uint64(1); i <= 10; i++ {
		l.Append(testEvent(i, "0xh"+string(rune('0'+i)), "0xcaller"))
	}

	removed, err := l.RollbackAbove(6)
	if err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	if removed != 4 {
		t.Fatalf("expected 4 removed, got %d", removed)
	}
	if l.LastBlock() != 6 {
		t.Fatalf("expected last block 6, got %d", l.LastBlock())
	}

	// Re-scanning the rolled-back range produces a consistent log with no
	// duplicates and no gaps.
	for i := uint64(7); i <= 10; i++ {
		written, err := l.Append(testEvent(i, "0xh"+string(rune('0'+i)), "0xcaller"))
		if err != nil {
			t.Fatalf("re-append failed: %v", err)
		}
		if !written {
			t.Fatalf("expected block %d to be appendable after rollback", i)
		}
	}

	seen := make(map[uint64]int)
	l.ReplayFrom(0, func(e event.NonceEvent) error {
		seen[e.Block]++
		return nil
	})
	for i := uint64(1); i <= 10; i++ {
		if seen[i] != 1 {
			t.Fatalf("block %d recorded %d times, want exactly once", i, seen[i])
		}
	}
}

func TestLastBlockSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	l1, _ := Open(path)
	l1.Append(testEvent(42, "0xaaa", "0xcaller"))
	l1.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer l2.Close()

	if l2.LastBlock() != 42 {
		t.Fatalf("expected last block 42 after reopen, got %d", l2.LastBlock())
	}
}
