package stats

import (
	"log/slog"
	"testing"

	"github.com/polysentry/nonce-guard/internal/window"
	"github.com/polysentry/nonce-guard/pkg/event"
)

func eventAt(caller string, block uint64, ts int64) event.NonceEvent {
	return event.NonceEvent{
		Caller:    caller,
		TxHash:    "0xabc",
		Block:     block,
		Timestamp: ts,
		Offset:    window.Offset(ts),
		Window:    window.At(ts),
	}
}

func TestTimingBuckets(t *testing.T) {
	s := New(StatsOpts{Logg: slog.New(slog.DiscardHandler)})

	base := int64(1_700_000_100) // window [1_700_000_100, 1_700_000_400)

	// 10s before window end: remaining < 30.
	s.RecordEvent(eventAt("0xaa", 1, base+290))
	// 100s before window end: 30 <= remaining < 150.
	s.RecordEvent(eventAt("0xaa", 2, base+200))
	// Right at window start: remaining = 300.
	s.RecordEvent(eventAt("0xbb", 3, base))

	summary := s.Summary()
	if summary.TotalEvents != 3 {
		t.Fatalf("expected 3 events, got %d", summary.TotalEvents)
	}
	if summary.Buckets.Tight != 1 || summary.Buckets.Mid != 1 || summary.Buckets.Far != 1 {
		t.Fatalf("unexpected buckets: %+v", summary.Buckets)
	}
	if summary.UniqueCallers != 2 {
		t.Fatalf("expected 2 unique callers, got %d", summary.UniqueCallers)
	}
}

func TestTopCallersRankedByCount(t *testing.T) {
	s := New(StatsOpts{Logg: slog.New(slog.DiscardHandler)})

	base := int64(1_700_000_100)
	for i := 0; i < 3; i++ {
		s.RecordEvent(eventAt("0xaa", uint64(i), base+int64(i)))
	}
	s.RecordEvent(eventAt("0xbb", 10, base))

	summary := s.Summary()
	if len(summary.TopCallers) != 2 {
		t.Fatalf("expected 2 callers, got %d", len(summary.TopCallers))
	}
	if summary.TopCallers[0].Address != "0xaa" || summary.TopCallers[0].Count != 3 {
		t.Fatalf("unexpected top caller: %+v", summary.TopCallers[0])
	}
}

func TestAvgRemaining(t *testing.T) {
	s := New(StatsOpts{Logg: slog.New(slog.DiscardHandler)})

	base := int64(1_700_000_100)
	s.RecordEvent(eventAt("0xaa", 1, base+100)) // remaining 200
	s.RecordEvent(eventAt("0xaa", 2, base+200)) // remaining 100

	summary := s.Summary()
	if got := summary.TopCallers[0].AvgRemaining; got != 150 {
		t.Fatalf("expected avg remaining 150, got %f", got)
	}
}

func TestLatestBlockMonotonic(t *testing.T) {
	s := New(StatsOpts{Logg: slog.New(slog.DiscardHandler)})

	s.SetLatestBlock(100)
	s.SetLatestBlock(90)
	if got := s.GetLatestBlock(); got != 100 {
		t.Fatalf("latest block regressed to %d", got)
	}
	s.SetLatestBlock(110)
	if got := s.GetLatestBlock(); got != 110 {
		t.Fatalf("expected 110, got %d", got)
	}
}
