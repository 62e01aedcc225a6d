// Package stats aggregates nonce-event counters for the HTTP API, the
// Prometheus scrape endpoint, and a periodic operator summary line.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/polysentry/nonce-guard/pkg/event"
	"github.com/polysentry/nonce-guard/pkg/signal"
	"github.com/puzpuzpuz/xsync/v3"
)

type (
	callerTally struct {
		Count        uint64
		SumRemaining uint64
	}

	CallerStats struct {
		Address      string  `json:"address"`
		Count        uint64  `json:"count"`
		AvgRemaining float64 `json:"avg_remaining_secs"`
	}

	TimingBuckets struct {
		// Tight counts events within 30s of resolution, the exploit's
		// natural habitat.
		Tight uint64 `json:"lt_30s"`
		Mid   uint64 `json:"30s_to_150s"`
		Far   uint64 `json:"gte_150s"`
	}

	APIStatsResponse struct {
		TotalEvents   uint64        `json:"total_events"`
		UniqueCallers int           `json:"unique_callers"`
		Buckets       TimingBuckets `json:"timing_buckets"`
		TopCallers    []CallerStats `json:"top_callers"`
		LatestBlock   uint64        `json:"latest_block"`
		UptimeSecs    int64         `json:"uptime_secs"`
	}

	StatsOpts struct {
		Logg *slog.Logger
	}

	Stats struct {
		logg        *slog.Logger
		startedAt   time.Time
		totalEvents atomic.Uint64
		tight       atomic.Uint64
		mid         atomic.Uint64
		far         atomic.Uint64
		latestBlock atomic.Uint64
		perCaller   *xsync.MapOf[string, *callerTally]

		eventsMetric *metrics.Counter
		tightMetric  *metrics.Counter
	}
)

const (
	tightBucketSecs = 30
	midBucketSecs   = 150

	topCallerLimit = 10
)

func New(o StatsOpts) *Stats {
	return &Stats{
		logg:         o.Logg,
		startedAt:    time.Now(),
		perCaller:    xsync.NewMapOf[string, *callerTally](),
		eventsMetric: metrics.GetOrCreateCounter(`guard_nonce_events_total`),
		tightMetric:  metrics.GetOrCreateCounter(`guard_nonce_events_tight_window_total`),
	}
}

func (s *Stats) RecordEvent(ev event.NonceEvent) {
	s.totalEvents.Add(1)
	s.eventsMetric.Inc()

	remaining := ev.Window.Remaining
	switch {
	case remaining < tightBucketSecs:
		s.tight.Add(1)
		s.tightMetric.Inc()
	case remaining < midBucketSecs:
		s.mid.Add(1)
	default:
		s.far.Add(1)
	}

	s.perCaller.Compute(ev.Caller, func(old *callerTally, _ bool) (*callerTally, bool) {
		if old == nil {
			old = &callerTally{}
		}
		return &callerTally{
			Count:        old.Count + 1,
			SumRemaining: old.SumRemaining + uint64(remaining),
		}, false
	})
}

func (s *Stats) RecordSignal(code signal.Code) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`guard_signals_total{code=%q}`, string(code))).Inc()
}

func (s *Stats) SetLatestBlock(n uint64) {
	for {
		cur := s.latestBlock.Load()
		if n <= cur || s.latestBlock.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (s *Stats) GetLatestBlock() uint64 {
	return s.latestBlock.Load()
}

func (s *Stats) Summary() APIStatsResponse {
	resp := APIStatsResponse{
		TotalEvents: s.totalEvents.Load(),
		Buckets: TimingBuckets{
			Tight: s.tight.Load(),
			Mid:   s.mid.Load(),
			Far:   s.far.Load(),
		},
		LatestBlock: s.latestBlock.Load(),
		UptimeSecs:  int64(time.Since(s.startedAt).Seconds()),
	}

	s.perCaller.Range(func(addr string, tally *callerTally) bool {
		resp.UniqueCallers++
		resp.TopCallers = append(resp.TopCallers, CallerStats{
			Address:      addr,
			Count:        tally.Count,
			AvgRemaining: float64(tally.SumRemaining) / float64(tally.Count),
		})
		return true
	})

	sort.Slice(resp.TopCallers, func(i, j int) bool {
		if resp.TopCallers[i].Count != resp.TopCallers[j].Count {
			return resp.TopCallers[i].Count > resp.TopCallers[j].Count
		}
		return resp.TopCallers[i].Address < resp.TopCallers[j].Address
	})
	if len(resp.TopCallers) > topCallerLimit {
		resp.TopCallers = resp.TopCallers[:topCallerLimit]
	}

	return resp
}

// StartSummaryLoop logs a one-line digest at the given interval until the
// context is canceled.
func (s *Stats) StartSummaryLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary := s.Summary()
			s.logg.Info("nonce event summary",
				"total_events", summary.TotalEvents,
				"unique_callers", summary.UniqueCallers,
				"tight_window", summary.Buckets.Tight,
				"latest_block", summary.LatestBlock,
			)
		}
	}
}
