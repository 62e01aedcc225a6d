// Package detector maintains short sliding-window statistics over orderbook
// snapshots and flags abnormal depth or price changes near resolution
// boundaries. Eviction is strictly time-based so detection sensitivity stays
// stable under variable snapshot rates.
package detector

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/polysentry/nonce-guard/internal/window"
	"github.com/polysentry/nonce-guard/pkg/event"
)

type (
	// BookSnapshot is one observation of a market's top-of-book state.
	BookSnapshot struct {
		Market    string
		Timestamp int64
		BestBid   float64
		BestAsk   float64
		BidDepth  float64
		AskDepth  float64
	}

	DetectorOpts struct {
		// WindowDuration bounds the trailing history per market.
		WindowDuration time.Duration
		// ThresholdMultiplier is the number of trailing standard deviations
		// (or, for a flat history, the relative deviation from the mean) a
		// delta must exceed to fire.
		ThresholdMultiplier float64
		// MinSamples is the minimum history size before any alert can fire.
		MinSamples int
		// AlertCooldown suppresses repeat alerts of the same kind per market.
		AlertCooldown time.Duration
		Logg          *slog.Logger
	}

	marketState struct {
		snaps     []BookSnapshot
		lastAlert map[event.AnomalyKind]int64
	}

	Detector struct {
		windowDuration time.Duration
		threshold      float64
		minSamples     int
		cooldown       time.Duration
		logg           *slog.Logger
		markets        map[string]*marketState
	}
)

const (
	defaultWindowDuration = 10 * time.Minute
	defaultThreshold      = 3.0
	defaultMinSamples     = 5
	defaultCooldown       = 15 * time.Second

	spreadExpansionFactor = 3.0
	spreadFloor           = 0.10
)

func New(o DetectorOpts) *Detector {
	if o.WindowDuration <= 0 {
		o.WindowDuration = defaultWindowDuration
	}
	if o.ThresholdMultiplier <= 0 {
		o.ThresholdMultiplier = defaultThreshold
	}
	if o.MinSamples <= 0 {
		o.MinSamples = defaultMinSamples
	}
	if o.AlertCooldown <= 0 {
		o.AlertCooldown = defaultCooldown
	}

	return &Detector{
		windowDuration: o.WindowDuration,
		threshold:      o.ThresholdMultiplier,
		minSamples:     o.MinSamples,
		cooldown:       o.AlertCooldown,
		logg:           o.Logg,
		markets:        make(map[string]*marketState),
	}
}

func (s BookSnapshot) mid() float64 {
	if s.BestBid > 0 && s.BestAsk > 0 {
		return (s.BestBid + s.BestAsk) / 2
	}
	return math.Max(s.BestBid, s.BestAsk)
}

func (s BookSnapshot) totalDepth() float64 {
	return s.BidDepth + s.AskDepth
}

func (s BookSnapshot) spread() float64 {
	if s.BestBid > 0 && s.BestAsk > 0 {
		return s.BestAsk - s.BestBid
	}
	return 0
}

// Observe folds a new snapshot into the market's sliding window and returns
// any alerts it triggered. The caller owns publishing. Observe is intended
// for a single feeding loop per detector; it is not safe for concurrent use.
func (d *Detector) Observe(snap BookSnapshot) []event.ManipulationAlert {
	state, ok := d.markets[snap.Market]
	if !ok {
		state = &marketState{lastAlert: make(map[event.AnomalyKind]int64)}
		d.markets[snap.Market] = state
	}

	state.evict(snap.Timestamp, d.windowDuration)

	var alerts []event.ManipulationAlert
	if len(state.snaps) >= d.minSamples {
		alerts = d.analyze(state, snap)
	}

	state.snaps = append(state.snaps, snap)
	return alerts
}

func (m *marketState) evict(now int64, windowDuration time.Duration) {
	cutoff := now - int64(windowDuration.Seconds())
	keep := 0
	for keep < len(m.snaps) && m.snaps[keep].Timestamp < cutoff {
		keep++
	}
	if keep > 0 {
		m.snaps = append(m.snaps[:0], m.snaps[keep:]...)
	}
}

func (d *Detector) analyze(state *marketState, snap BookSnapshot) []event.ManipulationAlert {
	var alerts []event.ManipulationAlert

	depthDev, depthDelta := deviation(state.snaps, snap, BookSnapshot.totalDepth)
	priceDev, _ := deviation(state.snaps, snap, BookSnapshot.mid)

	// One alert for the dominant deviating field: depth vs price.
	if depthDev >= d.threshold || priceDev >= d.threshold {
		kind := event.AnomalyPriceJump
		magnitude := priceDev
		detail := fmt.Sprintf("mid price deviated %.1fx from trailing history", priceDev)

		if depthDev >= priceDev {
			magnitude = depthDev
			if depthDelta >= 0 {
				kind = event.AnomalySizeSpike
				detail = fmt.Sprintf("orderbook depth spiked %.1fx above trailing history", depthDev)
			} else {
				kind = event.AnomalySizeVanish
				detail = fmt.Sprintf("orderbook depth vanished %.1fx below trailing history", depthDev)
			}
		}

		if alert, ok := d.fire(state, snap, kind, magnitude, detail); ok {
			alerts = append(alerts, alert)
		}
	}

	// Spread blowout is tracked independently: a market maker pulling quotes
	// widens the spread without necessarily moving mid or total depth much.
	if alert, ok := d.checkSpread(state, snap); ok {
		alerts = append(alerts, alert)
	}

	return alerts
}

// deviation measures how far the incoming snapshot's field is from the
// trailing window, as a multiple of the trailing standard deviation. A flat
// history has zero deviation to divide by; the fold change against the mean
// is used instead so a 10x depth change on a perfectly stable book still
// registers, in either direction.
func deviation(history []BookSnapshot, snap BookSnapshot, field func(BookSnapshot) float64) (score, delta float64) {
	var sum, sumSq float64
	for _, s := range history {
		v := field(s)
		sum += v
		sumSq += v * v
	}
	n := float64(len(history))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	std := math.Sqrt(variance)

	cur := field(snap)
	delta = cur - mean
	if std > 1e-9 {
		return math.Abs(delta) / std, delta
	}

	hi := math.Max(cur, mean)
	lo := math.Min(cur, mean)
	if hi <= 1e-9 {
		return 0, delta
	}
	if lo <= 1e-9 {
		// Full vanish (or appearance from nothing): unbounded fold change,
		// clamp the denominator so the score stays finite.
		lo = 1e-9
	}
	return hi/lo - 1, delta
}

func (d *Detector) checkSpread(state *marketState, snap BookSnapshot) (event.ManipulationAlert, bool) {
	prev := state.snaps[len(state.snaps)-1]
	spreadPrev := prev.spread()
	spreadNow := snap.spread()
	if spreadPrev <= 0 || spreadNow < spreadFloor {
		return event.ManipulationAlert{}, false
	}

	expansion := spreadNow / spreadPrev
	if expansion < spreadExpansionFactor {
		return event.ManipulationAlert{}, false
	}

	return d.fire(state, snap, event.AnomalySpreadBlowout, expansion,
		fmt.Sprintf("spread %.1fx wider: %.3f -> %.3f", expansion, spreadPrev, spreadNow))
}

func (d *Detector) fire(state *marketState, snap BookSnapshot, kind event.AnomalyKind, magnitude float64, detail string) (event.ManipulationAlert, bool) {
	if last, ok := state.lastAlert[kind]; ok && snap.Timestamp-last < int64(d.cooldown.Seconds()) {
		return event.ManipulationAlert{}, false
	}
	state.lastAlert[kind] = snap.Timestamp

	alert := event.ManipulationAlert{
		Timestamp: snap.Timestamp,
		Market:    snap.Market,
		Kind:      kind,
		Magnitude: magnitude,
		Message:   detail,
		Window:    window.At(snap.Timestamp),
	}

	d.logg.Warn("orderbook anomaly detected",
		"market", snap.Market,
		"kind", kind,
		"magnitude", magnitude,
		"detail", detail,
	)
	return alert, true
}
