// Package window correlates chain timestamps against the fixed 5-minute
// market resolution grid. Nonce-race calls cluster tightly around resolution
// boundaries, so the signed boundary offset is the primary discriminating
// feature attached to every logged event.
package window

import (
	"time"

	"github.com/polysentry/nonce-guard/pkg/event"
)

// Duration is the fixed market window length. Windows are aligned to
// 5-minute marks from midnight UTC.
const Duration = 300

// Offset maps a unix timestamp to its signed distance in seconds from the
// nearest window boundary. The result is always in [-150, 150]: negative
// means the timestamp is approaching the next boundary, positive means it
// just passed one, and a timestamp exactly on a boundary maps to 0.
func Offset(ts int64) int64 {
	m := ts % Duration
	if m < 0 {
		m += Duration
	}
	if m > Duration/2 {
		return m - Duration
	}
	return m
}

// At returns the full window context for a unix timestamp.
func At(ts int64) event.Window {
	start := ts - (ts % Duration)
	if ts%Duration < 0 {
		start -= Duration
	}
	end := start + Duration
	elapsed := ts - start
	return event.Window{
		Start:      start,
		End:        end,
		Remaining:  end - ts,
		Elapsed:    elapsed,
		PctElapsed: float64(elapsed) / float64(Duration) * 100,
	}
}

// Next returns the unix timestamp of the first boundary strictly after ts.
func Next(ts int64) int64 {
	return At(ts).End
}

// UntilNext returns the duration from ts to the next window boundary.
func UntilNext(ts int64) time.Duration {
	return time.Duration(Next(ts)-ts) * time.Second
}
