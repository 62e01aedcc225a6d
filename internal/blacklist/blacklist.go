// Package blacklist maintains the merged set of flagged addresses: callers
// derived from the durable event log unioned with a manually curated list.
// Refresh builds a whole new snapshot off to the side and publishes it
// atomically, so readers never observe a partially merged state and never
// block on a refresh in progress.
package blacklist

import (
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/polysentry/nonce-guard/internal/eventlog"
	"github.com/polysentry/nonce-guard/pkg/event"
)

type Source string

const (
	SourceDerived Source = "derived"
	SourceManual  Source = "manual"
)

const commentMarker = "#"

type (
	Entry struct {
		Address   string
		Source    Source
		FirstSeen int64
	}

	snapshot struct {
		entries  *xsync.MapOf[string, Entry]
		builtAt  time.Time
		degraded bool
	}

	StoreOpts struct {
		EventLog        *eventlog.Log
		ManualListPath  string
		RefreshInterval time.Duration
		Logg            *slog.Logger
	}

	Store struct {
		eventLog   *eventlog.Log
		manualPath string
		interval   time.Duration
		logg       *slog.Logger
		snap       atomic.Pointer[snapshot]
		stopCh     chan struct{}
		ticker     *time.Ticker
	}
)

func New(o StoreOpts) *Store {
	interval := o.RefreshInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	s := &Store{
		eventLog:   o.EventLog,
		manualPath: o.ManualListPath,
		interval:   interval,
		logg:       o.Logg,
		stopCh:     make(chan struct{}),
		ticker:     time.NewTicker(interval),
	}
	// Seed an empty snapshot so lookups before the first refresh answer
	// false instead of panicking.
	s.snap.Store(&snapshot{entries: xsync.NewMapOf[string, Entry]()})
	return s
}

// Refresh rebuilds the address set from a full event log replay plus the
// manual list and atomically publishes the result. An unreadable manual list
// degrades the refresh (derived addresses only, warning logged) rather than
// failing it; an unreadable event log fails the refresh and keeps the last
// published snapshot intact.
func (s *Store) Refresh() error {
	entries := xsync.NewMapOf[string, Entry]()

	err := s.eventLog.ReplayFrom(0, func(e event.NonceEvent) error {
		addr := normalize(e.Caller)
		if addr == "" {
			return nil
		}
		existing, ok := entries.Load(addr)
		if !ok || e.Timestamp < existing.FirstSeen {
			entries.Store(addr, Entry{
				Address:   addr,
				Source:    SourceDerived,
				FirstSeen: e.Timestamp,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	degraded := false
	if s.manualPath != "" {
		data, readErr := os.ReadFile(s.manualPath)
		switch {
		case readErr == nil:
			now := time.Now().Unix()
			for _, line := range strings.Split(string(data), "\n") {
				addr := normalize(line)
				if addr == "" || strings.HasPrefix(addr, commentMarker) {
					continue
				}
				firstSeen := now
				if existing, ok := entries.Load(addr); ok {
					firstSeen = existing.FirstSeen
				}
				// Manual entries take precedence over derived ones and never
				// expire.
				entries.Store(addr, Entry{
					Address:   addr,
					Source:    SourceManual,
					FirstSeen: firstSeen,
				})
			}
		case os.IsNotExist(readErr):
			// The operator pointed at a list that is not there. Serving
			// derived addresses only is survivable but must be visible.
			degraded = true
			s.logg.Warn("configured manual blacklist missing, refreshing with derived addresses only",
				"path", s.manualPath,
			)
		default:
			degraded = true
			s.logg.Warn("manual blacklist unreadable, refreshing with derived addresses only",
				"path", s.manualPath,
				"error", readErr,
			)
		}
	}

	old := s.snap.Load()
	s.snap.Store(&snapshot{
		entries:  entries,
		builtAt:  time.Now(),
		degraded: degraded,
	})

	if old.entries.Size() != entries.Size() {
		s.logg.Info("blacklist refreshed",
			"addresses", entries.Size(),
			"was", old.entries.Size(),
			"degraded", degraded,
		)
	}
	return nil
}

// IsBlacklisted answers against the last published snapshot. O(1), never
// blocks on a refresh in progress.
func (s *Store) IsBlacklisted(address string) bool {
	_, ok := s.snap.Load().entries.Load(normalize(address))
	return ok
}

func (s *Store) Lookup(address string) (Entry, bool) {
	return s.snap.Load().entries.Load(normalize(address))
}

func (s *Store) Size() int {
	return s.snap.Load().entries.Size()
}

func (s *Store) LastRefresh() time.Time {
	return s.snap.Load().builtAt
}

func (s *Store) Degraded() bool {
	return s.snap.Load().degraded
}

// Addresses returns a copy of the current snapshot's address set.
func (s *Store) Addresses() []string {
	snap := s.snap.Load()
	out := make([]string, 0, snap.entries.Size())
	snap.entries.Range(func(addr string, _ Entry) bool {
		out = append(out, addr)
		return true
	})
	return out
}

// Start runs the periodic refresh loop until Stop is called.
func (s *Store) Start() {
	for {
		select {
		case <-s.stopCh:
			s.logg.Debug("blacklist refresher shutting down")
			return
		case <-s.ticker.C:
			if err := s.Refresh(); err != nil {
				s.logg.Error("blacklist refresh failed, keeping last snapshot", "error", err)
			}
		}
	}
}

func (s *Store) Stop() {
	s.ticker.Stop()
	s.stopCh <- struct{}{}
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
