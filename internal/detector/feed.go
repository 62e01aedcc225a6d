package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/polysentry/nonce-guard/internal/pub"
	"github.com/polysentry/nonce-guard/pkg/event"
	"github.com/polysentry/nonce-guard/pkg/signal"
)

type (
	FeedOpts struct {
		Detector *Detector
		Pub      pub.Pub
		Logg     *slog.Logger
		// BookEndpoint is a URL template; %s is replaced with the market id.
		BookEndpoint string
		Markets      []string
		// PollInterval between book fetches per market. Zero uses the default.
		PollInterval time.Duration
	}

	// Feed polls orderbook snapshots for the configured markets and runs
	// them through the detector, publishing any resulting alerts.
	Feed struct {
		detector *Detector
		pub      pub.Pub
		logg     *slog.Logger
		endpoint string
		markets  []string
		interval time.Duration
		client   *http.Client
		stopCh   chan struct{}
	}

	bookLevel struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	}

	bookResponse struct {
		Bids []bookLevel `json:"bids"`
		Asks []bookLevel `json:"asks"`
	}
)

const defaultFeedInterval = 2 * time.Second

func NewFeed(o FeedOpts) *Feed {
	interval := o.PollInterval
	if interval <= 0 {
		interval = defaultFeedInterval
	}

	return &Feed{
		detector: o.Detector,
		pub:      o.Pub,
		logg:     o.Logg,
		endpoint: o.BookEndpoint,
		markets:  o.Markets,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		stopCh:   make(chan struct{}),
	}
}

func (f *Feed) Start() {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			f.logg.Debug("detector feed shutting down")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), f.interval*5)
			for _, market := range f.markets {
				if err := f.poll(ctx, market); err != nil {
					f.logg.Warn("book poll failed", "market", market, "error", err)
				}
			}
			cancel()
		}
	}
}

func (f *Feed) Stop() {
	f.stopCh <- struct{}{}
}

func (f *Feed) poll(ctx context.Context, market string) error {
	snap, err := f.fetchBook(ctx, market)
	if err != nil {
		return err
	}

	for _, alert := range f.detector.Observe(snap) {
		if err := f.publish(ctx, alert); err != nil {
			f.logg.Error("manipulation alert publish failed",
				"market", alert.Market, "kind", alert.Kind, "error", err)
		}
	}
	return nil
}

func (f *Feed) fetchBook(ctx context.Context, market string) (BookSnapshot, error) {
	url := fmt.Sprintf(f.endpoint, market)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return BookSnapshot{}, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return BookSnapshot{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return BookSnapshot{}, fmt.Errorf("book fetch %s: status %d", market, resp.StatusCode)
	}

	var book bookResponse
	if err := json.NewDecoder(resp.Body).Decode(&book); err != nil {
		return BookSnapshot{}, fmt.Errorf("decode book %s: %w", market, err)
	}

	snap := BookSnapshot{
		Market:    market,
		Timestamp: time.Now().Unix(),
	}
	snap.BestBid, snap.BidDepth = sideSummary(book.Bids)
	snap.BestAsk, snap.AskDepth = sideSummary(book.Asks)
	return snap, nil
}

// sideSummary returns the best (first) price and the total size across all
// levels of one book side. Malformed levels are skipped.
func sideSummary(levels []bookLevel) (best, depth float64) {
	for i, level := range levels {
		price, err := strconv.ParseFloat(level.Price, 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(level.Size, 64)
		if err != nil {
			continue
		}
		if i == 0 {
			best = price
		}
		depth += size
	}
	return best, depth
}

func (f *Feed) publish(ctx context.Context, alert event.ManipulationAlert) error {
	payload := map[string]any{
		"market":         alert.Market,
		"kind":           string(alert.Kind),
		"magnitude":      alert.Magnitude,
		"message":        alert.Message,
		"window_start":   alert.Window.Start,
		"window_end":     alert.Window.End,
		"remaining_secs": alert.Window.Remaining,
		"action":         string(signal.ActionHold),
	}
	return f.pub.Send(ctx, signal.New(signal.CodeMarketManipulation, signal.SeverityWarning, "detector", payload))
}
