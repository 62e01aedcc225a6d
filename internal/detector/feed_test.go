package detector

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchBookParsesLevels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"bids": [{"price": "0.48", "size": "100"}, {"price": "0.47", "size": "250"}],
			"asks": [{"price": "0.52", "size": "80"}, {"price": "0.53", "size": "20"}]
		}`))
	}))
	defer srv.Close()

	f := NewFeed(FeedOpts{
		Detector:     newTestDetector(DetectorOpts{}),
		Logg:         slog.New(slog.DiscardHandler),
		BookEndpoint: srv.URL + "/book?market=%s",
		Markets:      []string{"btc-updown-5m"},
	})

	snap, err := f.fetchBook(context.Background(), "btc-updown-5m")
	if err != nil {
		t.Fatalf("fetch book: %v", err)
	}
	if snap.BestBid != 0.48 || snap.BestAsk != 0.52 {
		t.Fatalf("unexpected best prices: %f / %f", snap.BestBid, snap.BestAsk)
	}
	if snap.BidDepth != 350 || snap.AskDepth != 100 {
		t.Fatalf("unexpected depths: %f / %f", snap.BidDepth, snap.AskDepth)
	}
	if snap.Market != "btc-updown-5m" {
		t.Fatalf("unexpected market: %s", snap.Market)
	}
}

func TestFetchBookNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewFeed(FeedOpts{
		Detector:     newTestDetector(DetectorOpts{}),
		Logg:         slog.New(slog.DiscardHandler),
		BookEndpoint: srv.URL + "/book?market=%s",
	})

	if _, err := f.fetchBook(context.Background(), "btc-updown-5m"); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}
