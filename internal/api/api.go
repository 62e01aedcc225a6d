package api

import (
	"encoding/json"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
	"github.com/polysentry/nonce-guard/internal/blacklist"
	"github.com/polysentry/nonce-guard/internal/pub"
	"github.com/polysentry/nonce-guard/internal/stats"
	"github.com/uptrace/bunrouter"
)

func New(statsProvider *stats.Stats, store *blacklist.Store, pub pub.Pub, enablePprof bool) *bunrouter.Router {
	router := bunrouter.New()

	router.GET("/metrics", metricsHandler())
	router.GET("/health", healthHandler(statsProvider, store, pub))
	router.GET("/stats", statsHandler(statsProvider))
	router.GET("/blacklist", blacklistHandler(store))

	if enablePprof {
		pprofHandler := bunrouter.HTTPHandler(http.DefaultServeMux)
		router.GET("/debug/pprof/*path", pprofHandler)
		router.POST("/debug/pprof/*path", pprofHandler)
	}

	return router
}

func metricsHandler() bunrouter.HandlerFunc {
	return func(w http.ResponseWriter, _ bunrouter.Request) error {
		metrics.WritePrometheus(w, true)
		return nil
	}
}

func healthHandler(s *stats.Stats, store *blacklist.Store, p pub.Pub) bunrouter.HandlerFunc {
	return func(w http.ResponseWriter, _ bunrouter.Request) error {
		healthy := true
		checks := map[string]bool{
			"publisher": p.Healthy(),
			"blacklist": !store.Degraded(),
			"syncer":    s.GetLatestBlock() > 0,
		}

		for _, v := range checks {
			if !v {
				healthy = false
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(checks)
		return nil
	}
}

func statsHandler(s *stats.Stats) bunrouter.HandlerFunc {
	return func(w http.ResponseWriter, _ bunrouter.Request) error {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.Summary())
		return nil
	}
}

func blacklistHandler(store *blacklist.Store) bunrouter.HandlerFunc {
	return func(w http.ResponseWriter, _ bunrouter.Request) error {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Count     int      `json:"count"`
			Degraded  bool     `json:"degraded"`
			Addresses []string `json:"addresses"`
		}{
			Count:     store.Size(),
			Degraded:  store.Degraded(),
			Addresses: store.Addresses(),
		})
		return nil
	}
}
