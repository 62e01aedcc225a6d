package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	// Registers the pprof handlers on http.DefaultServeMux; the API only
	// mounts them when api.enable_pprof is set.
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/polysentry/nonce-guard/db"
	"github.com/polysentry/nonce-guard/internal/api"
	"github.com/polysentry/nonce-guard/internal/backfill"
	"github.com/polysentry/nonce-guard/internal/blacklist"
	"github.com/polysentry/nonce-guard/internal/chain"
	"github.com/polysentry/nonce-guard/internal/detector"
	"github.com/polysentry/nonce-guard/internal/eventlog"
	"github.com/polysentry/nonce-guard/internal/extractor"
	"github.com/polysentry/nonce-guard/internal/pool"
	"github.com/polysentry/nonce-guard/internal/processor"
	"github.com/polysentry/nonce-guard/internal/pub"
	"github.com/polysentry/nonce-guard/internal/resolver"
	"github.com/polysentry/nonce-guard/internal/stats"
	"github.com/polysentry/nonce-guard/internal/syncer"
	"github.com/polysentry/nonce-guard/internal/util"
	"github.com/polysentry/nonce-guard/internal/watchdog"
)

const defaultGracefulShutdownPeriod = time.Second * 30

var (
	build = "dev"

	confFlag string

	lo *slog.Logger
	ko *koanf.Koanf
)

func init() {
	flag.StringVar(&confFlag, "config", "config.toml", "Config file location")
	flag.Parse()

	lo = util.InitLogger()
	ko = util.InitConfig(lo, confFlag)
}

func main() {
	lo.Info("starting nonce-guard sentinel", "build", build, "chain_id", ko.MustInt64("chain.chainid"))

	var wg sync.WaitGroup
	ctx, stop := notifyShutdown()

	chainClient, err := chain.NewRPCFetcher(chain.EthRPCOpts{
		RPCEndpoints: ko.MustStrings("chain.rpc_endpoints"),
		ChainID:      ko.MustInt64("chain.chainid"),
	})
	if err != nil {
		lo.Error("could not initialize chain client", "error", err)
		os.Exit(1)
	}
	lo.Debug("loaded rpc fetcher")

	dbInstance, err := db.New(db.DBOpts{
		Logg:            lo,
		DBType:          ko.MustString("core.db_type"),
		Path:            ko.String("core.db_path"),
		MaxBlockRetries: ko.MustInt("core.max_block_retries"),
	})
	if err != nil {
		lo.Error("could not initialize blocks db", "error", err)
		os.Exit(1)
	}
	lo.Debug("loaded blocks db")

	recovered, err := dbInstance.RecoverStale()
	if err != nil {
		lo.Error("stale block recovery failed", "error", err)
		os.Exit(1)
	}
	if recovered > 0 {
		lo.Info("recovered stale blocks from crash", "count", recovered)
	}

	eventLog, err := eventlog.Open(ko.MustString("core.event_log_path"))
	if err != nil {
		lo.Error("could not open event log", "error", err)
		os.Exit(1)
	}
	lo.Debug("opened event log", "events", eventLog.Count(), "last_block", eventLog.LastBlock())

	jetStreamPub, err := pub.NewJetStreamPub(pub.JetStreamOpts{
		Endpoint:                ko.MustString("jetstream.endpoint"),
		PersistDuration:         time.Duration(ko.MustInt("jetstream.persist_duration_hrs")) * time.Hour,
		DedupWindow:             time.Duration(ko.Int("jetstream.dedup_window_hrs")) * time.Hour,
		StreamReplicas:          ko.Int("jetstream.stream_replicas"),
		MaxRetries:              ko.Int("publisher.max_retries"),
		CircuitBreakerThreshold: ko.Int("publisher.circuit_breaker_threshold"),
		CircuitBreakerTimeout:   time.Duration(ko.Int("publisher.circuit_breaker_timeout_s")) * time.Second,
		Logg:                    lo,
	})
	if err != nil {
		lo.Error("could not initialize jetstream pub", "error", err)
		os.Exit(1)
	}
	lo.Debug("loaded jetstream publisher")

	fileSink, err := pub.NewFileSinkPub(pub.FileSinkOpts{
		Path: ko.MustString("core.alert_log_path"),
		Logg: lo,
	})
	if err != nil {
		lo.Error("could not open alert sink", "error", err)
		os.Exit(1)
	}
	signalPub := pub.NewFanout(lo, jetStreamPub, fileSink)
	lo.Debug("bootstrapped signal publisher")

	blacklistStore := blacklist.New(blacklist.StoreOpts{
		EventLog:        eventLog,
		ManualListPath:  ko.String("blacklist.manual_list_path"),
		RefreshInterval: time.Duration(ko.Int("blacklist.refresh_interval_s")) * time.Second,
		Logg:            lo,
	})
	if err := blacklistStore.Refresh(); err != nil {
		lo.Error("initial blacklist refresh failed", "error", err)
		os.Exit(1)
	}
	lo.Debug("bootstrapped blacklist store", "addresses", blacklistStore.Size())

	eventExtractor, err := extractor.New(extractor.ExtractorOpts{
		ExchangeAddress: ko.MustString("exchange.address"),
		MethodSelector:  ko.MustString("exchange.nonce_selector"),
		ChainID:         ko.MustInt64("chain.chainid"),
		Logg:            lo,
	})
	if err != nil {
		lo.Error("could not initialize extractor", "error", err)
		os.Exit(1)
	}
	lo.Debug("bootstrapped extractor")

	statsProvider := stats.New(stats.StatsOpts{
		Logg: lo,
	})
	lo.Debug("bootstrapped stats provider")

	blockProcessor := processor.NewProcessor(processor.ProcessorOpts{
		Chain:                chainClient,
		Extractor:            eventExtractor,
		EventLog:             eventLog,
		Pub:                  signalPub,
		Stats:                statsProvider,
		Logg:                 lo,
		SuspiciousOffsetSecs: ko.Int64("exchange.suspicious_offset_s"),
	})
	if err := blockProcessor.Bootstrap(); err != nil {
		lo.Error("processor bootstrap failed", "error", err)
		os.Exit(1)
	}
	lo.Debug("bootstrapped processor")

	workerPool := pool.New(pool.PoolOpts{
		Logg:        lo,
		WorkerCount: ko.Int("core.pool_size"),
		DB:          dbInstance,
		Processor:   blockProcessor,
	})
	lo.Debug("bootstrapped worker pool")

	chainSyncer, err := syncer.New(syncer.SyncerOpts{
		DB:                dbInstance,
		Chain:             chainClient,
		EventLog:          eventLog,
		Pool:              workerPool,
		Processor:         blockProcessor,
		Stats:             statsProvider,
		Logg:              lo,
		StartBlock:        ko.Int64("chain.start_block"),
		PollInterval:      time.Duration(ko.Int("chain.poll_interval_ms")) * time.Millisecond,
		ConfirmationDepth: uint64(ko.Int64("chain.confirmation_depth")),
	})
	if err != nil {
		lo.Error("could not initialize chain syncer", "error", err)
		os.Exit(1)
	}
	lo.Debug("bootstrapped realtime syncer")

	backfiller := backfill.New(backfill.BackfillOpts{
		BatchSize: ko.MustInt("core.batch_size"),
		DB:        dbInstance,
		Logg:      lo,
		Pool:      workerPool,
		Chain:     chainClient,
		Processor: blockProcessor,
	})
	lo.Debug("bootstrapped backfiller")

	settlementResolver, err := resolver.New(resolver.ResolverOpts{
		Chain:            chainClient,
		ExchangeAddress:  ko.MustString("exchange.address"),
		OrderFilledTopic: ko.String("exchange.order_filled_topic"),
		Logg:             lo,
	})
	if err != nil {
		lo.Error("could not initialize resolver", "error", err)
		os.Exit(1)
	}
	lo.Debug("bootstrapped settlement resolver")

	var fillWatchdog *watchdog.Watchdog
	if guarded := ko.String("watchdog.guarded_address"); guarded != "" {
		fillWatchdog, err = watchdog.New(watchdog.WatchdogOpts{
			DB:             dbInstance,
			Chain:          chainClient,
			Resolver:       settlementResolver,
			Blacklist:      blacklistStore,
			Pub:            signalPub,
			Stats:          statsProvider,
			Logg:           lo,
			GuardedAddress: guarded,
			PollInterval:   time.Duration(ko.Int("watchdog.poll_interval_s")) * time.Second,
		})
		if err != nil {
			lo.Error("could not initialize watchdog", "error", err)
			os.Exit(1)
		}
		lo.Debug("bootstrapped fill watchdog", "guarded", guarded)
	}

	var bookFeed *detector.Feed
	if markets := ko.Strings("detector.markets"); len(markets) > 0 {
		anomalyDetector := detector.New(detector.DetectorOpts{
			WindowDuration:      time.Duration(ko.Int("detector.window_duration_s")) * time.Second,
			ThresholdMultiplier: ko.Float64("detector.threshold_multiplier"),
			AlertCooldown:       time.Duration(ko.Int("detector.alert_cooldown_s")) * time.Second,
			Logg:                lo,
		})
		bookFeed = detector.NewFeed(detector.FeedOpts{
			Detector:     anomalyDetector,
			Pub:          signalPub,
			Logg:         lo,
			BookEndpoint: ko.MustString("detector.book_endpoint"),
			Markets:      markets,
			PollInterval: time.Duration(ko.Int("detector.poll_interval_s")) * time.Second,
		})
		lo.Debug("bootstrapped anomaly detector feed", "markets", len(markets))
	}

	apiServer := &http.Server{
		Addr:    ko.MustString("api.address"),
		Handler: api.New(statsProvider, blacklistStore, signalPub, ko.Bool("api.enable_pprof")),
	}
	lo.Debug("bootstrapped API server")

	lo.Debug("starting routines")

	workerPool.Start(ctx)
	lo.Debug("started worker pool")

	if err := backfiller.CatchUp(ctx); err != nil {
		lo.Error("historical catchup failed", "error", err)
		os.Exit(1)
	}
	lo.Info("historical catchup complete, starting realtime syncer")

	wg.Add(1)
	go func() {
		defer wg.Done()
		chainSyncer.Start()
		lo.Debug("started chain syncer")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		backfiller.Start()
		lo.Debug("started periodic backfiller")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		blacklistStore.Start()
		lo.Debug("started blacklist refresh loop")
	}()

	if fillWatchdog != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fillWatchdog.Start()
			lo.Debug("started fill watchdog")
		}()
	}

	if bookFeed != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bookFeed.Start()
			lo.Debug("started detector book feed")
		}()
	}

	summaryCtx, summaryCancel := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		statsProvider.StartSummaryLoop(summaryCtx, 5*time.Minute)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		lo.Info("metrics and stats server starting", "address", ko.MustString("api.address"))
		if err := apiServer.ListenAndServe(); err != http.ErrServerClosed {
			lo.Error("failed to start API server", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	lo.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulShutdownPeriod)

	wg.Add(1)
	go func() {
		defer wg.Done()
		chainSyncer.Stop()
		backfiller.Stop()
		blacklistStore.Stop()
		if fillWatchdog != nil {
			fillWatchdog.Stop()
		}
		if bookFeed != nil {
			bookFeed.Stop()
		}
		summaryCancel()
		workerPool.Stop()
		signalPub.Close()
		dbInstance.Cleanup()
		dbInstance.Close()
		eventLog.Close()
		apiServer.Shutdown(shutdownCtx)
		lo.Info("graceful shutdown routine complete")
	}()

	go func() {
		wg.Wait()
		stop()
		cancel()
		os.Exit(0)
	}()

	<-shutdownCtx.Done()
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		stop()
		cancel()
		lo.Error("graceful shutdown period exceeded, forcefully shutting down")
	}
	os.Exit(1)
}

func notifyShutdown() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
}
