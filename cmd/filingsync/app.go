package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"filingsync/internal/backfill"
	"filingsync/internal/bulk"
	"filingsync/internal/cache"
	"filingsync/internal/config"
	"filingsync/internal/gateway"
	"filingsync/internal/ingest"
	"filingsync/internal/jobs"
	"filingsync/internal/metrics"
	"filingsync/internal/query"
	"filingsync/internal/ratelimit"
	"filingsync/internal/sink"
	"filingsync/internal/store"
	"filingsync/internal/workpool"
)

// app holds every long-lived component of one process.
type app struct {
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	db       *store.DB
	tracker  *jobs.Tracker
	pipeline *ingest.Pipeline
	manager  *ingest.Manager
	gateway  *gateway.Gateway
	cache    *cache.Cache
	query    *query.Service
	refresh  *workpool.Pool
	backfill *workpool.Pool
	rejects  *sink.RejectWriter
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	clk := clock.RealClock{}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	db, err := store.Open(cfg.Store.Path, store.WithClock(clk), store.WithRetry(store.RetryConfig{
		Attempts: uint(cfg.Store.LockRetry.Attempts),
		Delay:    time.Duration(cfg.Store.LockRetry.DelayMS) * time.Millisecond,
	}))
	if err != nil {
		return nil, err
	}

	c, err := cache.New(db, cache.Config{
		DefaultTTL:    cfg.Cache.DefaultTTL,
		TTL:           cfg.Cache.TTL,
		MemoryEntries: cfg.Cache.MemoryEntries,
		StaleFraction: cfg.Cache.StaleFraction,
	}, clk, m)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{
		Concurrency: cfg.API.Concurrency,
		MinInterval: cfg.API.MinInterval,
	}, clk)
	refreshPool := workpool.New("cache-refresh", cfg.API.Concurrency, cfg.Backfill.QueueSize)
	backfillPool := workpool.New("backfill", cfg.Backfill.Workers, cfg.Backfill.QueueSize)

	gw := gateway.New(gateway.Config{
		BaseURL:     cfg.API.BaseURL,
		APIKey:      cfg.API.APIKey,
		Timeout:     cfg.API.Timeout,
		MinPageSize: cfg.API.MinPageSize,
		MaxPageSize: cfg.API.MaxPageSize,
		MaxRetries:  cfg.API.MaxRetries,
		Backoff:     cfg.API.Backoff,
	}, c, limiter, refreshPool,
		gateway.WithClock(clk),
		gateway.WithMetrics(m),
		gateway.WithRefreshRegistry(workpool.NewRegistry()),
	)

	bf := backfill.New(db, gw, backfillPool, workpool.NewRegistry(), cfg.Backfill.FetchTimeout, m)

	rejects, err := sink.NewRejectWriter(cfg.Bulk.RejectsDir)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	tracker := jobs.NewTracker(db)
	sk := sink.NewRetrySink(sink.NewStoreSink(db), cfg.Retry.Attempts, cfg.Retry.DelayMS)
	dl := bulk.NewDownloader(cfg.Bulk.DownloadDir, cfg.Bulk.DownloadTimeout, &http.Client{})
	pipeline := ingest.New(ingest.Config{
		Datasets:        cfg.Bulk.Datasets,
		ChunkSize:       cfg.Bulk.ChunkSize,
		CheckpointEvery: cfg.Bulk.CheckpointEvery,
	}, db, tracker, dl, sk, rejects, m)

	return &app{
		registry: reg,
		metrics:  m,
		db:       db,
		tracker:  tracker,
		pipeline: pipeline,
		manager:  ingest.NewManager(ctx, pipeline, tracker, workpool.NewRegistry()),
		gateway:  gw,
		cache:    c,
		query:    query.New(db, gw, bf),
		refresh:  refreshPool,
		backfill: backfillPool,
		rejects:  rejects,
	}, nil
}

// Close waits for background imports, drains the pools and closes the store.
func (a *app) Close() {
	a.manager.Wait()
	a.refresh.Close()
	a.backfill.Close()
	if err := a.rejects.Close(); err != nil {
		log.WithError(err).Warn("failed to close rejects files")
	}
	if err := a.db.Close(); err != nil {
		log.WithError(err).Warn("failed to close store")
	}
}
