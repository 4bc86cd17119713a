package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/assure/pkg/blob"
	"github.com/Mindburn-Labs/assure/pkg/collector"
	"github.com/Mindburn-Labs/assure/pkg/compliance"
	"github.com/Mindburn-Labs/assure/pkg/config"
	"github.com/Mindburn-Labs/assure/pkg/ledger"
	"github.com/Mindburn-Labs/assure/pkg/notify"
	"github.com/Mindburn-Labs/assure/pkg/observability"
	"github.com/Mindburn-Labs/assure/pkg/pipeline"
	"github.com/Mindburn-Labs/assure/pkg/queue"
	"github.com/Mindburn-Labs/assure/pkg/remediation"
	"github.com/Mindburn-Labs/assure/pkg/resiliency"
	"github.com/Mindburn-Labs/assure/pkg/secrets"
	"github.com/Mindburn-Labs/assure/pkg/store"
	"github.com/Mindburn-Labs/assure/pkg/ticketing"
)

// app holds the wired pipeline for one process.
type app struct {
	cfg        *config.Config
	store      *store.SQLStore
	catalog    *store.CachedCatalog
	kms        *secrets.LocalKMS
	ledger     *ledger.Ledger
	queue      queue.Queue
	obs        *observability.Provider
	collection *pipeline.CollectionWorker
	check      *pipeline.CheckWorker
	scheduler  *pipeline.Scheduler
	closers    []func() error
}

// loadConfig reads and validates the environment and installs logging.
func loadConfig(stderr io.Writer) (*config.Config, error) {
	cfg := config.Load()
	setupLogging(cfg, stderr)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	logger := slog.Default().With("component", "assure")

	a.store, err = store.Open(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)
	if cfg.DatabaseURL == "" {
		logger.InfoContext(ctx, "lite mode: using sqlite", "data_dir", cfg.DataDir)
	}

	controls, err := seedControls(ctx, cfg, a.store)
	if err != nil {
		return nil, err
	}
	a.catalog, err = store.NewCachedCatalog(a.store, 256)
	if err != nil {
		return nil, err
	}

	blobs, err := blob.NewStore(ctx, blob.Config{
		Type:     blob.StoreType(cfg.BlobType),
		DataDir:  cfg.DataDir,
		Bucket:   cfg.BlobBucket,
		Region:   cfg.BlobRegion,
		Endpoint: cfg.BlobEndpoint,
		Prefix:   cfg.BlobPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}
	if c, ok := blobs.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	a.kms, err = secrets.NewLocalKMS(cfg.KeystorePath)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}

	guardCfg := resiliency.GuardConfig{
		Threshold:    cfg.BreakerThreshold,
		ResetTimeout: cfg.BreakerResetTimeout,
		Retry:        resiliency.Policy{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBaseDelay},
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.queue = queue.NewRedisQueue(client, "").WithVisibilityTimeout(cfg.JobVisibility)
		guardCfg.Store = resiliency.NewRedisStateStore(client, "")
	} else {
		logger.InfoContext(ctx, "REDIS_URL not set: queues and breaker state are in-process")
		a.queue = queue.NewMemoryQueue()
	}

	var notifier notify.Notifier
	if cfg.NATSURL != "" {
		nc, err := notify.Connect(cfg.NATSURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { nc.Close(); return nil })
		notifier = notify.NewNATSNotifier(nc, cfg.AlertSubject)
	} else {
		notifier = notify.NewLogNotifier(slog.Default())
	}

	a.obs, err = observability.New(ctx, &observability.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTelEnabled,
		Insecure:       true,
		Prometheus:     cfg.MetricsAddr != "",
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.obs.Shutdown(shutdownCtx)
	})

	httpClient := resiliency.NewHTTPClient()
	registry := collector.NewRegistry(guardCfg,
		collector.NewAWSCollector(),
		collector.NewGCPCollector(),
		collector.NewGitHubCollector(httpClient),
	)
	resolver := collector.NewResolver(collector.DefaultMapping())
	if err := resolver.Validate(registry, controls); err != nil {
		return nil, fmt.Errorf("collector mapping: %w", err)
	}

	a.ledger = ledger.New(a.store, blobs)
	coordinator := remediation.NewCoordinator(a.store, notifier, a.kms, ticketing.NewFactory(httpClient), guardCfg)

	a.collection = pipeline.NewCollectionWorker(a.store, a.catalog, resolver, registry, a.kms, a.ledger)
	a.check = pipeline.NewCheckWorker(a.store, a.ledger, resolver, a.queue, coordinator).WithObservability(a.obs)
	a.scheduler = pipeline.NewScheduler(a.store, a.queue, cfg.SchedulerInterval)
	return a, nil
}

// seedControls loads CONTROLS_FILE, or the built-in catalog into an empty store.
func seedControls(ctx context.Context, cfg *config.Config, s *store.SQLStore) ([]compliance.Control, error) {
	if cfg.ControlsFile != "" {
		controls, err := config.LoadControls(cfg.ControlsFile)
		if err != nil {
			return nil, err
		}
		if err := store.Seed(ctx, s, controls); err != nil {
			return nil, fmt.Errorf("seed controls: %w", err)
		}
	}

	existing, err := s.ListControls(ctx)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}
	if err := store.Seed(ctx, s, store.DefaultControls()); err != nil {
		return nil, fmt.Errorf("seed controls: %w", err)
	}
	return s.ListControls(ctx)
}

// pools builds the two queue consumers.
func (a *app) pools() (collect, check *queue.Pool) {
	poolCfg := func(name string) queue.PoolConfig {
		return queue.PoolConfig{
			Queue:       name,
			Concurrency: a.cfg.WorkerConcurrency,
			MaxAttempts: a.cfg.JobMaxAttempts,
			Backoff:     a.cfg.JobBackoff,
		}
	}
	collect = queue.NewPool(a.queue, poolCfg(queue.EvidenceCollection), a.collection.Handle, a.obs)
	check = queue.NewPool(a.queue, poolCfg(queue.ComplianceCheck), pipeline.CheckHandler(a.check, a.scheduler), a.obs)
	return collect, check
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.Default().Warn("shutdown", "error", err)
	}
}
