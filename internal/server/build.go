package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	ee "google.golang.org/api/earthengine/v1"
	"google.golang.org/api/option"

	"github.com/JakeFAU/s2-index-exporter/internal/config"
	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
	"github.com/JakeFAU/s2-index-exporter/internal/pipeline/dryrun"
	"github.com/JakeFAU/s2-index-exporter/internal/pipeline/earthengine"
	"github.com/JakeFAU/s2-index-exporter/internal/policy/ratelimit"
	"github.com/JakeFAU/s2-index-exporter/internal/policy/simple"
	pubsubqueue "github.com/JakeFAU/s2-index-exporter/internal/queue/pubsub"
	redisqueue "github.com/JakeFAU/s2-index-exporter/internal/queue/redis"
	gcsstorage "github.com/JakeFAU/s2-index-exporter/internal/storage/gcs"
	localstorage "github.com/JakeFAU/s2-index-exporter/internal/storage/local"
	memorystorage "github.com/JakeFAU/s2-index-exporter/internal/storage/memory"
	pgstore "github.com/JakeFAU/s2-index-exporter/internal/storage/postgres"
	redisstore "github.com/JakeFAU/s2-index-exporter/internal/storage/redis"
)

// googleOptions returns the client options shared by every Google API
// client.
func (a *App) googleOptions() []option.ClientOption {
	if a.cfg.EarthEngine.CredentialsJSON == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsJSON([]byte(a.cfg.EarthEngine.CredentialsJSON))}
}

// redisClient returns one client per URL so the queue and the job store
// share a connection pool.
func (a *App) redisClient(url string) (*goredis.Client, error) {
	if client, ok := a.redis[url]; ok {
		return client, nil
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	a.redis[url] = client
	a.addCloser("redis", client.Close)
	a.probes["redis"] = func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		return nil
	}
	return client, nil
}

func (a *App) setupJobStore(ctx context.Context) (geoexport.JobStore, error) {
	cfg := a.cfg.JobStore
	switch cfg.Backend {
	case config.JobStoreRedis:
		client, err := a.redisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		store, err := redisstore.NewJobStore(client, redisstore.Config{
			KeyPrefix: cfg.RedisPrefix,
			Retention: a.cfg.Retention(),
		})
		if err != nil {
			return nil, fmt.Errorf("redis job store init failed: %w", err)
		}
		a.logger.Info("using redis job store", zap.String("prefix", cfg.RedisPrefix))
		return store, nil
	case config.JobStorePostgres:
		store, err := pgstore.NewJobStore(ctx, pgstore.Config{
			DSN:   cfg.Postgres.DSN,
			Table: cfg.Postgres.Table,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres job store init failed: %w", err)
		}
		a.addCloser("postgres", func() error {
			store.Close()
			return nil
		})
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("postgres job store schema: %w", err)
		}
		a.logger.Info("using postgres job store", zap.String("table", cfg.Postgres.Table))
		return store, nil
	default:
		a.logger.Info("using in-memory job store")
		return memorystorage.NewJobStore(), nil
	}
}

func (a *App) setupStorage(ctx context.Context) (geoexport.BlobStore, error) {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case config.StorageGCS:
		client, err := storage.NewClient(ctx, a.googleOptions()...)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.addCloser("gcs", client.Close)
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Bucket, PageSize: cfg.ListPageSize})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", cfg.Bucket))
		return blobs, nil
	case config.StorageLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", cfg.Local.BaseDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupQueue(ctx context.Context) (geoexport.Queue, error) {
	cfg := a.cfg.Queue
	switch cfg.Backend {
	case config.QueueRedis:
		client, err := a.redisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		q, err := redisqueue.New(client, redisqueue.Config{Key: cfg.RedisKey})
		if err != nil {
			return nil, fmt.Errorf("redis queue init failed: %w", err)
		}
		a.logger.Info("using redis task queue", zap.String("key", cfg.RedisKey))
		return q, nil
	case config.QueuePubSub:
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID, a.googleOptions()...)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.addCloser("pubsub", client.Close)
		q, err := pubsubqueue.New(client, pubsubqueue.Config{
			Topic:          cfg.PubSub.Topic,
			Subscription:   cfg.PubSub.Subscription,
			MaxOutstanding: a.cfg.Dispatch.Workers,
		}, a.logger.Named("pubsub"))
		if err != nil {
			return nil, fmt.Errorf("pubsub queue init failed: %w", err)
		}
		a.addCloser("pubsub queue", func() error {
			q.Stop()
			return nil
		})
		a.logger.Info("using Pub/Sub task queue",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.Topic),
			zap.String("subscription", cfg.PubSub.Subscription),
		)
		return q, nil
	default:
		return nil, errors.New("queue backend local has no external queue")
	}
}

func (a *App) setupPipeline(ctx context.Context, blobs geoexport.BlobStore) (geoexport.Pipeline, error) {
	cfg := a.cfg.EarthEngine
	if a.cfg.Pipeline.Backend != config.PipelineEarthEngine {
		delay := time.Duration(a.cfg.Pipeline.DryRunDelayMs) * time.Millisecond
		a.logger.Warn("using dry-run pipeline; exports are manifests only", zap.Duration("delay", delay))
		return dryrun.New(blobs, dryrun.Config{Delay: delay}, a.logger.Named("dryrun")), nil
	}

	opts := append(a.googleOptions(), option.WithScopes(ee.CloudPlatformScope))
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := ee.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("earth engine client init failed: %w", err)
	}
	var limiter earthengine.Limiter = simple.New()
	if cfg.ExportsPerSecond > 0 {
		limiter = ratelimit.New(ratelimit.Config{DefaultRPS: cfg.ExportsPerSecond, DefaultBurst: 1})
	}
	pipe, err := earthengine.New(svc, blobs, limiter, earthengine.Config{
		Project:       cfg.Project,
		Bucket:        a.cfg.Storage.Bucket,
		MaxConcurrent: cfg.MaxConcurrentExports,
		PollInterval:  time.Duration(cfg.PollIntervalSeconds) * time.Second,
		MaxPixels:     cfg.MaxPixels,
	}, a.logger.Named("earthengine"))
	if err != nil {
		return nil, fmt.Errorf("earth engine pipeline init failed: %w", err)
	}
	a.logger.Info("using Earth Engine pipeline",
		zap.String("project", cfg.Project),
		zap.String("service_account", cfg.ServiceAccountEmail),
		zap.Int("max_concurrent_exports", cfg.MaxConcurrentExports),
		zap.Float64("exports_per_second", cfg.ExportsPerSecond),
	)
	return pipe, nil
}

// addProbes registers the readiness checks that apply to every backend.
func (a *App) addProbes(blobs geoexport.BlobStore) {
	a.probes["job_store"] = func(ctx context.Context) error {
		_, err := a.registry.Get(ctx, "readiness-probe")
		if err == nil || errors.Is(err, geoexport.ErrUnknownJob) {
			return nil
		}
		return fmt.Errorf("job store: %w", err)
	}
	a.probes["object_store"] = func(ctx context.Context) error {
		_, err := blobs.ListObjects(ctx, a.cfg.Storage.Prefix+"/").Next()
		if err == nil || errors.Is(err, geoexport.ErrIteratorDone) {
			return nil
		}
		return fmt.Errorf("object store: %w", err)
	}
}
