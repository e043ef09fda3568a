// Package config loads and validates exporter configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names.
const (
	QueueLocal  = "local"
	QueueRedis  = "redis"
	QueuePubSub = "pubsub"

	JobStoreMemory   = "memory"
	JobStoreRedis    = "redis"
	JobStorePostgres = "postgres"

	StorageGCS    = "gcs"
	StorageLocal  = "local"
	StorageMemory = "memory"

	PipelineEarthEngine = "earthengine"
	PipelineDryRun      = "dryrun"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	EarthEngine EarthEngineConfig `mapstructure:"earthengine"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	JobStore    JobStoreConfig    `mapstructure:"job_store"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int      `mapstructure:"port"`
	BaseURL               string   `mapstructure:"base_url"`
	MaxUploadMB           int      `mapstructure:"max_upload_mb"`
	RequestTimeoutSeconds int      `mapstructure:"request_timeout_seconds"`
	CORSOrigins           []string `mapstructure:"cors_origins"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// EarthEngineConfig holds Earth Engine credentials and export limits.
type EarthEngineConfig struct {
	Project              string  `mapstructure:"project"`
	ServiceAccountEmail  string  `mapstructure:"service_account_email"`
	CredentialsJSON      string  `mapstructure:"credentials_json"`
	Endpoint             string  `mapstructure:"endpoint"`
	MaxConcurrentExports int     `mapstructure:"max_concurrent_exports"`
	ExportsPerSecond     float64 `mapstructure:"exports_per_second"`
	PollIntervalSeconds  int     `mapstructure:"poll_interval_seconds"`
	MaxPixels            int64   `mapstructure:"max_pixels"`
}

// PipelineConfig selects the export backend.
type PipelineConfig struct {
	Backend           string `mapstructure:"backend"`
	JobTimeoutMinutes int    `mapstructure:"job_timeout_minutes"`
	DryRunDelayMs     int    `mapstructure:"dry_run_delay_ms"`
}

// StorageConfig selects the object store that holds exports.
type StorageConfig struct {
	Backend      string             `mapstructure:"backend"`
	Bucket       string             `mapstructure:"bucket"`
	Prefix       string             `mapstructure:"prefix"`
	ListPageSize int                `mapstructure:"list_page_size"`
	Local        LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig points the local backend at a directory.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// QueueConfig selects the execution path. Anything but local hands jobs
// to separate worker processes.
type QueueConfig struct {
	Backend  string       `mapstructure:"backend"`
	RedisURL string       `mapstructure:"redis_url"`
	RedisKey string       `mapstructure:"redis_key"`
	PubSub   PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig names the Pub/Sub resources used as the task queue.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// DispatchConfig sizes workers and admission retries.
type DispatchConfig struct {
	Workers        int `mapstructure:"workers"`
	QueueDepth     int `mapstructure:"queue_depth"`
	RetryInitialMs int `mapstructure:"retry_initial_ms"`
	RetryMaxMs     int `mapstructure:"retry_max_ms"`
}

// JobStoreConfig selects where job records live.
type JobStoreConfig struct {
	Backend              string         `mapstructure:"backend"`
	RedisURL             string         `mapstructure:"redis_url"`
	RedisPrefix          string         `mapstructure:"redis_prefix"`
	Postgres             PostgresConfig `mapstructure:"postgres"`
	RetentionHours       int            `mapstructure:"retention_hours"`
	SweepIntervalMinutes int            `mapstructure:"sweep_interval_minutes"`
}

// PostgresConfig controls access to the relational job store.
type PostgresConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// ArchiveConfig tunes download streaming.
type ArchiveConfig struct {
	Prefetch int `mapstructure:"prefetch"`
}

// JobsConfig bounds accepted parameters.
type JobsConfig struct {
	MinYear          int `mapstructure:"min_year"`
	DefaultStartYear int `mapstructure:"default_start_year"`
}

// envAliases binds the environment names used by existing deployments.
var envAliases = map[string]string{
	"earthengine.project":               "EE_PROJECT",
	"earthengine.service_account_email": "EE_SERVICE_ACCOUNT_EMAIL",
	"earthengine.credentials_json":      "GOOGLE_APPLICATION_CREDENTIALS_JSON",
	"storage.bucket":                    "GCS_BUCKET",
	"queue.redis_url":                   "REDIS_URL",
	"server.base_url":                   "PUBLIC_BASE_URL",
	"server.port":                       "PORT",
}

const envPrefix = "EXPORTER"

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, alias := range envAliases {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, alias); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", alias, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.resolveBackends()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.max_upload_mb", 50)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("earthengine.project", "")
	v.SetDefault("earthengine.service_account_email", "")
	v.SetDefault("earthengine.credentials_json", "")
	v.SetDefault("earthengine.endpoint", "")
	v.SetDefault("earthengine.max_concurrent_exports", 4)
	v.SetDefault("earthengine.exports_per_second", 1.0)
	v.SetDefault("earthengine.poll_interval_seconds", 10)
	v.SetDefault("earthengine.max_pixels", int64(1e10))
	v.SetDefault("pipeline.backend", "")
	v.SetDefault("pipeline.job_timeout_minutes", 120)
	v.SetDefault("pipeline.dry_run_delay_ms", 0)
	v.SetDefault("storage.backend", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "exports")
	v.SetDefault("storage.list_page_size", 500)
	v.SetDefault("storage.local.base_dir", "./data/exports")
	v.SetDefault("queue.backend", "")
	v.SetDefault("queue.redis_url", "")
	v.SetDefault("queue.redis_key", "s2x:tasks")
	v.SetDefault("queue.pubsub.project_id", "")
	v.SetDefault("queue.pubsub.topic", "")
	v.SetDefault("queue.pubsub.subscription", "")
	v.SetDefault("dispatch.workers", 2)
	v.SetDefault("dispatch.queue_depth", 16)
	v.SetDefault("dispatch.retry_initial_ms", 250)
	v.SetDefault("dispatch.retry_max_ms", 30000)
	v.SetDefault("job_store.backend", "")
	v.SetDefault("job_store.redis_url", "")
	v.SetDefault("job_store.redis_prefix", "s2x:")
	v.SetDefault("job_store.postgres.dsn", "")
	v.SetDefault("job_store.postgres.table", "export_jobs")
	v.SetDefault("job_store.retention_hours", 168)
	v.SetDefault("job_store.sweep_interval_minutes", 15)
	v.SetDefault("archive.prefetch", 4)
	v.SetDefault("jobs.min_year", 2017)
	v.SetDefault("jobs.default_start_year", 2018)
}

// resolveBackends fills backends left empty from the connection settings
// that are present, so setting REDIS_URL alone switches to the Redis queue.
func (c *Config) resolveBackends() {
	if c.Queue.Backend == "" {
		c.Queue.Backend = QueueLocal
		if c.Queue.RedisURL != "" {
			c.Queue.Backend = QueueRedis
		}
	}
	if c.JobStore.RedisURL == "" {
		c.JobStore.RedisURL = c.Queue.RedisURL
	}
	if c.JobStore.Backend == "" {
		switch {
		case c.JobStore.Postgres.DSN != "":
			c.JobStore.Backend = JobStorePostgres
		case c.JobStore.RedisURL != "":
			c.JobStore.Backend = JobStoreRedis
		default:
			c.JobStore.Backend = JobStoreMemory
		}
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageMemory
		if c.Storage.Bucket != "" {
			c.Storage.Backend = StorageGCS
		}
	}
	if c.Pipeline.Backend == "" {
		c.Pipeline.Backend = PipelineDryRun
		if c.EarthEngine.Project != "" {
			c.Pipeline.Backend = PipelineEarthEngine
		}
	}
	if c.Queue.PubSub.ProjectID == "" {
		c.Queue.PubSub.ProjectID = c.EarthEngine.Project
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("server.max_upload_mb must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be > 0")
	}
	if c.Dispatch.QueueDepth < 0 {
		return fmt.Errorf("dispatch.queue_depth must be >= 0")
	}
	if c.Pipeline.JobTimeoutMinutes <= 0 {
		return fmt.Errorf("pipeline.job_timeout_minutes must be > 0")
	}
	if c.JobStore.RetentionHours < 0 {
		return fmt.Errorf("job_store.retention_hours must be >= 0")
	}
	if c.Jobs.MinYear <= 0 || c.Jobs.DefaultStartYear < c.Jobs.MinYear {
		return fmt.Errorf("jobs.default_start_year must be >= jobs.min_year > 0")
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateJobStore(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	return c.validatePipeline()
}

func (c Config) validateQueue() error {
	switch c.Queue.Backend {
	case QueueLocal:
		return nil
	case QueueRedis:
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("queue.redis_url must be set for the redis queue")
		}
	case QueuePubSub:
		if c.Queue.PubSub.ProjectID == "" || c.Queue.PubSub.Topic == "" {
			return fmt.Errorf("queue.pubsub.project_id and queue.pubsub.topic must be set for the pubsub queue")
		}
	default:
		return fmt.Errorf("queue.backend %q is not one of local, redis, pubsub", c.Queue.Backend)
	}
	if c.JobStore.Backend == JobStoreMemory {
		return fmt.Errorf("job_store.backend must be redis or postgres when queue.backend is %s", c.Queue.Backend)
	}
	return nil
}

func (c Config) validateJobStore() error {
	switch c.JobStore.Backend {
	case JobStoreMemory:
	case JobStoreRedis:
		if c.JobStore.RedisURL == "" {
			return fmt.Errorf("job_store.redis_url must be set for the redis job store")
		}
	case JobStorePostgres:
		if c.JobStore.Postgres.DSN == "" {
			return fmt.Errorf("job_store.postgres.dsn must be set for the postgres job store")
		}
	default:
		return fmt.Errorf("job_store.backend %q is not one of memory, redis, postgres", c.JobStore.Backend)
	}
	return nil
}

func (c Config) validateStorage() error {
	switch c.Storage.Backend {
	case StorageMemory:
		if c.Queue.Backend != QueueLocal {
			return fmt.Errorf("storage.backend memory cannot be shared with worker processes")
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for gcs storage")
		}
	case StorageLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for local storage")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of gcs, local, memory", c.Storage.Backend)
	}
	return nil
}

func (c Config) validatePipeline() error {
	switch c.Pipeline.Backend {
	case PipelineDryRun:
		return nil
	case PipelineEarthEngine:
		if c.EarthEngine.Project == "" {
			return fmt.Errorf("earthengine.project must be set for the earthengine pipeline")
		}
		if c.Storage.Backend != StorageGCS {
			return fmt.Errorf("storage.backend must be gcs for the earthengine pipeline")
		}
		if c.EarthEngine.MaxConcurrentExports <= 0 {
			return fmt.Errorf("earthengine.max_concurrent_exports must be > 0")
		}
		return nil
	default:
		return fmt.Errorf("pipeline.backend %q is not one of earthengine, dryrun", c.Pipeline.Backend)
	}
}

// ExternalQueue reports whether jobs run in separate worker processes.
func (c Config) ExternalQueue() bool {
	return c.Queue.Backend != QueueLocal
}

// JobTimeout bounds a single job run.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Pipeline.JobTimeoutMinutes) * time.Minute
}

// Retention is how long finished job records are kept. Zero disables
// eviction.
func (c Config) Retention() time.Duration {
	return time.Duration(c.JobStore.RetentionHours) * time.Hour
}

// SweepInterval is how often expired job records are evicted.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.JobStore.SweepIntervalMinutes) * time.Minute
}

// RequestTimeout bounds non-streaming HTTP handlers.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// MaxUploadBytes caps boundary uploads.
func (c Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) << 20
}

// Presence reports which external settings are configured, as shown by
// the health endpoint.
func (c Config) Presence() map[string]bool {
	return map[string]bool{
		"earthengine_project":     c.EarthEngine.Project != "",
		"earthengine_credentials": c.EarthEngine.CredentialsJSON != "" || c.EarthEngine.ServiceAccountEmail != "",
		"storage_bucket":          c.Storage.Bucket != "",
		"external_queue":          c.ExternalQueue(),
	}
}
