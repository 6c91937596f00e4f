// Package config holds the process configuration for aqingest, read from
// the environment with the AQINGEST_ prefix.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Config is the full configuration of the ingestion service.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBName     string `envconfig:"DB_NAME" default:"airquality"`
	DBUser     string `envconfig:"DB_USER" default:"postgres"`
	DBPassword string `envconfig:"DB_PASSWORD" default:""`

	// DBPoolSize is the maximum number of simultaneous database sessions.
	// The batch manager keeps MaxConcurrentBatches*MaxConcurrentFiles at or
	// below this, with margin for the request layer.
	DBPoolSize int `envconfig:"DB_POOL_SIZE" default:"15"`

	// ScratchDir is where fetched parquet artifacts are staged before
	// parsing. Every file placed there is deleted when its ETL finishes.
	ScratchDir string `envconfig:"SCRATCH_DIR" default:"data/raw"`

	// BatchSize is the number of URLs grouped into one batch job.
	BatchSize int `envconfig:"BATCH_SIZE" default:"50"`

	// MaxConcurrentBatches is the global cap on batches running at once.
	MaxConcurrentBatches int `envconfig:"MAX_CONCURRENT_BATCHES" default:"3"`

	// MaxConcurrentFiles is the per-batch cap on files processed at once.
	MaxConcurrentFiles int `envconfig:"MAX_CONCURRENT_FILES_PER_BATCH" default:"3"`

	// LoaderBatchSize is the number of rows sent per COPY transaction.
	LoaderBatchSize int `envconfig:"LOADER_BATCH_SIZE" default:"50000"`

	FetchTimeoutSeconds int `envconfig:"FETCH_TIMEOUT_SECONDS" default:"300"`

	// UpsertMode routes loads through the slower staging-table merge so
	// that reruns with overlapping inputs do not abort whole batches.
	UpsertMode bool `envconfig:"UPSERT_MODE" default:"false"`

	// MaxURLsPerRequest bounds a single submission.
	MaxURLsPerRequest int `envconfig:"MAX_URLS_PER_REQUEST" default:"10000"`

	// FileRetries is the number of additional attempts for a failed file.
	// Zero disables retries, which is the default for the core pipeline.
	FileRetries int `envconfig:"FILE_RETRIES" default:"0"`

	// BootstrapRefData makes each ETL upsert the stations and
	// sampling-points projections parsed from its file before loading
	// measurements. Only useful when the dimension tables are empty.
	BootstrapRefData bool `envconfig:"BOOTSTRAP_REFDATA" default:"false"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("aqingest", &c); err != nil {
		return nil, errors.Wrap(err, "reading config from environment")
	}
	if c.BatchSize < 1 {
		return nil, errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.MaxConcurrentBatches < 1 || c.MaxConcurrentFiles < 1 {
		return nil, errors.New("concurrency caps must be positive")
	}
	return &c, nil
}

// ConnString returns the database connection string in URL form.
func (c *Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?pool_max_conns=%d",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBPoolSize)
}

// FetchTimeout returns the per-URL download timeout as a Duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}
