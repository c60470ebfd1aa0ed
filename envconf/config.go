// Package envconf builds the docflow configuration from environment variables.
package envconf

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-steputils/v2/stepconf"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/structllm/go-docflow/transfer/chunkplan"
	"github.com/structllm/go-docflow/transfer/chunkuploader"
	"github.com/structllm/go-docflow/transfer/stream"
)

// Environment variables read by Load.
const (
	APIURLKey          = "DOCFLOW_API_URL"
	APITokenKey        = "DOCFLOW_API_TOKEN"
	ChunkSizeKey       = "DOCFLOW_CHUNK_SIZE"
	ConcurrencyKey     = "DOCFLOW_UPLOAD_CONCURRENCY"
	MaxRetriesKey      = "DOCFLOW_MAX_RETRIES"
	RetryBaseDelayKey  = "DOCFLOW_RETRY_BASE_DELAY"
	ReconnectDelayKey  = "DOCFLOW_RECONNECT_DELAY"
	StreamSourceKey    = "DOCFLOW_STREAM_SOURCE"
	RedisURLKey        = "DOCFLOW_REDIS_URL"
	S3BucketKey        = "DOCFLOW_S3_BUCKET"
	AWSRegionKey       = "AWS_REGION"
	AWSAccessKeyIDKey  = "AWS_ACCESS_KEY_ID"
	AWSSecretAccessKey = "AWS_SECRET_ACCESS_KEY"
)

// Stream sources.
const (
	StreamSourceSSE   = "sse"
	StreamSourceRedis = "redis"
)

// S3Config selects the S3 chunk transport when Bucket is set.
type S3Config struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey stepconf.Secret
}

// Enabled ...
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// Config ...
type Config struct {
	APIBaseURL     string
	APIToken       stepconf.Secret
	ChunkSize      int64
	Concurrency    int
	MaxRetries     int
	RetryBaseDelay time.Duration
	ReconnectDelay time.Duration
	StreamSource   string
	RedisURL       stepconf.Secret
	S3             S3Config
}

// Load reads and validates the configuration.
func Load(envRepo env.Repository) (Config, error) {
	defaults := chunkuploader.DefaultConfig()

	cfg := Config{
		APIBaseURL:   strings.TrimSpace(envRepo.Get(APIURLKey)),
		APIToken:     stepconf.Secret(envRepo.Get(APITokenKey)),
		StreamSource: strings.ToLower(strings.TrimSpace(envRepo.Get(StreamSourceKey))),
		RedisURL:     stepconf.Secret(strings.TrimSpace(envRepo.Get(RedisURLKey))),
		S3: S3Config{
			Bucket:          strings.TrimSpace(envRepo.Get(S3BucketKey)),
			Region:          strings.TrimSpace(envRepo.Get(AWSRegionKey)),
			AccessKeyID:     envRepo.Get(AWSAccessKeyIDKey),
			SecretAccessKey: stepconf.Secret(envRepo.Get(AWSSecretAccessKey)),
		},
	}

	if cfg.APIBaseURL == "" {
		return Config{}, fmt.Errorf("the secret '%s' is not defined", APIURLKey)
	}
	if cfg.APIToken == "" {
		return Config{}, fmt.Errorf("the secret '%s' is not defined", APITokenKey)
	}

	var err error
	if cfg.ChunkSize, err = parseSize(envRepo, ChunkSizeKey, chunkplan.MinChunkSize); err != nil {
		return Config{}, err
	}
	if cfg.ChunkSize > chunkplan.MaxChunkSize {
		return Config{}, fmt.Errorf("%s should not exceed %s", ChunkSizeKey, units.BytesSize(float64(chunkplan.MaxChunkSize)))
	}
	if cfg.S3.Enabled() && cfg.ChunkSize < chunkplan.MinChunkSize {
		return Config{}, fmt.Errorf("%s should be at least %s for S3 uploads", ChunkSizeKey, units.BytesSize(float64(chunkplan.MinChunkSize)))
	}

	if cfg.Concurrency, err = parseInt(envRepo, ConcurrencyKey, defaults.Concurrency, 1); err != nil {
		return Config{}, err
	}
	if cfg.MaxRetries, err = parseInt(envRepo, MaxRetriesKey, defaults.MaxRetries, 0); err != nil {
		return Config{}, err
	}
	if cfg.RetryBaseDelay, err = parseDuration(envRepo, RetryBaseDelayKey, defaults.BaseRetryDelay); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectDelay, err = parseDuration(envRepo, ReconnectDelayKey, stream.DefaultReconnectDelay); err != nil {
		return Config{}, err
	}

	switch cfg.StreamSource {
	case "":
		cfg.StreamSource = StreamSourceSSE
	case StreamSourceSSE:
	case StreamSourceRedis:
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("%s is required when %s is %s", RedisURLKey, StreamSourceKey, StreamSourceRedis)
		}
	default:
		return Config{}, fmt.Errorf("%s should be one of %s, %s; got %s", StreamSourceKey, StreamSourceSSE, StreamSourceRedis, cfg.StreamSource)
	}

	if cfg.S3.Enabled() && cfg.S3.Region == "" {
		return Config{}, fmt.Errorf("%s is required when %s is set", AWSRegionKey, S3BucketKey)
	}

	return cfg, nil
}

// UploaderConfig returns the chunk uploader settings.
func (c Config) UploaderConfig() chunkuploader.Config {
	cfg := chunkuploader.DefaultConfig()
	cfg.Concurrency = c.Concurrency
	cfg.MaxRetries = c.MaxRetries
	cfg.BaseRetryDelay = c.RetryBaseDelay
	return cfg
}

// ReconnectPolicy returns the stream reconnect policy.
func (c Config) ReconnectPolicy() stream.ReconnectPolicy {
	return stream.FixedDelay(c.ReconnectDelay)
}

// Print logs the configuration with secrets redacted.
func (c Config) Print(logger log.Logger) {
	logger.Infof("Configuration:")
	logger.Printf("- API URL: %s", c.APIBaseURL)
	logger.Printf("- API token: %s", c.APIToken)
	logger.Printf("- Chunk size: %s", units.BytesSize(float64(c.ChunkSize)))
	logger.Printf("- Upload concurrency: %d", c.Concurrency)
	logger.Printf("- Max retries: %d (base delay %s)", c.MaxRetries, c.RetryBaseDelay)
	logger.Printf("- Stream source: %s (reconnect delay %s)", c.StreamSource, c.ReconnectDelay)
	if c.StreamSource == StreamSourceRedis {
		logger.Printf("- Redis URL: %s", c.RedisURL)
	}
	if c.S3.Enabled() {
		logger.Printf("- S3 bucket: %s (%s)", c.S3.Bucket, c.S3.Region)
	}
}

func parseSize(envRepo env.Repository, key string, fallback int64) (int64, error) {
	value := strings.TrimSpace(envRepo.Get(key))
	if value == "" {
		return fallback, nil
	}

	size, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("%s should be positive, got %s", key, value)
	}
	return size, nil
}

func parseInt(envRepo env.Repository, key string, fallback, min int) (int, error) {
	value := strings.TrimSpace(envRepo.Get(key))
	if value == "" {
		return fallback, nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n < min {
		return 0, fmt.Errorf("%s should be at least %d, got %d", key, min, n)
	}
	return n, nil
}

func parseDuration(envRepo env.Repository, key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(envRepo.Get(key))
	if value == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s should not be negative, got %s", key, value)
	}
	return d, nil
}
