package chunkuploader

import (
	"math"
	"runtime"
	"time"
)

// Config holds configuration for the chunk uploader.
type Config struct {
	// Concurrency is the exact number of workers draining the chunk queue.
	// Default: min(NumCPU * 3, 20), minimum 2
	Concurrency int

	// MaxRetries is the number of retries after the first failed attempt of a chunk.
	// Only transient failures are retried.
	// Default: 3
	MaxRetries int

	// BaseRetryDelay is the wait before the first retry; it doubles for every further retry.
	// Default: 1 second
	BaseRetryDelay time.Duration

	// HungThreshold is the duration after which an attempt is considered hung
	// if it exceeds the average attempt time by this amount. Hung attempts are
	// cancelled and counted as transient failures. Zero disables the detection.
	// Default: 30 seconds
	HungThreshold time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:    DefaultConcurrency(),
		MaxRetries:     3,
		BaseRetryDelay: time.Second,
		HungThreshold:  30 * time.Second,
	}
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := runtime.NumCPU() * 3

	if c > 20 {
		c = 20
	}

	if c < 2 {
		c = 2
	}

	return c
}

// RetryDelay returns the backoff before retry number `retry` (1-based): BaseRetryDelay * 2^(retry-1),
// saturating at the largest representable duration.
func (c Config) RetryDelay(retry int) time.Duration {
	if retry < 1 || c.BaseRetryDelay <= 0 {
		return 0
	}

	delay := c.BaseRetryDelay
	for i := 1; i < retry; i++ {
		if delay > math.MaxInt64/2 {
			return math.MaxInt64
		}
		delay *= 2
	}
	return delay
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseRetryDelay < 0 {
		c.BaseRetryDelay = 0
	}
	return c
}
