package chunkuploader

import "time"

// Config holds configuration for the chunk upload scheduler.
type Config struct {
	// Concurrency is the number of upload workers.
	// Default: 3
	Concurrency int

	// MaxRetryPerChunk is the maximum number of attempts per chunk before
	// the whole upload is aborted.
	// Default: 3
	MaxRetryPerChunk int

	// RetryWait is the base backoff between attempts; attempt n waits n times
	// this duration.
	// Default: 2 seconds
	RetryWait time.Duration

	// HungThreshold is the duration by which a chunk upload must exceed the
	// average upload time to be considered hung and cancelled for a retry.
	// Zero disables hung detection.
	// Default: 30 seconds
	HungThreshold time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:      DefaultConcurrency,
		MaxRetryPerChunk: 3,
		RetryWait:        2 * time.Second,
		HungThreshold:    30 * time.Second,
	}
}

// DefaultConcurrency is the default number of parallel chunk uploads.
const DefaultConcurrency = 3
