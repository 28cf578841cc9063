package upload

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-steputils/v2/stepconf"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"

	"github.com/hututu-yo/go-chunkupload/upload/network/chunkuploader"
)

// DefaultChunkSize is the chunk size used when none is configured.
const DefaultChunkSize int64 = 5 * 1024 * 1024

// Config is the upload engine configuration.
type Config struct {
	// ChunkSize is the size of each chunk in bytes; the last chunk of a file
	// may be shorter. Default: 5 MiB.
	ChunkSize int64
	// Concurrency is the number of parallel chunk uploads. Default: 3.
	Concurrency int
	// MaxRetryPerChunk bounds retries of transiently failing chunk sends.
	// Default: 3.
	MaxRetryPerChunk int
	// RetryWait is the base backoff between chunk retry attempts.
	// Zero selects the scheduler default (2s).
	RetryWait time.Duration

	// ServiceURL and AccessToken configure the default HTTP endpoint.
	ServiceURL  string
	AccessToken stepconf.Secret

	// StateDir is where resume records are persisted. Empty selects a
	// "chunkupload" directory under the user cache dir.
	StateDir string
}

// DefaultConfig returns a Config with defaults applied.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        DefaultChunkSize,
		Concurrency:      chunkuploader.DefaultConcurrency,
		MaxRetryPerChunk: 3,
	}
}

// Validate fails fast on values that would break chunk planning or
// scheduling, before any file or network I/O.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidConfig, c.ChunkSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1, got %d", ErrInvalidConfig, c.Concurrency)
	}
	if c.MaxRetryPerChunk < 1 {
		return fmt.Errorf("%w: retry budget must be at least 1, got %d", ErrInvalidConfig, c.MaxRetryPerChunk)
	}
	return nil
}

func (c Config) stateDir() (string, error) {
	if c.StateDir != "" {
		return c.StateDir, nil
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache dir: %w", err)
	}
	return filepath.Join(cacheDir, "chunkupload"), nil
}

type envInput struct {
	ChunkSize   string          `env:"chunk_size"`
	Concurrency int             `env:"concurrency"`
	MaxRetry    int             `env:"max_retry_per_chunk"`
	ServiceURL  string          `env:"service_url"`
	AccessToken stepconf.Secret `env:"access_token"`
	StateDir    string          `env:"state_dir"`
}

// ConfigFromEnv reads the configuration from the environment.
// chunk_size accepts human-readable sizes such as "5MB" or "512KB".
// Unset values fall back to defaults.
func ConfigFromEnv(envRepo env.Repository) (Config, error) {
	var input envInput
	if err := stepconf.NewInputParser(envRepo).Parse(&input); err != nil {
		return Config{}, fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}

	config := DefaultConfig()
	if input.ChunkSize != "" {
		size, err := units.RAMInBytes(input.ChunkSize)
		if err != nil {
			return Config{}, fmt.Errorf("%w: parse chunk_size %q: %s", ErrInvalidConfig, input.ChunkSize, err)
		}
		config.ChunkSize = size
	}
	if input.Concurrency != 0 {
		config.Concurrency = input.Concurrency
	}
	if input.MaxRetry != 0 {
		config.MaxRetryPerChunk = input.MaxRetry
	}
	config.ServiceURL = input.ServiceURL
	config.AccessToken = input.AccessToken
	config.StateDir = input.StateDir

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}
