package upload

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnvRepo struct {
	values map[string]string
}

func (f fakeEnvRepo) Get(key string) string {
	return f.values[key]
}

func (f fakeEnvRepo) Set(key, value string) error {
	f.values[key] = value
	return nil
}

func (f fakeEnvRepo) Unset(key string) error {
	delete(f.values, key)
	return nil
}

func (f fakeEnvRepo) List() []string {
	var list []string
	for key, value := range f.values {
		list = append(list, fmt.Sprintf("%s=%s", key, value))
	}
	return list
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, int64(5*1024*1024), config.ChunkSize)
	assert.Equal(t, 3, config.Concurrency)
	assert.Equal(t, 3, config.MaxRetryPerChunk)
	assert.NoError(t, config.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "zero chunk size", mutate: func(c *Config) { c.ChunkSize = 0 }},
		{name: "negative chunk size", mutate: func(c *Config) { c.ChunkSize = -1 }},
		{name: "zero concurrency", mutate: func(c *Config) { c.Concurrency = 0 }},
		{name: "zero retry budget", mutate: func(c *Config) { c.MaxRetryPerChunk = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)
			assert.ErrorIs(t, config.Validate(), ErrInvalidConfig)
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	envRepo := fakeEnvRepo{values: map[string]string{
		"chunk_size":          "512KB",
		"concurrency":         "5",
		"max_retry_per_chunk": "7",
		"service_url":         "https://upload.example.com",
		"access_token":        "secret-token",
		"state_dir":           "/tmp/chunkupload-test",
	}}

	config, err := ConfigFromEnv(envRepo)
	require.NoError(t, err)

	assert.Equal(t, int64(512*1024), config.ChunkSize)
	assert.Equal(t, 5, config.Concurrency)
	assert.Equal(t, 7, config.MaxRetryPerChunk)
	assert.Equal(t, "https://upload.example.com", config.ServiceURL)
	assert.Equal(t, "secret-token", string(config.AccessToken))
	assert.Equal(t, "/tmp/chunkupload-test", config.StateDir)
}

func TestConfigFromEnv_Defaults(t *testing.T) {
	config, err := ConfigFromEnv(fakeEnvRepo{values: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig().ChunkSize, config.ChunkSize)
	assert.Equal(t, DefaultConfig().Concurrency, config.Concurrency)
	assert.Equal(t, DefaultConfig().MaxRetryPerChunk, config.MaxRetryPerChunk)
}

func TestConfigFromEnv_InvalidSize(t *testing.T) {
	_, err := ConfigFromEnv(fakeEnvRepo{values: map[string]string{
		"chunk_size": "five megabytes",
	}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigFromEnv_NegativeConcurrency(t *testing.T) {
	_, err := ConfigFromEnv(fakeEnvRepo{values: map[string]string{
		"concurrency": "-2",
	}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigStateDir(t *testing.T) {
	config := DefaultConfig()
	config.StateDir = "/var/lib/uploads"
	dir, err := config.stateDir()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/uploads", dir)

	config.StateDir = ""
	dir, err = config.stateDir()
	require.NoError(t, err)
	assert.Contains(t, dir, "chunkupload")
}

func TestConfigRetryWaitDefault(t *testing.T) {
	config := DefaultConfig()
	assert.Zero(t, config.RetryWait, "zero retry wait defers to the scheduler default")
	config.RetryWait = 10 * time.Second
	assert.NoError(t, config.Validate())
}
