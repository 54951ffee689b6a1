package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Vast: VastConfig{APIKey: "test-key"},
		Storage: StorageConfig{
			Backend: StorageBackendGCS,
			Bucket:  "test-bucket",
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid gcs config",
			mutate: func(c *Config) {},
		},
		{
			name: "missing vast api key",
			mutate: func(c *Config) {
				c.Vast.APIKey = ""
			},
			wantErr: "VAST_API_KEY",
		},
		{
			name: "unknown storage backend",
			mutate: func(c *Config) {
				c.Storage.Backend = "s3"
			},
			wantErr: "invalid storage backend",
		},
		{
			name: "missing bucket",
			mutate: func(c *Config) {
				c.Storage.Bucket = ""
			},
			wantErr: "STORAGE_BUCKET",
		},
		{
			name: "minio backend requires access key",
			mutate: func(c *Config) {
				c.Storage.Backend = StorageBackendMinIO
			},
			wantErr: "MINIO_ACCESS_KEY",
		},
		{
			name: "minio backend with access key",
			mutate: func(c *Config) {
				c.Storage.Backend = StorageBackendMinIO
				c.Storage.MinIOAccessKey = "minioadmin"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "hello")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_FLOAT", "1.25")
	t.Setenv("TEST_FLOAT_BAD", "cheap")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_DUR", "45s")
	t.Setenv("TEST_DUR_BAD", "not-a-duration")

	assert.Equal(t, "hello", getEnv("TEST_STR", "fallback"))
	assert.Equal(t, "fallback", getEnv("TEST_MISSING", "fallback"))
	assert.Equal(t, 42, getEnvAsInt("TEST_INT", 7))
	assert.Equal(t, 7, getEnvAsInt("TEST_MISSING", 7))
	assert.Equal(t, 1.25, getEnvAsFloat("TEST_FLOAT", 0.5))
	assert.Equal(t, 0.5, getEnvAsFloat("TEST_FLOAT_BAD", 0.5))
	assert.Equal(t, 0.5, getEnvAsFloat("TEST_MISSING", 0.5))
	assert.True(t, getEnvAsBool("TEST_BOOL", false))
	assert.False(t, getEnvAsBool("TEST_MISSING", false))
	assert.Equal(t, 45*time.Second, getEnvAsDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvAsDuration("TEST_DUR_BAD", time.Minute))
}
