package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type StorageBackend string

const (
	StorageBackendGCS   StorageBackend = "gcs"
	StorageBackendMinIO StorageBackend = "minio"
)

type Config struct {
	Server   ServerConfig
	Vast     VastConfig
	SSH      SSHConfig
	Storage  StorageConfig
	Training TrainingConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	Environment  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type VastConfig struct {
	APIKey          string
	BaseURL         string
	Timeout         time.Duration
	DefaultGPUName  string
	DefaultMaxPrice float64
}

type SSHConfig struct {
	User           string
	KeyPath        string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

type StorageConfig struct {
	Backend         StorageBackend
	Bucket          string
	CredentialsPath string
	SignedURLTTL    time.Duration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOUseSSL     bool
}

type TrainingConfig struct {
	Image     string
	DiskGB    int
	Workspace string
}

type LoggingConfig struct {
	Level    string
	FilePath string
}

func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			Environment:  getEnv("ENVIRONMENT", "development"),
			ReadTimeout:  getEnvAsDuration("READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("IDLE_TIMEOUT", 60*time.Second),
		},
		Vast: VastConfig{
			APIKey:          getEnv("VAST_API_KEY", ""),
			BaseURL:         getEnv("VAST_API_URL", "https://console.vast.ai/api/v0"),
			Timeout:         getEnvAsDuration("VAST_API_TIMEOUT", 30*time.Second),
			DefaultGPUName:  getEnv("VAST_GPU_NAME", "RTX 4090"),
			DefaultMaxPrice: getEnvAsFloat("VAST_MAX_PRICE", 1.0),
		},
		SSH: SSHConfig{
			User:           getEnv("SSH_USER", "root"),
			KeyPath:        getEnv("SSH_KEY_PATH", ""),
			ConnectTimeout: getEnvAsDuration("SSH_CONNECT_TIMEOUT", 10*time.Second),
			CommandTimeout: getEnvAsDuration("SSH_COMMAND_TIMEOUT", 5*time.Minute),
		},
		Storage: StorageConfig{
			Backend:         StorageBackend(getEnv("STORAGE_BACKEND", string(StorageBackendGCS))),
			Bucket:          getEnv("STORAGE_BUCKET", ""),
			CredentialsPath: getEnv("GCS_CREDENTIALS_PATH", "gcs-credentials.json"),
			SignedURLTTL:    getEnvAsDuration("SIGNED_URL_TTL", 15*time.Minute),
			MinIOEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
			MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", ""),
			MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", ""),
			MinIOUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),
		},
		Training: TrainingConfig{
			Image:     getEnv("TRAIN_IMAGE", "vastai/pytorch:2.5.1-cuda-12.1.1-devel"),
			DiskGB:    getEnvAsInt("TRAIN_DISK_GB", 50),
			Workspace: getEnv("TRAIN_WORKSPACE", "/workspace"),
		},
		Logging: LoggingConfig{
			Level:    getEnv("LOG_LEVEL", "INFO"),
			FilePath: getEnv("LOG_FILE", ""),
		},
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Vast.APIKey == "" {
		return fmt.Errorf("VAST_API_KEY must be set")
	}

	validBackends := map[StorageBackend]bool{
		StorageBackendGCS:   true,
		StorageBackendMinIO: true,
	}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("invalid storage backend: %s", c.Storage.Backend)
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("STORAGE_BUCKET must be set")
	}

	if c.Storage.Backend == StorageBackendMinIO && c.Storage.MinIOAccessKey == "" {
		return fmt.Errorf("MINIO_ACCESS_KEY must be set for the minio backend")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var value int
	fmt.Sscanf(valueStr, "%d", &value)
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var value float64
	if _, err := fmt.Sscanf(valueStr, "%f", &value); err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	return valueStr == "true" || valueStr == "1"
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return duration
}
