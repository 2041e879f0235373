// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Chunk size bounds accepted by the server.
const (
	MinChunkSize = 1 * 1024 * 1024
	MaxChunkSize = 20 * 1024 * 1024

	// DefaultChunkSize is the client-side default chunk size (5 MiB).
	DefaultChunkSize = 5 * 1024 * 1024

	// MaxChunksPerSession caps the chunk count of a single session.
	MaxChunksPerSession = 10000
)

// Config holds the media server configuration.
type Config struct {
	Port     string
	DBPath   string
	MediaDir string

	MaxFileSize            int64
	SessionExpiryHours     int
	CleanupIntervalMinutes int

	StorageBackend    string // "filesystem" or "s3"
	S3Bucket          string
	S3Region          string
	S3Endpoint        string // Optional: S3-compatible endpoint
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool

	OwnerID              string
	OwnerRole            string
	IdentityURL          string
	IdentityServiceToken string
	ShareCacheTTLSeconds int
}

// Load reads the server configuration from environment variables with
// sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		DBPath:                 getEnv("DB_PATH", "./reelvault.db"),
		MediaDir:               getEnv("MEDIA_DIR", "./media"),
		MaxFileSize:            getEnvInt64("MAX_FILE_SIZE", 107374182400), // 100GB default
		SessionExpiryHours:     getEnvInt("SESSION_EXPIRY_HOURS", 24),
		CleanupIntervalMinutes: getEnvInt("CLEANUP_INTERVAL_MINUTES", 60),
		StorageBackend:         getEnv("STORAGE_BACKEND", "filesystem"),
		S3Bucket:               getEnv("S3_BUCKET", ""),
		S3Region:               getEnv("S3_REGION", ""),
		S3Endpoint:             getEnv("S3_ENDPOINT", ""),
		S3AccessKeyID:          getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey:      getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3ForcePathStyle:       getEnvBool("S3_FORCE_PATH_STYLE", false),
		OwnerID:                getEnv("OWNER_ID", ""),
		OwnerRole:              getEnv("OWNER_ROLE", "admin"),
		IdentityURL:            getEnv("IDENTITY_URL", ""),
		IdentityServiceToken:   getEnv("IDENTITY_SERVICE_TOKEN", ""),
		ShareCacheTTLSeconds:   getEnvInt("SHARE_CACHE_TTL_SECONDS", 60),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// validate ensures configuration values are sensible
func (c *Config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}

	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}

	if c.MediaDir == "" {
		return fmt.Errorf("MEDIA_DIR cannot be empty")
	}

	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive, got %d", c.MaxFileSize)
	}

	if c.SessionExpiryHours <= 0 {
		return fmt.Errorf("SESSION_EXPIRY_HOURS must be positive, got %d", c.SessionExpiryHours)
	}

	if c.CleanupIntervalMinutes <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL_MINUTES must be positive, got %d", c.CleanupIntervalMinutes)
	}

	switch c.StorageBackend {
	case "filesystem":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
		}
		if c.S3Region == "" {
			return fmt.Errorf("S3_REGION is required when STORAGE_BACKEND=s3")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be 'filesystem' or 's3', got %q", c.StorageBackend)
	}

	if c.OwnerID == "" {
		return fmt.Errorf("OWNER_ID cannot be empty")
	}

	if c.IdentityURL == "" {
		return fmt.Errorf("IDENTITY_URL cannot be empty")
	}

	if c.ShareCacheTTLSeconds <= 0 {
		return fmt.Errorf("SHARE_CACHE_TTL_SECONDS must be positive, got %d", c.ShareCacheTTLSeconds)
	}

	return nil
}

// UploaderConfig holds the client-side uploader configuration.
type UploaderConfig struct {
	ServerURL             string
	UserID                string
	ChunkSize             int64
	RequestTimeoutSeconds int
}

// LoadUploader reads the uploader configuration from environment variables.
// Validation of the required fields is deferred to the upload manager so the
// resulting errors carry the submission-time error types.
func LoadUploader() *UploaderConfig {
	return &UploaderConfig{
		ServerURL:             getEnv("REELVAULT_URL", ""),
		UserID:                getEnv("REELVAULT_USER_ID", ""),
		ChunkSize:             getEnvInt64("REELVAULT_CHUNK_SIZE", DefaultChunkSize),
		RequestTimeoutSeconds: getEnvInt("REELVAULT_REQUEST_TIMEOUT_SECONDS", 120),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvInt64 retrieves an int64 environment variable or returns a default value
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
