// Package config loads process configuration from the environment (which
// cmd/server first fills from a local .env by importing
// joho/godotenv/autoload), with a getEnv/getEnvInt helper family that falls
// back to documented defaults when a variable is unset.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is every environment-driven setting spec.md §6 and SPEC_FULL.md
// §6 name.
type Config struct {
	Env string

	UploadsPath     string
	ChunkSize       int64
	MaxChunks       int
	ChunkTimeout    time.Duration
	PathPrefix      string

	RetryBaseMillis    int64
	RetryMaxMillis     int64
	RetryMaxAttempts   int

	JWTSecret string

	S3Bucket                  string
	S3MultipartThresholdBytes int64
	AWSRegion                 string
	DynamoFilesTable          string
	SQSCompletionQueueURL     string

	RedisAddr string

	GRPCHealthAddr  string
	HTTPAddr        string
	OTELExporterAddr string
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	return int(getEnvInt64(key, int64(fallback)))
}

// Load reads Config from the process environment, applying spec.md §6's
// documented defaults.
func Load() Config {
	return Config{
		Env: getEnv("APP_ENV", "development"),

		UploadsPath:  getEnv("UPLOADS_PATH", "./uploads"),
		ChunkSize:    getEnvInt64("CHUNK_SIZE", 1048576),
		MaxChunks:    getEnvInt("MAX_CHUNKS", 1000),
		ChunkTimeout: time.Duration(getEnvInt64("CHUNK_TIMEOUT_MS", 1800000)) * time.Millisecond,
		PathPrefix:   getEnv("CHUNKED_PATH_PREFIX", "/chunked"),

		RetryBaseMillis:  getEnvInt64("RETRY_BASE_MS", 1000),
		RetryMaxMillis:   getEnvInt64("RETRY_MAX_MS", 30000),
		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),

		JWTSecret: getEnv("JWT_SECRET", ""),

		S3Bucket:                  getEnv("S3_BUCKET", ""),
		S3MultipartThresholdBytes: getEnvInt64("S3_MULTIPART_THRESHOLD_BYTES", 5*1024*1024),
		AWSRegion:                 getEnv("AWS_REGION", "us-east-1"),
		DynamoFilesTable:          getEnv("DYNAMODB_FILES_TABLE", "files"),
		SQSCompletionQueueURL:     getEnv("SQS_COMPLETION_QUEUE_URL", ""),

		RedisAddr: getEnv("REDIS_ADDR", ""),

		GRPCHealthAddr:   getEnv("GRPC_HEALTH_ADDR", ":9090"),
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		OTELExporterAddr: getEnv("OTEL_EXPORTER_ADDR", ""),
	}
}

// RetryBaseDelay converts RetryBaseMillis to a time.Duration.
func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseMillis) * time.Millisecond
}

// RetryMaxDelay converts RetryMaxMillis to a time.Duration.
func (c Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxMillis) * time.Millisecond
}
