// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseURL        string
	PeerDatabaseURL    string
	KMSKeyName         string
	LocalKMSKey        string
	GoogleCloudProject string
	LogLevel           string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64

	// 量子チャネルのパラメータ
	LocalPartyID  string
	QBERThreshold float64
	QKDSampleSize int

	// 鍵ライフサイクル
	KeyTTL          time.Duration
	KeyMaxUsage     uint
	CleanupInterval time.Duration

	MigrationsDir string
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		PeerDatabaseURL:    os.Getenv("PEER_DATABASE_URL"),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		LocalKMSKey:        os.Getenv("LOCAL_KMS_KEY"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),

		OtelEnabled:      getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:     getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:  getEnv("OTEL_SERVICE_NAME", "quantum-key-service"),
		OtelSamplingRate: getEnvFloat("OTEL_SAMPLING_RATE", 0.1),

		LocalPartyID:  getEnv("LOCAL_PARTY_ID", "local"),
		QBERThreshold: getEnvFloat("QKD_QBER_THRESHOLD", 0.11),
		QKDSampleSize: getEnvInt("QKD_SAMPLE_SIZE", 50),

		KeyTTL:          getEnvDuration("KEY_DEFAULT_TTL", 24*time.Hour),
		KeyMaxUsage:     uint(getEnvInt("KEY_DEFAULT_MAX_USAGE", 1)),
		CleanupInterval: getEnvDuration("CLEANUP_INTERVAL", time.Hour),

		MigrationsDir: getEnv("MIGRATIONS_DIR", "migrations"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}
