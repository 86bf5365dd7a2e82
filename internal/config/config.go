package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	SnowflakeID int64

	Telemetry TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Cache CacheConfig
	Sync  SyncLimitConfig
}

// TelemetryConfig carries logging and OpenTelemetry export settings.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OTLPEndpoint  string
	OTLPProtocol  string
	SamplingRatio float64
}

// CacheConfig selects where cached entitlements are persisted.
type CacheConfig struct {
	Store         string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// SyncLimitConfig throttles manual sync requests per user.
type SyncLimitConfig struct {
	RatePerMinute float64
	Burst         int
}

const (
	CacheStoreSQLite = "sqlite"
	CacheStoreRedis  = "redis"
	CacheStoreMemory = "memory"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "speechgate"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		SnowflakeID: getenvInt64("SNOWFLAKE_NODE", 1),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 1800)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 300)),

		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", false),
			OTLPEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OTLPProtocol:  otlpProtocol(),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
		Cache: CacheConfig{
			Store:         normalizeCacheStore(getenv("CACHE_STORE", CacheStoreSQLite)),
			SQLitePath:    getenv("CACHE_SQLITE_PATH", "speechgate-cache.db"),
			RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			RedisPassword: getenv("REDIS_PASSWORD", ""),
			RedisDB:       int(getenvInt64("REDIS_DB", 0)),
		},
		Sync: SyncLimitConfig{
			RatePerMinute: getenvFloat("SYNC_RATE_LIMIT_PER_MINUTE", 6),
			Burst:         int(getenvInt64("SYNC_RATE_LIMIT_BURST", 3)),
		},
	}

	return cfg
}

// otlpProtocol prefers the traces-specific override when it is set.
func otlpProtocol() string {
	protocol := getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))
	return strings.ToLower(strings.TrimSpace(protocol))
}

func normalizeCacheStore(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case CacheStoreRedis:
		return CacheStoreRedis
	case CacheStoreMemory:
		return CacheStoreMemory
	default:
		return CacheStoreSQLite
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
