package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the service
type Config struct {
	// Common
	Environment string
	LogLevel    string
	LogFile     string

	Database  DatabaseConfig
	Redis     RedisConfig
	Upbit     UpbitConfig
	Engine    EngineConfig
	Publisher PublisherConfig
	Retention RetentionConfig
	API       APIConfig
}

// DatabaseConfig holds PostgreSQL/TimescaleDB configuration
type DatabaseConfig struct {
	Enabled         bool
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Async snapshot write queue
	WriteBatchSize int
	WriteInterval  time.Duration
	WriteQueueSize int
	MaxRetries     int
	RetryDelay     time.Duration
}

// DSN returns a lib/pq connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled      bool
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	LatestTTL    time.Duration
	StreamName   string
	StreamMaxLen int64
}

// UpbitConfig holds exchange stream configuration
type UpbitConfig struct {
	Provider          string // "upbit" or "replay"
	WebSocketURL      string
	Symbols           []string // seeded into the registry when the symbol table is empty
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	PingPeriod        time.Duration
	BufferSize        int
	ReplayFile        string
	ReplayInterval    time.Duration
	ReplayLoop        bool
}

// EngineConfig holds metric computation constants
type EngineConfig struct {
	OrderbookLevels         int
	ImbalanceLevels         int
	TradeWindowMax          time.Duration
	TradeWindowMaxEntries   int
	CandleSeriesLen         int
	CandleInterval          time.Duration
	DefaultFreshness        time.Duration
	VolatilityAnnualization float64
	DefaultOrderSizeKRW     float64
	DefaultTIWindows        []int
	RemoveGrace             time.Duration
}

// PublisherConfig holds snapshot publisher configuration
type PublisherConfig struct {
	Interval       time.Duration
	MinInterval    time.Duration
	TIWindows      []int
	MaxRetries     int
	RetryDelay     time.Duration
	BreakerTimeout time.Duration
	BreakerTrips   int
}

// RetentionConfig holds persisted snapshot cleanup configuration
type RetentionConfig struct {
	MaxAge   time.Duration
	Interval time.Duration
}

// APIConfig holds REST API configuration
type APIConfig struct {
	Port         int
	JWTSecret    string
	RateLimitRPS int
	RateBurst    int
	QueryTimeout time.Duration
}

// Load loads configuration from environment variables.
// A .env file in the working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFile:     getEnv("LOG_FILE", ""),
		Database: DatabaseConfig{
			Enabled:         getEnvAsBool("DB_ENABLED", true),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "trade_agent"),
			Password:        getEnv("DB_PASSWORD", "password"),
			Database:        getEnv("DB_NAME", "upbit_metrics"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxConnections:  getEnvAsInt("DB_MAX_CONNECTIONS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			WriteBatchSize:  getEnvAsInt("DB_WRITE_BATCH_SIZE", 500),
			WriteInterval:   getEnvAsDuration("DB_WRITE_INTERVAL", time.Second),
			WriteQueueSize:  getEnvAsInt("DB_WRITE_QUEUE_SIZE", 1000),
			MaxRetries:      getEnvAsInt("DB_MAX_RETRIES", 3),
			RetryDelay:      getEnvAsDuration("DB_RETRY_DELAY", 100*time.Millisecond),
		},
		Redis: RedisConfig{
			Enabled:      getEnvAsBool("REDIS_ENABLED", true),
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnvAsInt("REDIS_PORT", 6379),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvAsInt("REDIS_MIN_IDLE_CONNS", 2),
			LatestTTL:    getEnvAsDuration("REDIS_LATEST_TTL", time.Minute),
			StreamName:   getEnv("REDIS_STREAM_NAME", "metrics.snapshots"),
			StreamMaxLen: int64(getEnvAsInt("REDIS_STREAM_MAX_LEN", 100000)),
		},
		Upbit: UpbitConfig{
			Provider:          getEnv("UPBIT_PROVIDER", "upbit"),
			WebSocketURL:      getEnv("UPBIT_WS_URL", "wss://api.upbit.com/websocket/v1"),
			Symbols:           getEnvAsStringSlice("UPBIT_SYMBOLS", []string{"KRW-BTC", "KRW-ETH"}),
			ReconnectDelay:    getEnvAsDuration("UPBIT_RECONNECT_DELAY", time.Second),
			MaxReconnectDelay: getEnvAsDuration("UPBIT_MAX_RECONNECT_DELAY", 30*time.Second),
			PingPeriod:        getEnvAsDuration("UPBIT_PING_PERIOD", 20*time.Second),
			BufferSize:        getEnvAsInt("UPBIT_BUFFER_SIZE", 4096),
			ReplayFile:        getEnv("UPBIT_REPLAY_FILE", ""),
			ReplayInterval:    getEnvAsDuration("UPBIT_REPLAY_INTERVAL", 0),
			ReplayLoop:        getEnvAsBool("UPBIT_REPLAY_LOOP", false),
		},
		Engine: EngineConfig{
			OrderbookLevels:         getEnvAsInt("ENGINE_ORDERBOOK_LEVELS", 15),
			ImbalanceLevels:         getEnvAsInt("ENGINE_IMBALANCE_LEVELS", 0),
			TradeWindowMax:          getEnvAsDuration("ENGINE_TRADE_WINDOW_MAX", 5*time.Minute),
			TradeWindowMaxEntries:   getEnvAsInt("ENGINE_TRADE_WINDOW_MAX_ENTRIES", 100000),
			CandleSeriesLen:         getEnvAsInt("ENGINE_CANDLE_SERIES_LEN", 30),
			CandleInterval:          getEnvAsDuration("ENGINE_CANDLE_INTERVAL", time.Minute),
			DefaultFreshness:        getEnvAsDuration("ENGINE_DEFAULT_FRESHNESS", 5*time.Second),
			VolatilityAnnualization: getEnvAsFloat("ENGINE_VOLATILITY_ANNUALIZATION", 1),
			DefaultOrderSizeKRW:     getEnvAsFloat("ENGINE_DEFAULT_ORDER_SIZE_KRW", 1000000),
			DefaultTIWindows:        getEnvAsIntSlice("ENGINE_DEFAULT_TI_WINDOWS", []int{30, 60}),
			RemoveGrace:             getEnvAsDuration("ENGINE_REMOVE_GRACE", 5*time.Second),
		},
		Publisher: PublisherConfig{
			Interval:       getEnvAsDuration("PUBLISHER_INTERVAL", time.Second),
			MinInterval:    getEnvAsDuration("PUBLISHER_MIN_INTERVAL", 250*time.Millisecond),
			TIWindows:      getEnvAsIntSlice("PUBLISHER_TI_WINDOWS", []int{10, 30, 60}),
			MaxRetries:     getEnvAsInt("PUBLISHER_MAX_RETRIES", 3),
			RetryDelay:     getEnvAsDuration("PUBLISHER_RETRY_DELAY", 100*time.Millisecond),
			BreakerTimeout: getEnvAsDuration("PUBLISHER_BREAKER_TIMEOUT", 30*time.Second),
			BreakerTrips:   getEnvAsInt("PUBLISHER_BREAKER_TRIPS", 5),
		},
		Retention: RetentionConfig{
			MaxAge:   getEnvAsDuration("RETENTION_MAX_AGE", 12*time.Hour),
			Interval: getEnvAsDuration("RETENTION_INTERVAL", time.Hour),
		},
		API: APIConfig{
			Port:         getEnvAsInt("API_PORT", 8000),
			JWTSecret:    getEnv("API_JWT_SECRET", ""),
			RateLimitRPS: getEnvAsInt("API_RATE_LIMIT_RPS", 50),
			RateBurst:    getEnvAsInt("API_RATE_BURST", 100),
			QueryTimeout: getEnvAsDuration("API_QUERY_TIMEOUT", 3*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Enabled && c.Database.Host == "" {
		return fmt.Errorf("DB_HOST is required when DB_ENABLED is true")
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required when REDIS_ENABLED is true")
	}
	switch c.Upbit.Provider {
	case "upbit":
		if c.Upbit.WebSocketURL == "" {
			return fmt.Errorf("UPBIT_WS_URL is required")
		}
	case "replay":
		if c.Upbit.ReplayFile == "" {
			return fmt.Errorf("UPBIT_REPLAY_FILE is required when UPBIT_PROVIDER is replay")
		}
	default:
		return fmt.Errorf("UPBIT_PROVIDER must be upbit or replay, got %q", c.Upbit.Provider)
	}
	if c.Engine.OrderbookLevels < 1 {
		return fmt.Errorf("ENGINE_ORDERBOOK_LEVELS must be at least 1, got %d", c.Engine.OrderbookLevels)
	}
	if c.Engine.ImbalanceLevels < 0 || c.Engine.ImbalanceLevels > c.Engine.OrderbookLevels {
		return fmt.Errorf("ENGINE_IMBALANCE_LEVELS must be between 0 and %d, got %d",
			c.Engine.OrderbookLevels, c.Engine.ImbalanceLevels)
	}
	if c.Engine.CandleSeriesLen < 2 {
		return fmt.Errorf("ENGINE_CANDLE_SERIES_LEN must be at least 2, got %d", c.Engine.CandleSeriesLen)
	}
	if c.Engine.TradeWindowMax <= 0 {
		return fmt.Errorf("ENGINE_TRADE_WINDOW_MAX must be positive")
	}
	if c.Engine.VolatilityAnnualization <= 0 {
		return fmt.Errorf("ENGINE_VOLATILITY_ANNUALIZATION must be positive")
	}
	for _, w := range append(append([]int{}, c.Engine.DefaultTIWindows...), c.Publisher.TIWindows...) {
		if w <= 0 || time.Duration(w)*time.Second > c.Engine.TradeWindowMax {
			return fmt.Errorf("trade imbalance window %ds must be within (0, %s]", w, c.Engine.TradeWindowMax)
		}
	}
	if c.Publisher.Interval <= 0 {
		return fmt.Errorf("PUBLISHER_INTERVAL must be positive")
	}
	return nil
}

// MaxTIWindow returns the largest window the trade window can answer
func (e EngineConfig) MaxTIWindow() int {
	return int(e.TradeWindowMax / time.Second)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

func getEnvAsIntSlice(key string, defaultValue []int) []int {
	parts := getEnvAsStringSlice(key, nil)
	if len(parts) == 0 {
		return defaultValue
	}
	result := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return defaultValue
		}
		result = append(result, n)
	}
	return result
}
