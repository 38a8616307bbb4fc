package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SchedulerEnabled bool
	// SchedulerJobs limits which jobs this process runs; empty runs all of them.
	SchedulerJobs     []string
	SchedulerInterval time.Duration
	SchedulerLockTTL  time.Duration
	SchedulerPeriod   string

	RateLimit RateLimitConfig

	// TicketingConfigPath points at an optional ticketing.yml; empty means the default search paths.
	TicketingConfigPath string

	Ticketing TicketingConfig
}

// RateLimitConfig throttles operator resets per location through redis.
type RateLimitConfig struct {
	Enabled        bool
	ResetPerMinute float64
	ResetBurst     int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "rastro"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "rastro"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "rastro.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		SchedulerEnabled:  getenvBool("SCHEDULER_ENABLED", true),
		SchedulerJobs:     getenvList("SCHEDULER_JOBS"),
		SchedulerInterval: getenvDuration("SCHEDULER_INTERVAL", time.Minute),
		SchedulerLockTTL:  getenvDuration("SCHEDULER_LOCK_TTL", 10*time.Minute),
		SchedulerPeriod:   strings.ToLower(getenv("SCHEDULER_PERIOD", "monthly")),

		RateLimit: RateLimitConfig{
			Enabled:        getenvBool("RESET_RATE_LIMIT_ENABLED", false),
			ResetPerMinute: getenvFloat("RESET_RATE_PER_MINUTE", 2),
			ResetBurst:     getenvInt("RESET_RATE_BURST", 3),
		},

		TicketingConfigPath: strings.TrimSpace(getenv("TICKETING_CONFIG", "")),
		Ticketing: TicketingConfig{
			EpochPolicy:    strings.ToLower(getenv("TICKET_EPOCH_POLICY", EpochPolicyCalendarMonth)),
			Timezone:       getenv("TICKET_TIMEZONE", "UTC"),
			LockTimeout:    getenvDuration("TICKET_LOCK_TIMEOUT", 3*time.Second),
			ClearBatchSize: getenvInt("TICKET_CLEAR_BATCH_SIZE", 200),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
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

func getenvList(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
