package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint string
	OpsAddr      string

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

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SchedulerInterval time.Duration
	LockTTL           time.Duration
}

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Scheduler cron expressions, documented per environment. The scheduler
// itself runs on a fixed-interval ticker derived from these (UTC).
const (
	CronProduction  = "0 */12 * * *"
	CronDevelopment = "*/5 * * * *"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", EnvDevelopment)

	interval := 5 * time.Minute
	if environment == EnvProduction {
		interval = 12 * time.Hour
	}
	if v := getenvDuration("SCHEDULER_INTERVAL", 0); v > 0 {
		interval = v
	}

	return Config{
		AppName:           getenv("APP_SERVICE", "meterbill"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       environment,
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		OpsAddr:           getenv("OPS_ADDR", ":9464"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "meterbill"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		RedisAddr:         getenv("REDIS_ADDR", ""),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),
		SchedulerInterval: interval,
		LockTTL:           getenvDuration("SUBSCRIPTION_LOCK_TTL", 60*time.Second),
	}
}

func (c Config) IsProduction() bool { return c.Environment == EnvProduction }

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewBillingConfigHolder),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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
