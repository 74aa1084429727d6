package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// UnderpaymentPolicy decides what the settlement loop does with a funding
// transaction whose value is below the order total.
type UnderpaymentPolicy string

const (
	// UnderpaymentLog only warns and leaves the order open, so the seller
	// can reconcile manually.
	UnderpaymentLog UnderpaymentPolicy = "log"
	// UnderpaymentExpire expires the order as soon as an underpaid
	// transaction is seen with nothing covering the total.
	UnderpaymentExpire UnderpaymentPolicy = "expire"
)

type Config struct {
	Env      string
	LogLevel string

	DBDriver         string
	DBDataSourceName string
	MigrationsDir    string

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	BirdwatcherBaseURL string
	MempoolBaseURL     string
	MockBTC            bool
	BTCNetwork         string

	FinalizeInterval    time.Duration
	SettleInterval      time.Duration
	LedgerCooldown      time.Duration
	LedgerCacheTTL      time.Duration
	OrderTimeoutMinutes int
	UnderpaymentPolicy  UnderpaymentPolicy
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment variables")
	}

	config := &Config{}

	config.Env = getEnvOrDefault("ENV", "production")
	config.LogLevel = getEnvOrDefault("LOG_LEVEL", "debug")

	config.DBDriver = "postgres"

	dbHost := getEnvOrDefault("DB_HOST", "localhost")
	dbPort := getEnvOrDefault("DB_PORT", "5432")
	dbName := getEnvOrDefault("DB_DATABASE", "market")
	dbUser := getEnvOrDefault("DB_USERNAME", "pleb")
	dbPassword := getEnvOrDefault("DB_PASSWORD", "plebpass")

	config.DBDataSourceName = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUser, dbPassword, dbHost, dbPort, dbName)
	config.MigrationsDir = getEnvOrDefault("MIGRATIONS_DIR", "migrations")

	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		config.RedisEnabled = true
		redisPort := getEnvOrDefault("REDIS_PORT", "6379")
		config.RedisAddr = fmt.Sprintf("%s:%s", redisHost, redisPort)
		config.RedisPassword = os.Getenv("REDIS_PASSWORD")
		if db := os.Getenv("REDIS_DB"); db != "" {
			if d, err := strconv.Atoi(db); err == nil {
				config.RedisDB = d
			}
		}
	}

	config.BirdwatcherBaseURL = getEnvOrDefault("BIRDWATCHER_BASE_URL", "http://localhost:6000")
	config.MempoolBaseURL = getEnvOrDefault("MEMPOOL_BASE_URL", "https://mempool.space")
	config.MockBTC = getEnvOrDefault("MOCK_BTC", "0") == "1"
	config.BTCNetwork = getEnvOrDefault("BTC_NETWORK", "mainnet")

	if config.Env == "test" {
		config.FinalizeInterval = 1 * time.Second
		config.SettleInterval = 1 * time.Second
		config.LedgerCooldown = 5 * time.Second
	} else {
		config.FinalizeInterval = 5 * time.Second
		config.SettleInterval = 10 * time.Second
		config.LedgerCooldown = 60 * time.Second
	}
	config.LedgerCacheTTL = 30 * time.Second

	config.OrderTimeoutMinutes = 1440
	if v := os.Getenv("ORDER_TIMEOUT_MINUTES"); v != "" {
		m, err := strconv.Atoi(v)
		if err != nil || m <= 0 {
			return nil, fmt.Errorf("invalid ORDER_TIMEOUT_MINUTES: %q", v)
		}
		config.OrderTimeoutMinutes = m
	}

	policy := UnderpaymentPolicy(getEnvOrDefault("UNDERPAYMENT_POLICY", string(UnderpaymentLog)))
	if policy != UnderpaymentLog && policy != UnderpaymentExpire {
		return nil, fmt.Errorf("invalid UNDERPAYMENT_POLICY: %q", policy)
	}
	config.UnderpaymentPolicy = policy

	return config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
