package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	QRStoreLedger = "ledger"
	QRStoreRedis  = "redis"
	QRStoreBolt   = "bolt"
)

type Config struct {
	Port                    string
	AllowedOrigin           string
	DatabaseURL             string
	DBAutoMigrate           bool
	RedisAddr               string
	RedisPassword           string
	RedisDB                 int
	AuthSecret              string
	AccessTokenTTLMinutes   int
	LowStockThreshold       int
	QRSessionTTLSeconds     int
	QRSessionStore          string
	QRBoltPath              string
	QRSessionRetentionHours int
	ReportCacheTTLSeconds   int
	Timezone                string
	LogMode                 string
	LogFile                 string
	SeedAdminPassword       string
	SeedCashierPassword     string
}

// Load reads the environment, after merging an optional .env file.
// Variables already set in the environment win over .env entries.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                    getEnv("PORT", "8080"),
		AllowedOrigin:           getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		DBAutoMigrate:           getEnvBool("DB_AUTO_MIGRATE", true),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 redisDB,
		AuthSecret:              strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:   getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		LowStockThreshold:       getEnvInt("LOW_STOCK_THRESHOLD", 5, 1),
		QRSessionTTLSeconds:     getEnvInt("QR_SESSION_TTL_SECONDS", 300, 1),
		QRSessionStore:          strings.ToLower(getEnv("QR_SESSION_STORE", QRStoreLedger)),
		QRBoltPath:              getEnv("QR_BOLT_PATH", "qr_sessions.db"),
		QRSessionRetentionHours: getEnvInt("QR_SESSION_RETENTION_HOURS", 24, 1),
		ReportCacheTTLSeconds:   getEnvInt("REPORT_CACHE_TTL_SECONDS", 20, 1),
		Timezone:                getEnv("TIMEZONE", "UTC"),
		LogMode:                 getEnv("LOG_MODE", "development"),
		LogFile:                 os.Getenv("LOG_FILE"),
		SeedAdminPassword:       os.Getenv("SEED_ADMIN_PASSWORD"),
		SeedCashierPassword:     os.Getenv("SEED_CASHIER_PASSWORD"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Location resolves TIMEZONE. Period keys and report date bounds use it.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

func (c Config) QRSessionTTL() time.Duration {
	return time.Duration(c.QRSessionTTLSeconds) * time.Second
}

func (c Config) ReportCacheTTL() time.Duration {
	return time.Duration(c.ReportCacheTTLSeconds) * time.Second
}

func (c Config) QRSessionRetention() time.Duration {
	return time.Duration(c.QRSessionRetentionHours) * time.Hour
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int, min int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < min {
		return fallback
	}
	return val
}

func getEnvBool(key string, fallback bool) bool {
	val, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return val
}
