// Package config 配置
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	envconfig "github.com/ewallet/payment/pkg/config"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int
	AppEnv      string

	// PostgreSQL
	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBSSLMode         string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	DBAutoCreate      bool

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Dependencies
	WalletServiceURL       string
	MerchantServiceURL     string
	LedgerServiceURL       string
	NotificationServiceURL string
	InternalToken          string

	// Saga
	SagaMaxAttempts int
	SagaBackoffBase time.Duration
	SagaLockTTL     time.Duration

	// Recovery
	RecoveryEnabled    bool
	RecoveryCronSpec   string
	RecoveryStaleAfter time.Duration
	RecoveryBatchSize  int

	WorkerID int64
}

// Load 加载配置
func Load() *Config {
	appEnv := strings.ToLower(envconfig.GetEnv("APP_ENV", "dev"))
	return &Config{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "payment-service"),
		HTTPPort:    envconfig.GetEnvInt("PAYMENT_HTTP_PORT", envconfig.GetEnvInt("HTTP_PORT", 8090)),
		AppEnv:      appEnv,

		DBHost:            envconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:            envconfig.GetEnvInt("DB_PORT", 5432),
		DBUser:            envconfig.GetEnv("DB_USER", "ewallet"),
		DBPassword:        envconfig.GetEnv("DB_PASSWORD", "ewallet123"),
		DBName:            envconfig.GetEnv("DB_NAME", "ewallet"),
		DBSSLMode:         envconfig.GetEnv("DB_SSL_MODE", "disable"),
		DBMaxOpenConns:    envconfig.GetEnvInt("DB_MAX_OPEN_CONNS", 50),
		DBMaxIdleConns:    envconfig.GetEnvInt("DB_MAX_IDLE_CONNS", 10),
		DBConnMaxLifetime: envconfig.GetEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		DBConnMaxIdleTime: envconfig.GetEnvDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
		DBAutoCreate:      envconfig.GetEnvBool("DB_AUTO_CREATE", appEnv == "dev"),

		RedisAddr:     envconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envconfig.GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       envconfig.GetEnvInt("REDIS_DB", 0),

		WalletServiceURL:       envconfig.GetEnv("WALLET_SERVICE_URL", "http://localhost:8081"),
		MerchantServiceURL:     envconfig.GetEnv("MERCHANT_SERVICE_URL", "http://localhost:8082"),
		LedgerServiceURL:       envconfig.GetEnv("LEDGER_SERVICE_URL", "http://localhost:8083"),
		NotificationServiceURL: envconfig.GetEnv("NOTIFICATION_SERVICE_URL", "http://localhost:8084"),
		InternalToken:          envconfig.GetEnv("INTERNAL_TOKEN", ""),

		SagaMaxAttempts: envconfig.GetEnvInt("SAGA_MAX_ATTEMPTS", 3),
		SagaBackoffBase: envconfig.GetEnvDuration("SAGA_BACKOFF_BASE", time.Second),
		SagaLockTTL:     envconfig.GetEnvDuration("SAGA_LOCK_TTL", 30*time.Second),

		RecoveryEnabled:    envconfig.GetEnvBool("RECOVERY_ENABLED", true),
		RecoveryCronSpec:   envconfig.GetEnv("RECOVERY_CRON_SPEC", "@every 1m"),
		RecoveryStaleAfter: envconfig.GetEnvDuration("RECOVERY_STALE_AFTER", 5*time.Minute),
		RecoveryBatchSize:  envconfig.GetEnvInt("RECOVERY_BATCH_SIZE", 50),

		WorkerID: envconfig.GetEnvInt64("WORKER_ID", 9),
	}
}

func (c *Config) Validate() error {
	if c.InternalToken == "" {
		return fmt.Errorf("INTERNAL_TOKEN is required")
	}
	if c.SagaMaxAttempts < 1 {
		return fmt.Errorf("SAGA_MAX_ATTEMPTS must be at least 1")
	}
	if c.SagaBackoffBase <= 0 {
		return fmt.Errorf("SAGA_BACKOFF_BASE must be positive")
	}
	if c.AppEnv != "dev" {
		if len(c.InternalToken) < envconfig.MinSecretLength {
			return fmt.Errorf("INTERNAL_TOKEN must be at least %d characters (APP_ENV=%s)", envconfig.MinSecretLength, c.AppEnv)
		}
		if envconfig.IsInsecureDevSecret(c.InternalToken) {
			return fmt.Errorf("INTERNAL_TOKEN must not be a dev placeholder (APP_ENV=%s)", c.AppEnv)
		}
		if c.DBPassword == "" || c.DBPassword == "ewallet123" {
			return fmt.Errorf("DB_PASSWORD must be explicitly set (APP_ENV=%s)", c.AppEnv)
		}
		if strings.EqualFold(c.DBSSLMode, "disable") {
			return fmt.Errorf("DB_SSL_MODE must not be disable (APP_ENV=%s)", c.AppEnv)
		}
		if c.DBAutoCreate {
			return fmt.Errorf("DB_AUTO_CREATE must be false (APP_ENV=%s); run migrations explicitly", c.AppEnv)
		}
	}
	return nil
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=" + c.DBSSLMode
}
