// config/config.go
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	Server          ServerConfig
	Database        DatabaseConfig
	Mpesa           MpesaConfig
	BaseCallbackURL string
	Redis           RedisConfig
	Kafka           KafkaConfig
	Reconciler      ReconcilerConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

type DatabaseConfig struct {
	Driver     string // postgres | sqlite
	Host       string
	Port       string
	User       string
	Password   string
	DBName     string
	SSLMode    string
	MaxConns   int32
	SQLitePath string
}

// DSN builds the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		url.QueryEscape(d.User),
		url.QueryEscape(d.Password),
		d.Host,
		d.Port,
		d.DBName,
		d.SSLMode,
	)
}

type MpesaConfig struct {
	Environment        string
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	Passkey            string
	ShortCode          string
	CountryCode        string
	Timezone           string
	TokenRefreshMargin time.Duration
	RequestTimeout     time.Duration
}

// GatewayURL resolves the Daraja host for the configured environment.
func (m MpesaConfig) GatewayURL() string {
	if m.BaseURL != "" {
		return strings.TrimRight(m.BaseURL, "/")
	}
	if m.Environment == "production" {
		return "https://api.safaricom.co.ke"
	}
	return "https://sandbox.safaricom.co.ke"
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
}

func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ReconcilerConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
}

const STKCallbackPath = "/callbacks/mpesa/stk"

func Load(logger *zap.Logger) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8027"),
			Env:  getEnv("ENVIRONMENT", "development"),
		},
		Database: DatabaseConfig{
			Driver:     getEnv("DB_DRIVER", "postgres"),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnv("DB_PORT", "5432"),
			User:       getEnv("DB_USER", "postgres"),
			Password:   getEnv("DB_PASSWORD", ""),
			DBName:     getEnv("DB_NAME", "stk_payments"),
			SSLMode:    getEnv("DB_SSL_MODE", "disable"),
			MaxConns:   int32(getEnvInt("DB_MAX_CONNS", 20)),
			SQLitePath: getEnv("SQLITE_PATH", "stk_payments.db"),
		},
		Mpesa: MpesaConfig{
			Environment:        getEnv("MPESA_ENVIRONMENT", "sandbox"),
			BaseURL:            getEnv("MPESA_BASE_URL", ""),
			ConsumerKey:        getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret:     getEnv("MPESA_CONSUMER_SECRET", ""),
			Passkey:            getEnv("MPESA_PASSKEY", ""),
			ShortCode:          getEnv("MPESA_SHORT_CODE", ""),
			CountryCode:        getEnv("MPESA_COUNTRY_CODE", "254"),
			Timezone:           getEnv("MPESA_TIMEZONE", "Africa/Nairobi"),
			TokenRefreshMargin: getEnvDuration("MPESA_TOKEN_REFRESH_MARGIN", 60*time.Second),
			RequestTimeout:     getEnvDuration("MPESA_REQUEST_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "redis"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvBool("KAFKA_ENABLED", false),
			Brokers: parseCSVEnv("KAFKA_BROKERS", []string{"kafka:9092"}),
			Topic:   getEnv("KAFKA_PAYMENT_TOPIC", "payments.outcomes"),
		},
		Reconciler: ReconcilerConfig{
			Enabled:   getEnvBool("RECONCILER_ENABLED", true),
			Interval:  getEnvDuration("RECONCILER_INTERVAL", time.Minute),
			BatchSize: getEnvInt("RECONCILER_BATCH_SIZE", 100),
		},
		BaseCallbackURL: strings.TrimRight(getEnv("CALLBACK_BASE_URL", "http://localhost:8027"), "/"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("configuration resolved",
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("mpesa_environment", cfg.Mpesa.Environment),
		zap.String("gateway_url", cfg.Mpesa.GatewayURL()),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
		zap.Bool("kafka_enabled", cfg.Kafka.Enabled))

	return cfg, nil
}

// Validate rejects configurations the gateway would refuse at runtime.
func (c *Config) Validate() error {
	var missing []string
	if c.Mpesa.ConsumerKey == "" {
		missing = append(missing, "MPESA_CONSUMER_KEY")
	}
	if c.Mpesa.ConsumerSecret == "" {
		missing = append(missing, "MPESA_CONSUMER_SECRET")
	}
	if c.Mpesa.Passkey == "" {
		missing = append(missing, "MPESA_PASSKEY")
	}
	if c.Mpesa.ShortCode == "" {
		missing = append(missing, "MPESA_SHORT_CODE")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}

	if _, err := time.LoadLocation(c.Mpesa.Timezone); err != nil {
		return fmt.Errorf("invalid MPESA_TIMEZONE: %w", err)
	}

	return c.validateCallbackURL()
}

func (c *Config) validateCallbackURL() error {
	u, err := url.Parse(c.BaseCallbackURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("CALLBACK_BASE_URL must be an absolute URL, got %q", c.BaseCallbackURL)
	}
	if c.Mpesa.Environment == "production" && u.Scheme != "https" {
		return fmt.Errorf("CALLBACK_BASE_URL must use https in production")
	}
	return nil
}

// STKCallbackURL is the URL the gateway posts payment results to.
func (c *Config) STKCallbackURL() string {
	return c.BaseCallbackURL + STKCallbackPath
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolVal, err := strconv.ParseBool(value)
		if err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseCSVEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
