package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogMode         string        `yaml:"log_mode"`
	LogLevel        string        `yaml:"log_level"`

	StoreDriver string `yaml:"store_driver"`
	MySQLDSN    string `yaml:"mysql_dsn"`
	DBUser      string `yaml:"mysql_user"`
	DBPassword  string `yaml:"mysql_password"`
	DBHost      string `yaml:"mysql_host"`
	DBPort      string `yaml:"mysql_port"`
	DBName      string `yaml:"mysql_database"`
	PostgresURL string `yaml:"postgres_url"`

	CAPIBaseURL       string        `yaml:"capi_base_url"`
	CAPIPixelID       string        `yaml:"capi_pixel_id"`
	CAPIAccessToken   string        `yaml:"capi_access_token"`
	CAPITestEventCode string        `yaml:"capi_test_event_code"`
	CAPITimeout       time.Duration `yaml:"capi_timeout"`

	WorkerCount      int           `yaml:"worker_count"`
	QueueSize        int           `yaml:"queue_size"`
	MaxAttempts      int           `yaml:"max_attempts"`
	RetryBaseBackoff time.Duration `yaml:"retry_base_backoff"`
	RetryMaxBackoff  time.Duration `yaml:"retry_max_backoff"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`

	// FingerprintBucket is the time bucket folded into every fingerprint.
	// Zero disables bucketing.
	FingerprintBucket time.Duration `yaml:"fingerprint_bucket"`
}

func Default() *Config {
	return &Config{
		HTTPAddr:          ":8080",
		ShutdownTimeout:   5 * time.Second,
		LogMode:           "dev",
		LogLevel:          "info",
		StoreDriver:       DriverMySQL,
		DBUser:            "root",
		DBPassword:        "testpass",
		DBHost:            "localhost",
		DBPort:            "3306",
		DBName:            "conversions",
		CAPITimeout:       10 * time.Second,
		WorkerCount:       4,
		QueueSize:         1000,
		MaxAttempts:       5,
		RetryBaseBackoff:  500 * time.Millisecond,
		RetryMaxBackoff:   5 * time.Minute,
		SweepInterval:     30 * time.Second,
		FingerprintBucket: 24 * time.Hour,
	}
}

// Load builds the config from defaults, then the YAML file named by
// CONFIG_FILE (if any), then the environment. Environment wins.
func Load() (*Config, error) {
	c := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := c.loadFile(path); err != nil {
			return nil, err
		}
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT_MS", c.ShutdownTimeout)
	c.LogMode = getEnv("LOG_MODE", c.LogMode)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.StoreDriver = getEnv("STORE_DRIVER", c.StoreDriver)
	c.MySQLDSN = getEnv("MYSQL_DSN", c.MySQLDSN)
	c.DBUser = getEnv("MYSQL_USER", c.DBUser)
	c.DBPassword = getEnv("MYSQL_ROOT_PASSWORD", c.DBPassword)
	c.DBHost = getEnv("MYSQL_HOST", c.DBHost)
	c.DBPort = getEnv("MYSQL_PORT", c.DBPort)
	c.DBName = getEnv("MYSQL_DATABASE", c.DBName)
	c.PostgresURL = getEnv("POSTGRES_URL", c.PostgresURL)

	c.CAPIBaseURL = getEnv("CAPI_BASE_URL", c.CAPIBaseURL)
	c.CAPIPixelID = getEnv("CAPI_PIXEL_ID", c.CAPIPixelID)
	c.CAPIAccessToken = getEnv("CAPI_ACCESS_TOKEN", c.CAPIAccessToken)
	c.CAPITestEventCode = getEnv("CAPI_TEST_EVENT_CODE", c.CAPITestEventCode)
	c.CAPITimeout = getEnvDuration("CAPI_TIMEOUT_MS", c.CAPITimeout)

	c.WorkerCount = getEnvInt("WORKER_COUNT", c.WorkerCount)
	c.QueueSize = getEnvInt("QUEUE_SIZE", c.QueueSize)
	c.MaxAttempts = getEnvInt("MAX_ATTEMPTS", c.MaxAttempts)
	c.RetryBaseBackoff = getEnvDuration("RETRY_BASE_BACKOFF_MS", c.RetryBaseBackoff)
	c.RetryMaxBackoff = getEnvDuration("RETRY_MAX_BACKOFF_MS", c.RetryMaxBackoff)
	c.SweepInterval = getEnvDuration("SWEEP_INTERVAL_MS", c.SweepInterval)
	c.FingerprintBucket = getEnvDuration("FINGERPRINT_BUCKET", c.FingerprintBucket)
}

func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverMemory, DriverMySQL:
	case DriverPostgres:
		if c.PostgresURL == "" {
			errs = append(errs, errors.New("POSTGRES_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.WorkerCount < 1 {
		errs = append(errs, fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.WorkerCount))
	}
	if c.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("QUEUE_SIZE must be at least 1, got %d", c.QueueSize))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts))
	}
	if c.RetryBaseBackoff <= 0 {
		errs = append(errs, errors.New("RETRY_BASE_BACKOFF_MS must be positive"))
	}
	if c.RetryMaxBackoff < c.RetryBaseBackoff {
		errs = append(errs, errors.New("RETRY_MAX_BACKOFF_MS must not be below the base backoff"))
	}
	if c.FingerprintBucket < 0 {
		errs = append(errs, errors.New("FINGERPRINT_BUCKET must not be negative"))
	} else if c.FingerprintBucket > 0 && c.FingerprintBucket < time.Second {
		errs = append(errs, errors.New("FINGERPRINT_BUCKET must be zero or at least 1s"))
	}
	return errors.Join(errs...)
}

// ForwardingEnabled reports whether capi credentials are configured.
func (c *Config) ForwardingEnabled() bool {
	return c.CAPIPixelID != "" && c.CAPIAccessToken != ""
}

func (c *Config) DSN() string {
	if c.MySQLDSN != "" {
		return c.MySQLDSN
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvDuration reads a plain integer as milliseconds, anything else as a
// Go duration string ("1h", "250ms").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	if i, err := strconv.Atoi(val); err == nil {
		return time.Duration(i) * time.Millisecond
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	return fallback
}
