package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Config holds all configuration
type Config struct {
	HTTPAddr     string
	CallbackHost string
	// AgentToken guards the job listing endpoint when set
	AgentToken string
	Migrate    bool
	MySQL      MySQLConfig
	Redis      RedisConfig
	JWT        JWTConfig
	OTP        OTPConfig
	Transport  TransportConfig
	Task       TaskConfig
	Log        LogConfig
}

// MySQLConfig holds MySQL configuration. An empty DSN keeps plans and task states in memory.
type MySQLConfig struct {
	DSN string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret        string
	ExpireMinutes int
	Issuer        string
}

// OTPConfig holds callback token configuration
type OTPConfig struct {
	TTLSec int
}

// TransportConfig holds notification configuration
type TransportConfig struct {
	BrokerPublishRPS float64
}

// TaskConfig holds task lifecycle configuration
type TaskConfig struct {
	TimeoutSec        int
	ReaperIntervalSec int
	RetentionSec      int
	ReaperConcurrency int
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		CallbackHost: getEnv("CALLBACK_HOST", ""),
		AgentToken:   getEnv("AGENT_TOKEN", ""),
		Migrate:      getEnv("MIGRATE", "0") == "1",
		MySQL: MySQLConfig{
			DSN: getEnv("MYSQL_DSN", ""),
		},
		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "0") == "1",
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASS", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:        os.Getenv("JWT_SECRET"),
			ExpireMinutes: getEnvInt("JWT_EXPIRE_MINUTES", 1440),
			Issuer:        getEnv("JWT_ISSUER", "go_rex"),
		},
		OTP: OTPConfig{
			TTLSec: getEnvInt("OTP_TTL_SEC", 86400),
		},
		Transport: TransportConfig{
			BrokerPublishRPS: getEnvFloat("BROKER_PUBLISH_RPS", 50),
		},
		Task: TaskConfig{
			TimeoutSec:        getEnvInt("TASK_TIMEOUT_SEC", 0),
			ReaperIntervalSec: getEnvInt("REAPER_INTERVAL_SEC", 60),
			RetentionSec:      getEnvInt("TASK_RETENTION_SEC", 86400),
			ReaperConcurrency: getEnvInt("REAPER_CONCURRENCY", 4),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.CallbackHost == "" {
		return fmt.Errorf("CALLBACK_HOST is required")
	}
	if c.OTP.TTLSec <= 0 {
		return fmt.Errorf("OTP_TTL_SEC must be positive, got %d", c.OTP.TTLSec)
	}
	if c.Task.TimeoutSec < 0 {
		return fmt.Errorf("TASK_TIMEOUT_SEC must not be negative, got %d", c.Task.TimeoutSec)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// LoadFromINI loads configuration from INI file with environment variable override
func LoadFromINI(iniPath string) (*Config, error) {
	cfgFile, err := ini.Load(iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}

	// Priority: ENV > INI > default
	getValue := func(envKey, iniSection, iniKey, defaultValue string) string {
		if value := os.Getenv(envKey); value != "" {
			return value
		}
		if value := cfgFile.Section(iniSection).Key(iniKey).String(); value != "" {
			return value
		}
		return defaultValue
	}

	getValueInt := func(envKey, iniSection, iniKey string, defaultValue int) int {
		if value := os.Getenv(envKey); value != "" {
			if intValue, err := strconv.Atoi(value); err == nil {
				return intValue
			}
		}
		if cfgFile.Section(iniSection).HasKey(iniKey) {
			if value, err := cfgFile.Section(iniSection).Key(iniKey).Int(); err == nil {
				return value
			}
		}
		return defaultValue
	}

	getValueFloat := func(envKey, iniSection, iniKey string, defaultValue float64) float64 {
		if value := os.Getenv(envKey); value != "" {
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				return f
			}
		}
		if cfgFile.Section(iniSection).HasKey(iniKey) {
			if value, err := cfgFile.Section(iniSection).Key(iniKey).Float64(); err == nil {
				return value
			}
		}
		return defaultValue
	}

	getValueBool := func(envKey, iniSection, iniKey string, defaultValue bool) bool {
		if value := os.Getenv(envKey); value != "" {
			return value == "1" || value == "true"
		}
		if value, err := cfgFile.Section(iniSection).Key(iniKey).Bool(); err == nil {
			return value
		}
		return defaultValue
	}

	cfg := &Config{
		HTTPAddr:     getValue("HTTP_ADDR", "http", "addr", ":8080"),
		CallbackHost: getValue("CALLBACK_HOST", "http", "callback_host", ""),
		AgentToken:   getValue("AGENT_TOKEN", "agent", "token", ""),
		Migrate:      getValueBool("MIGRATE", "mysql", "migrate", false),
		MySQL: MySQLConfig{
			DSN: getValue("MYSQL_DSN", "mysql", "dsn", ""),
		},
		Redis: RedisConfig{
			Enabled:  getValueBool("REDIS_ENABLED", "redis", "enabled", false),
			Addr:     getValue("REDIS_ADDR", "redis", "addr", "localhost:6379"),
			Password: getValue("REDIS_PASS", "redis", "pass", ""),
			DB:       getValueInt("REDIS_DB", "redis", "db", 0),
		},
		JWT: JWTConfig{
			Secret:        getValue("JWT_SECRET", "jwt", "secret", ""),
			ExpireMinutes: getValueInt("JWT_EXPIRE_MINUTES", "jwt", "expire_minutes", 1440),
			Issuer:        getValue("JWT_ISSUER", "jwt", "issuer", "go_rex"),
		},
		OTP: OTPConfig{
			TTLSec: getValueInt("OTP_TTL_SEC", "otp", "ttl_sec", 86400),
		},
		Transport: TransportConfig{
			BrokerPublishRPS: getValueFloat("BROKER_PUBLISH_RPS", "transport", "broker_publish_rps", 50),
		},
		Task: TaskConfig{
			TimeoutSec:        getValueInt("TASK_TIMEOUT_SEC", "task", "timeout_sec", 0),
			ReaperIntervalSec: getValueInt("REAPER_INTERVAL_SEC", "task", "reaper_interval_sec", 60),
			RetentionSec:      getValueInt("TASK_RETENTION_SEC", "task", "retention_sec", 86400),
			ReaperConcurrency: getValueInt("REAPER_CONCURRENCY", "task", "reaper_concurrency", 4),
		},
		Log: LogConfig{
			Level:  getValue("LOG_LEVEL", "log", "level", "info"),
			Format: getValue("LOG_FORMAT", "log", "format", "text"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
