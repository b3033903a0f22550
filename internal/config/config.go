package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	JWTSecret  string           `mapstructure:"jwt_secret"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
}

// ConnString returns the PostgreSQL connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type DispatcherConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	BaseBackoffMs    int `mapstructure:"base_backoff_ms"`
	MaxBackoffMs     int `mapstructure:"max_backoff_ms"`
	AttemptTimeoutMs int `mapstructure:"attempt_timeout_ms"`
	RetryIntervalSec int `mapstructure:"retry_interval_sec"`
}

func (d DispatcherConfig) BaseBackoff() time.Duration {
	return time.Duration(d.BaseBackoffMs) * time.Millisecond
}

func (d DispatcherConfig) MaxBackoff() time.Duration {
	return time.Duration(d.MaxBackoffMs) * time.Millisecond
}

func (d DispatcherConfig) AttemptTimeout() time.Duration {
	return time.Duration(d.AttemptTimeoutMs) * time.Millisecond
}

type QueueConfig struct {
	Workers         int `mapstructure:"workers"`
	Capacity        int `mapstructure:"capacity"`
	PollIntervalSec int `mapstructure:"poll_interval_sec"`
	MaxAttempts     int `mapstructure:"max_attempts"`
}

type SyncConfig struct {
	PassIntervalSec int `mapstructure:"pass_interval_sec"`
}

type MonitoringConfig struct {
	BufferSize         int `mapstructure:"buffer_size"`
	FlushIntervalMs    int `mapstructure:"flush_interval_ms"`
	SummaryIntervalSec int `mapstructure:"summary_interval_sec"`
	RetentionDays      int `mapstructure:"retention_days"`
}

type ExecutionConfig struct {
	TimeoutSweepSec   int `mapstructure:"timeout_sweep_sec"`
	DefaultTimeoutSec int `mapstructure:"default_timeout_sec"`
}

func Load() (*Config, error) {
	viper.SetConfigName("app")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("../..")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.pool_size", 10)
	viper.SetDefault("dispatcher.max_attempts", 5)
	viper.SetDefault("dispatcher.base_backoff_ms", 1000)
	viper.SetDefault("dispatcher.max_backoff_ms", 30000)
	viper.SetDefault("dispatcher.attempt_timeout_ms", 10000)
	viper.SetDefault("dispatcher.retry_interval_sec", 5)
	viper.SetDefault("queue.workers", 4)
	viper.SetDefault("queue.capacity", 1000)
	viper.SetDefault("queue.poll_interval_sec", 2)
	viper.SetDefault("queue.max_attempts", 3)
	viper.SetDefault("sync.pass_interval_sec", 30)
	viper.SetDefault("monitoring.buffer_size", 500)
	viper.SetDefault("monitoring.flush_interval_ms", 100)
	viper.SetDefault("monitoring.summary_interval_sec", 15)
	viper.SetDefault("monitoring.retention_days", 30)
	viper.SetDefault("execution.timeout_sweep_sec", 60)
	viper.SetDefault("execution.default_timeout_sec", 3600)
	viper.SetDefault("jwt_secret", "changeme-secret")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
