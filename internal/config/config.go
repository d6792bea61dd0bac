// Package config loads coordinator settings through viper.
//
// Precedence is defaults, then the optional config file, then environment
// variables prefixed with MULTIAGENT_ (dots become underscores, so
// MULTIAGENT_REDIS_ADDR sets redis.addr).
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
)

const EnvPrefix = "MULTIAGENT"

type Config struct {
	Redis      RedisConfig      `mapstructure:"redis"`
	Lock       LockConfig       `mapstructure:"lock"`
	Record     RecordConfig     `mapstructure:"record"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Governance GovernanceConfig `mapstructure:"governance"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Log        LogConfig        `mapstructure:"log"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LockConfig configures the quorum lock. Addrs lists independent Redis
// nodes; when empty the main Redis address is used as a single replica.
type LockConfig struct {
	Addrs       []string      `mapstructure:"addrs"`
	TTL         time.Duration `mapstructure:"ttl"`
	RetryCount  int           `mapstructure:"retry_count"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	RetryJitter time.Duration `mapstructure:"retry_jitter"`
	DriftFactor float64       `mapstructure:"drift_factor"`
}

type RecordConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

type GovernanceConfig struct {
	MaxDailyGenerations int64 `mapstructure:"max_daily_generations"`
	MaxMonthlyTokens    int64 `mapstructure:"max_monthly_tokens"`
	// DevBypass skips quota and kill switch checks. Never enable in production.
	DevBypass bool `mapstructure:"dev_bypass"`
	// CostPer1KTokens prices an execution's token total into its record.
	CostPer1KTokens float64 `mapstructure:"cost_per_1k_tokens"`
}

type LedgerConfig struct {
	// Driver is "sqlite" or "pgx". Empty disables the SQL ledger.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type LLMConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	ValidatorModel    string        `mapstructure:"validator_model"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	LockDuration time.Duration `mapstructure:"lock_duration"`
	// ReconcileInterval schedules billing reconciliation when a ledger is
	// configured.
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

type QueueConfig struct {
	Name        string        `mapstructure:"name"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

type ProgressConfig struct {
	StateTTL time.Duration `mapstructure:"state_ttl"`
}

type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// LockAddrs returns the replica addresses for the quorum lock.
func (c *Config) LockAddrs() []string {
	if len(c.Lock.Addrs) > 0 {
		return c.Lock.Addrs
	}
	return []string{c.Redis.Addr}
}

var viperInstance *viper.Viper

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables are used.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}
	viperInstance = v
	return LoadWithViper(v)
}

// LoadWithViper unmarshals a caller-prepared viper instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Viper returns the instance used by the last Load, or a fresh one.
func Viper() *viper.Viper {
	if viperInstance == nil {
		viperInstance = newViper()
	}
	return viperInstance
}

// Reset drops the cached viper instance. Tests use it between cases.
func Reset() {
	viperInstance = nil
}

// Validate rejects settings the coordinator cannot run with.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return errors.New("redis.addr is required")
	}
	if c.Record.MaxAttempts < 1 {
		return errors.Newf("record.max_attempts must be >= 1, got %d", c.Record.MaxAttempts)
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.Newf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Breaker.FailureThreshold < 1 {
		return errors.Newf("breaker.failure_threshold must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	switch c.Ledger.Driver {
	case "", "sqlite", "pgx":
	default:
		return errors.WithHint(
			errors.Newf("unsupported ledger driver %q", c.Ledger.Driver),
			"use sqlite or pgx",
		)
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}
