// config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Rewards    RewardsConfig    `mapstructure:"rewards"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Repair     RepairConfig     `mapstructure:"repair"`
	Redis      RedisConfig      `mapstructure:"redis"`
	R2         R2Config         `mapstructure:"r2"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port           string `mapstructure:"port"`
	AllowedOrigins string `mapstructure:"allowed_origins"`
	ServiceToken   string `mapstructure:"service_token"` // shared secret with the Gateway
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ChainConfig points at the reward token contract.
type ChainConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ChainID         int64         `mapstructure:"chain_id"`
	PrivateKey      string        `mapstructure:"private_key"`
	ContractAddress string        `mapstructure:"contract_address"`
	RewardMethod    string        `mapstructure:"reward_method"`
	EventName       string        `mapstructure:"event_name"`
	StartBlock      uint64        `mapstructure:"start_block"`
	Confirmations   uint64        `mapstructure:"confirmations"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       uint64        `mapstructure:"batch_size"`
}

// RewardsConfig holds per-match-type payouts in token base units (decimal strings).
type RewardsConfig struct {
	PvP string `mapstructure:"pvp"`
	Bot string `mapstructure:"bot"`
}

// SettlementConfig sizes the pool that hands settled rewards to the ledger.
// A full pool never blocks Settle; the overflow is queued for the retry
// supervisor instead.
type SettlementConfig struct {
	Workers int `mapstructure:"workers"`
}

type RetryConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxBatch    int           `mapstructure:"max_batch"`
	MaxAge      time.Duration `mapstructure:"max_age"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
	Workers     int           `mapstructure:"workers"`
	Lease       time.Duration `mapstructure:"lease"` // a retrying row older than this is presumed abandoned by a crashed worker
}

type RepairConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Grace    time.Duration `mapstructure:"grace"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type R2Config struct {
	AccountID       string `mapstructure:"account_id"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
}

// Enabled reports whether drain reports should be archived to R2.
func (c R2Config) Enabled() bool {
	return c.AccountID != "" && c.Bucket != ""
}

type SyncConfig struct {
	ServiceURL string        `mapstructure:"service_url"`
	Token      string        `mapstructure:"token"`
	Interval   time.Duration `mapstructure:"interval"`
}

// AuthConfig points at the auth service used to validate SSE query tokens.
// Leaving ServiceURL empty means SSE clients must come through the Gateway.
type AuthConfig struct {
	ServiceURL string `mapstructure:"service_url"`
	Token      string `mapstructure:"token"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
	File   string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "5200")
	v.SetDefault("server.allowed_origins", "http://localhost:3000")
	v.SetDefault("server.service_token", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.chain_id", 1)
	v.SetDefault("chain.private_key", "")
	v.SetDefault("chain.contract_address", "")
	v.SetDefault("chain.reward_method", "rewardPlayer")
	v.SetDefault("chain.event_name", "RewardMinted")
	v.SetDefault("chain.start_block", 0)
	v.SetDefault("chain.confirmations", 2)
	v.SetDefault("chain.poll_interval", 15*time.Second)
	v.SetDefault("chain.batch_size", 500)
	v.SetDefault("rewards.pvp", "10000000000000000000")
	v.SetDefault("rewards.bot", "5000000000000000000")
	v.SetDefault("settlement.workers", 8)
	v.SetDefault("retry.interval", 5*time.Minute)
	v.SetDefault("retry.max_batch", 50)
	v.SetDefault("retry.max_age", 24*time.Hour)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.delay", 500*time.Millisecond)
	v.SetDefault("retry.workers", 4)
	v.SetDefault("retry.lease", 10*time.Minute)
	v.SetDefault("repair.interval", 10*time.Minute)
	v.SetDefault("repair.grace", 2*time.Minute)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "rewards:balance-changed")
	v.SetDefault("r2.account_id", "")
	v.SetDefault("r2.access_key_id", "")
	v.SetDefault("r2.access_key_secret", "")
	v.SetDefault("r2.bucket", "")
	v.SetDefault("r2.prefix", "reward-drain-reports")
	v.SetDefault("sync.service_url", "")
	v.SetDefault("sync.token", "")
	v.SetDefault("sync.interval", 10*time.Second)
	v.SetDefault("auth.service_url", "")
	v.SetDefault("auth.token", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file", "logs/reward-ledger.log")
}

// Load reads .env (if present), config.yaml (if present) and REWARD_* env vars,
// in increasing order of precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/reward-ledger")
	v.SetEnvPrefix("REWARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values the reward core cannot run without.
func (c *Config) Validate() error {
	var errs []error
	for name, raw := range map[string]string{"rewards.pvp": c.Rewards.PvP, "rewards.bot": c.Rewards.Bot} {
		if !isDecimalInteger(raw) {
			errs = append(errs, fmt.Errorf("%s must be a non-negative integer in base units, got %q", name, raw))
		}
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be positive"))
	}
	if c.Retry.MaxBatch <= 0 {
		errs = append(errs, fmt.Errorf("retry.max_batch must be positive"))
	}
	if c.Retry.Interval <= 0 {
		errs = append(errs, fmt.Errorf("retry.interval must be positive"))
	}
	return errors.Join(errs...)
}

func isDecimalInteger(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
