// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	RPCURL       string `mapstructure:"rpc_url"`
	Commitment   string `mapstructure:"commitment"`
	ListenAddr   string `mapstructure:"listen_addr"`
	BlinkBaseURL string `mapstructure:"blink_base_url"`
	DebugLogging bool   `mapstructure:"debug_logging"`
	LogFile      string `mapstructure:"log_file"`
	WalletFile   string `mapstructure:"wallet_file"`

	Storage     StorageConfig     `mapstructure:"storage"`
	Transaction TransactionConfig `mapstructure:"transaction"`
	Settlement  SettlementConfig  `mapstructure:"settlement"`
	Merchant    MerchantConfig    `mapstructure:"merchant"`
}

type StorageConfig struct {
	Backend       string `mapstructure:"backend"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Namespace     string `mapstructure:"namespace"`
}

type TransactionConfig struct {
	MaxRetries          int    `mapstructure:"max_retries"`
	RetryDelayMs        int    `mapstructure:"retry_delay_ms"`
	ConfirmationTimeout int    `mapstructure:"confirmation_timeout_ms"`
	PollIntervalMs      int    `mapstructure:"poll_interval_ms"`
	PriorityFee         uint64 `mapstructure:"priority_fee"`
	ComputeUnits        uint32 `mapstructure:"compute_units"`
	SkipPreflight       bool   `mapstructure:"skip_preflight"`
	CheckAccounts       bool   `mapstructure:"check_accounts"`

	RetryDelay       time.Duration `mapstructure:"-"`
	ConfirmationTime time.Duration `mapstructure:"-"`
	PollInterval     time.Duration `mapstructure:"-"`
}

type SettlementConfig struct {
	BaseURL             string  `mapstructure:"base_url"`
	APIKey              string  `mapstructure:"api_key"`
	TimeoutMs           int     `mapstructure:"timeout_ms"`
	MaxAttempts         int     `mapstructure:"max_attempts"`
	RetryDelayMs        int     `mapstructure:"retry_delay_ms"`
	RateLimit           float64 `mapstructure:"rate_limit"`
	Burst               int     `mapstructure:"burst"`
	SourceWalletID      string  `mapstructure:"source_wallet_id"`
	BankAccountID       string  `mapstructure:"bank_account_id"`
	SourceCurrency      string  `mapstructure:"source_currency"`
	DestinationCurrency string  `mapstructure:"destination_currency"`
	PollSchedule        string  `mapstructure:"poll_schedule"`

	Timeout    time.Duration `mapstructure:"-"`
	RetryDelay time.Duration `mapstructure:"-"`
}

type MerchantConfig struct {
	MinWithdrawal     string `mapstructure:"min_withdrawal"`
	FeeRate           string `mapstructure:"fee_rate"`
	WithdrawalDelayMs int    `mapstructure:"withdrawal_delay_ms"`
	CompleteSchedule  string `mapstructure:"complete_schedule"`

	WithdrawalDelay time.Duration `mapstructure:"-"`
}

const (
	DefaultRPCURL              = "https://api.devnet.solana.com"
	DefaultListenAddr          = ":8080"
	DefaultRetries             = 3
	DefaultRetryDelayMs        = 500
	DefaultConfirmationTimeout = 45000
	DefaultPollIntervalMs      = 500
	DefaultSettlementTimeoutMs = 10000
	DefaultSettlementRetryMs   = 200
)

// LoadConfig reads path (JSON or YAML) over the defaults. An empty path uses
// defaults and environment only. Environment variables take the BLINKSHOP_
// prefix, e.g. BLINKSHOP_SETTLEMENT_API_KEY.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	defaults := map[string]interface{}{
		"rpc_url":                             DefaultRPCURL,
		"commitment":                          "confirmed",
		"listen_addr":                         DefaultListenAddr,
		"log_file":                            "blinkshop.log",
		"storage.backend":                     "memory",
		"storage.namespace":                   "blinkshop:",
		"transaction.max_retries":             DefaultRetries,
		"transaction.retry_delay_ms":          DefaultRetryDelayMs,
		"transaction.confirmation_timeout_ms": DefaultConfirmationTimeout,
		"transaction.poll_interval_ms":        DefaultPollIntervalMs,
		"transaction.check_accounts":          true,
		"settlement.timeout_ms":               DefaultSettlementTimeoutMs,
		"settlement.max_attempts":             DefaultRetries,
		"settlement.retry_delay_ms":           DefaultSettlementRetryMs,
		"settlement.source_currency":          "USDC",
		"settlement.destination_currency":     "USD",
		"settlement.poll_schedule":            "@every 15s",
		"merchant.min_withdrawal":             "10",
		"merchant.fee_rate":                   "0.01",
		"merchant.withdrawal_delay_ms":        2000,
		"merchant.complete_schedule":          "@every 5s",
		// Registered so environment overrides reach Unmarshal.
		"blink_base_url":              "",
		"debug_logging":               false,
		"wallet_file":                 "",
		"storage.redis_addr":          "",
		"storage.redis_password":      "",
		"storage.redis_db":            0,
		"transaction.priority_fee":    0,
		"transaction.compute_units":   0,
		"transaction.skip_preflight":  false,
		"settlement.base_url":         "",
		"settlement.api_key":          "",
		"settlement.rate_limit":       0.0,
		"settlement.burst":            0,
		"settlement.source_wallet_id": "",
		"settlement.bank_account_id":  "",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("BLINKSHOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.convertDurations()

	return &cfg, validateConfig(&cfg)
}

func (cfg *Config) convertDurations() {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	cfg.Transaction.RetryDelay = ms(cfg.Transaction.RetryDelayMs)
	cfg.Transaction.ConfirmationTime = ms(cfg.Transaction.ConfirmationTimeout)
	cfg.Transaction.PollInterval = ms(cfg.Transaction.PollIntervalMs)
	cfg.Settlement.Timeout = ms(cfg.Settlement.TimeoutMs)
	cfg.Settlement.RetryDelay = ms(cfg.Settlement.RetryDelayMs)
	cfg.Merchant.WithdrawalDelay = ms(cfg.Merchant.WithdrawalDelayMs)
}

func validateConfig(cfg *Config) error {
	if err := validateURLWithCache(cfg.RPCURL, "http"); err != nil {
		return fmt.Errorf("invalid rpc_url: %w", err)
	}
	switch cfg.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("invalid commitment %q", cfg.Commitment)
	}
	if cfg.BlinkBaseURL != "" {
		if err := validateURLWithCache(cfg.BlinkBaseURL, "http"); err != nil {
			return fmt.Errorf("invalid blink_base_url: %w", err)
		}
	}
	if cfg.Settlement.BaseURL != "" {
		if err := validateURLWithCache(cfg.Settlement.BaseURL, "https"); err != nil {
			return errors.New("settlement base_url must use HTTPS")
		}
	}
	switch cfg.Storage.Backend {
	case "memory":
	case "redis":
		if cfg.Storage.RedisAddr == "" {
			return errors.New("storage.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	return validateNumericParams(cfg)
}

func validateNumericParams(cfg *Config) error {
	t := cfg.Transaction
	if t.MaxRetries <= 0 || t.MaxRetries > 10 {
		return errors.New("invalid transaction.max_retries")
	}
	if t.RetryDelayMs <= 0 {
		return errors.New("invalid transaction.retry_delay_ms")
	}
	if t.ConfirmationTimeout <= 0 {
		return errors.New("invalid transaction.confirmation_timeout_ms")
	}
	if t.PollIntervalMs <= 0 || t.PollIntervalMs > t.ConfirmationTimeout {
		return errors.New("invalid transaction.poll_interval_ms")
	}

	s := cfg.Settlement
	if s.TimeoutMs <= 0 {
		return errors.New("invalid settlement.timeout_ms")
	}
	if s.MaxAttempts <= 0 || s.MaxAttempts > 5 {
		return errors.New("invalid settlement.max_attempts")
	}
	if s.RetryDelayMs <= 0 {
		return errors.New("invalid settlement.retry_delay_ms")
	}
	if s.RateLimit < 0 || s.Burst < 0 {
		return errors.New("invalid settlement rate limit")
	}
	if cfg.Merchant.WithdrawalDelayMs < 0 {
		return errors.New("invalid merchant.withdrawal_delay_ms")
	}
	return nil
}

var urlCache sync.Map

func validateURLWithCache(rawURL string, protocol string) error {
	if _, ok := urlCache.Load(rawURL + "|" + protocol); ok {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) {
		return errors.New("invalid URL protocol")
	}
	urlCache.Store(rawURL+"|"+protocol, parsed)
	return nil
}
