package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"moneymarket/native/bank"
	"moneymarket/native/lending"
	"moneymarket/services/lendingd/middleware"
)

const (
	defaultListenAddress = ":8440"
	defaultDataDir       = "./lendingd-data"
	defaultMaxAgeSeconds = 3600
	defaultScopeClaim    = "scope"
	defaultClockSkew     = 120
	minSecretLength      = 32
)

// Config captures the runtime settings for the lending service daemon.
type Config struct {
	ListenAddress string                 `yaml:"listen" toml:"Listen"`
	DataDir       string                 `yaml:"data_dir" toml:"DataDir"`
	TLS           TLSConfig              `yaml:"tls" toml:"TLS"`
	Auth          AuthConfig             `yaml:"auth" toml:"Auth"`
	RateLimit     RateLimitConfig        `yaml:"rate_limit" toml:"RateLimit"`
	Oracle        OracleConfig           `yaml:"oracle" toml:"Oracle"`
	EventLog      EventLogConfig         `yaml:"event_log" toml:"EventLog"`
	Log           LogConfig              `yaml:"log" toml:"Log"`
	Telemetry     TelemetryConfig        `yaml:"telemetry" toml:"Telemetry"`
	Markets       []lending.MarketParams `yaml:"markets" toml:"Markets"`
	Balances      []BalanceConfig        `yaml:"balances" toml:"Balances"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert" toml:"Cert"`
	KeyPath       string `yaml:"key" toml:"Key"`
	AllowInsecure bool   `yaml:"allow_insecure" toml:"AllowInsecure"`
}

// AuthConfig configures HMAC-signed bearer tokens. The token subject is the
// account the request acts for.
type AuthConfig struct {
	Enabled          bool   `yaml:"enabled" toml:"Enabled"`
	HMACSecret       string `yaml:"hmac_secret" toml:"HMACSecret"`
	Issuer           string `yaml:"issuer" toml:"Issuer"`
	Audience         string `yaml:"audience" toml:"Audience"`
	ScopeClaim       string `yaml:"scope_claim" toml:"ScopeClaim"`
	ClockSkewSeconds int    `yaml:"clock_skew_seconds" toml:"ClockSkewSeconds"`
}

// RateLimitConfig bounds requests per client. A zero rate disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute float64  `yaml:"requests_per_minute" toml:"RequestsPerMinute"`
	Burst             int      `yaml:"burst" toml:"Burst"`
	TrustedProxies    []string `yaml:"trusted_proxies" toml:"TrustedProxies"`
}

// OracleConfig bounds pushed prices and lists the accepted reporters.
type OracleConfig struct {
	MaxAgeSeconds   uint64   `yaml:"max_age_seconds" toml:"MaxAgeSeconds"`
	MaxDeviationBps uint64   `yaml:"max_deviation_bps" toml:"MaxDeviationBps"`
	Reporters       []string `yaml:"reporters" toml:"Reporters"`
}

// EventLogConfig selects the SQL database committed events are appended to.
// An empty DSN disables the log.
type EventLogConfig struct {
	DSN string `yaml:"dsn" toml:"DSN"`
}

// LogConfig mirrors logging.Options.
type LogConfig struct {
	Level      string `yaml:"level" toml:"Level"`
	File       string `yaml:"file" toml:"File"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"MaxSizeMB"`
	MaxBackups int    `yaml:"max_backups" toml:"MaxBackups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"MaxAgeDays"`
	Compress   bool   `yaml:"compress" toml:"Compress"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"Endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"Insecure"`
	Headers     string  `yaml:"headers" toml:"Headers"`
	Traces      bool    `yaml:"traces" toml:"Traces"`
	Metrics     bool    `yaml:"metrics" toml:"Metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"SampleRatio"`
}

// Load reads the configuration from disk, applies LENDINGD_* environment
// overrides and validates the result. Files ending in .toml are decoded as
// TOML; anything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: defaultListenAddress,
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	cfg.ListenAddress = stringFromEnv("LENDINGD_LISTEN", cfg.ListenAddress)
	cfg.DataDir = stringFromEnv("LENDINGD_DATA_DIR", cfg.DataDir)
	cfg.Auth.HMACSecret = stringFromEnv("LENDINGD_JWT_SECRET", cfg.Auth.HMACSecret)
	cfg.EventLog.DSN = stringFromEnv("LENDINGD_EVENTLOG_DSN", cfg.EventLog.DSN)
	cfg.Log.Level = stringFromEnv("LENDINGD_LOG_LEVEL", cfg.Log.Level)
}

func stringFromEnv(key, fallback string) string {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
	cfg.Auth.normalize()
	if cfg.Oracle.MaxAgeSeconds == 0 {
		cfg.Oracle.MaxAgeSeconds = defaultMaxAgeSeconds
	}
	reporters := make([]string, 0, len(cfg.Oracle.Reporters))
	for _, reporter := range cfg.Oracle.Reporters {
		if trimmed := strings.TrimSpace(reporter); trimmed != "" {
			reporters = append(reporters, trimmed)
		}
	}
	cfg.Oracle.Reporters = reporters
	cfg.EventLog.DSN = strings.TrimSpace(cfg.EventLog.DSN)
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
	for i := range cfg.Markets {
		cfg.Markets[i].EnsureDefaults()
	}
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	hasCert := cfg.TLS.CertPath != ""
	hasKey := cfg.TLS.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("tls: cert and key must either both be provided or both be empty")
	}
	if !cfg.TLS.AllowInsecure && !hasCert {
		return fmt.Errorf("tls: cert and key are required unless allow_insecure=true")
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	if _, err := middleware.ParseTrustedProxies(cfg.RateLimit.TrustedProxies); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	if cfg.Oracle.MaxDeviationBps > 10_000 {
		return fmt.Errorf("oracle: max_deviation_bps must not exceed 10000")
	}
	for _, reporter := range cfg.Oracle.Reporters {
		if !common.IsHexAddress(reporter) {
			return fmt.Errorf("oracle: invalid reporter address %q", reporter)
		}
	}
	if ratio := cfg.Telemetry.SampleRatio; ratio < 0 || ratio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	seen := make(map[string]struct{}, len(cfg.Markets))
	for _, params := range cfg.Markets {
		if _, dup := seen[params.ID]; dup {
			return fmt.Errorf("markets: duplicate market %q", params.ID)
		}
		seen[params.ID] = struct{}{}
		if _, err := params.Definition(); err != nil {
			return fmt.Errorf("markets: %w", err)
		}
	}
	if _, err := cfg.GenesisBalances(); err != nil {
		return err
	}
	return nil
}

// BalanceConfig funds an account when the data directory is first
// initialised.
type BalanceConfig struct {
	Account string `yaml:"account" toml:"Account"`
	Asset   string `yaml:"asset" toml:"Asset"`
	Amount  string `yaml:"amount" toml:"Amount"`
}

// GenesisBalances parses the configured balances.
func (cfg Config) GenesisBalances() ([]bank.Allocation, error) {
	out := make([]bank.Allocation, 0, len(cfg.Balances))
	for i, entry := range cfg.Balances {
		if !common.IsHexAddress(entry.Account) {
			return nil, fmt.Errorf("balances[%d]: invalid account %q", i, entry.Account)
		}
		asset := strings.ToUpper(strings.TrimSpace(entry.Asset))
		if asset == "" {
			return nil, fmt.Errorf("balances[%d]: asset required", i)
		}
		amount, err := lending.ParseAmount(entry.Amount)
		if err != nil {
			return nil, fmt.Errorf("balances[%d]: %w", i, err)
		}
		if amount.IsZero() {
			return nil, fmt.Errorf("balances[%d]: amount must be positive", i)
		}
		out = append(out, bank.Allocation{Account: common.HexToAddress(entry.Account), Asset: asset, Amount: amount})
	}
	return out, nil
}

// Definitions parses every configured market.
func (cfg Config) Definitions() ([]lending.MarketDefinition, error) {
	defs := make([]lending.MarketDefinition, 0, len(cfg.Markets))
	for _, params := range cfg.Markets {
		def, err := params.Definition()
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// ReporterAddresses returns the oracle reporters as addresses.
func (cfg Config) ReporterAddresses() []common.Address {
	out := make([]common.Address, 0, len(cfg.Oracle.Reporters))
	for _, reporter := range cfg.Oracle.Reporters {
		out = append(out, common.HexToAddress(reporter))
	}
	return out
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.HMACSecret = strings.TrimSpace(cfg.HMACSecret)
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	cfg.ScopeClaim = strings.TrimSpace(cfg.ScopeClaim)
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = defaultScopeClaim
	}
	if cfg.ClockSkewSeconds <= 0 {
		cfg.ClockSkewSeconds = defaultClockSkew
	}
}

func (cfg AuthConfig) validate() error {
	if !cfg.Enabled {
		return nil
	}
	if len(cfg.HMACSecret) < minSecretLength {
		return fmt.Errorf("hmac_secret must be at least %d bytes", minSecretLength)
	}
	return nil
}
