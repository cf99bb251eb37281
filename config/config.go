// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/dgt/seed-ledger/ledger"
)

// Config represents the full application configuration surface.
type Config struct {
	Server     ServerConfig
	Store      StoreConfig
	MasterData MasterDataConfig
	Rules      RulesConfig
	Notify     NotifyConfig
	Documents  DocumentsConfig
	Log        LogConfig
}

// ServerConfig holds HTTP server related options.
type ServerConfig struct {
	Port        string
	CORSOrigins []string
}

type StoreConfig struct {
	DBPath string
}

type MasterDataConfig struct {
	Path string
}

// RulesConfig holds the numeric ledger rules.
type RulesConfig struct {
	PurityTolerance          decimal.Decimal
	MassBalanceTolerance     decimal.Decimal
	ProcessLoss              decimal.Decimal
	EstimateAlpha            decimal.Decimal
	BalanceEstimateTolerance decimal.Decimal
}

// NotifyConfig selects the webhook notifier when WebhookURL is set.
type NotifyConfig struct {
	WebhookURL    string
	WebhookSecret string
}

// DocumentsConfig selects the S3 document store when Bucket is set.
type DocumentsConfig struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

type LogConfig struct {
	Level string
}

// Load reads environment variables (optionally from the provided file) and
// materializes a Config instance.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed loading env file %s: %w", envFile, err)
			}
		}
	} else {
		// Missing .env files are fine when configuration comes from the
		// environment directly.
		_ = godotenv.Load()
	}

	rules, err := loadRules()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:        getenvWithDefault("LEDGER_PORT", "8080"),
			CORSOrigins: splitList(getenvWithDefault("LEDGER_CORS_ORIGINS", "*")),
		},
		Store: StoreConfig{
			DBPath: getenvWithDefault("LEDGER_DB_PATH", "seed-ledger.db"),
		},
		MasterData: MasterDataConfig{
			Path: getenvWithDefault("LEDGER_MASTERDATA_PATH", "masterdata.yaml"),
		},
		Rules: rules,
		Notify: NotifyConfig{
			WebhookURL:    os.Getenv("LEDGER_NOTIFY_WEBHOOK_URL"),
			WebhookSecret: os.Getenv("LEDGER_NOTIFY_WEBHOOK_SECRET"),
		},
		Documents: DocumentsConfig{
			Bucket:    os.Getenv("LEDGER_S3_BUCKET"),
			Region:    getenvWithDefault("LEDGER_S3_REGION", "us-east-1"),
			Endpoint:  os.Getenv("LEDGER_S3_ENDPOINT"),
			PathStyle: strings.EqualFold(os.Getenv("LEDGER_S3_PATH_STYLE"), "true"),
		},
		Log: LogConfig{
			Level: getenvWithDefault("LEDGER_LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadRules() (RulesConfig, error) {
	var (
		r   RulesConfig
		err error
	)
	fields := []struct {
		env string
		def string
		dst *decimal.Decimal
	}{
		{"LEDGER_PURITY_TOLERANCE", "2.0", &r.PurityTolerance},
		{"LEDGER_MASS_BALANCE_TOLERANCE", "0.0075", &r.MassBalanceTolerance},
		{"LEDGER_PROCESS_LOSS_PCT", "0.005", &r.ProcessLoss},
		{"LEDGER_ESTIMATE_ALPHA", "0.90", &r.EstimateAlpha},
		{"LEDGER_BALANCE_ESTIMATE_TOLERANCE", "0.01", &r.BalanceEstimateTolerance},
	}
	for _, f := range fields {
		raw := getenvWithDefault(f.env, f.def)
		if *f.dst, err = decimal.NewFromString(raw); err != nil {
			return r, fmt.Errorf("%s: %q is not a number", f.env, raw)
		}
	}
	return r, nil
}

// Validate ensures that required configuration fields are populated.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if c.Server.Port == "" {
		return errors.New("LEDGER_PORT must be provided")
	}
	if c.Store.DBPath == "" {
		return errors.New("LEDGER_DB_PATH must be provided")
	}

	r := c.Rules
	if !r.PurityTolerance.IsPositive() {
		return errors.New("LEDGER_PURITY_TOLERANCE must be positive")
	}
	if !r.MassBalanceTolerance.IsPositive() {
		return errors.New("LEDGER_MASS_BALANCE_TOLERANCE must be positive")
	}
	if r.ProcessLoss.IsNegative() {
		return errors.New("LEDGER_PROCESS_LOSS_PCT must not be negative")
	}
	if !r.EstimateAlpha.IsPositive() || r.EstimateAlpha.GreaterThan(decimal.NewFromInt(1)) {
		return errors.New("LEDGER_ESTIMATE_ALPHA must be in (0, 1]")
	}
	if !r.BalanceEstimateTolerance.IsPositive() {
		return errors.New("LEDGER_BALANCE_ESTIMATE_TOLERANCE must be positive")
	}

	return nil
}

// Settings converts the rules into engine settings.
func (c *Config) Settings() ledger.Settings {
	return ledger.Settings{
		MassBalanceTolerance:     c.Rules.MassBalanceTolerance,
		PurityTolerance:          c.Rules.PurityTolerance,
		ProcessLoss:              c.Rules.ProcessLoss,
		EstimateAlpha:            c.Rules.EstimateAlpha,
		BalanceEstimateTolerance: c.Rules.BalanceEstimateTolerance,
	}
}

func getenvWithDefault(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
