package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Verify     VerifyConfig     `yaml:"verify" mapstructure:"verify"`
	Payment    PaymentConfig    `yaml:"payment" mapstructure:"payment"`
	Settlement SettlementConfig `yaml:"settlement" mapstructure:"settlement"`
	Agent      AgentConfig      `yaml:"agent" mapstructure:"agent"`
	Engine     EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds reasoning backend settings.
type AnthropicConfig struct {
	Key          string `yaml:"key" mapstructure:"key"`
	AgentModel   string `yaml:"agent_model" mapstructure:"agent_model"`
	ExtractModel string `yaml:"extract_model" mapstructure:"extract_model"`
}

// VerifyConfig holds the external verification service settings. The service
// charges a micropayment per call (HTTP 402 protocol).
type VerifyConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// PaymentConfig holds the micropayment facilitator settings.
type PaymentConfig struct {
	FacilitatorURL string  `yaml:"facilitator_url" mapstructure:"facilitator_url"`
	WalletAddress  string  `yaml:"wallet_address" mapstructure:"wallet_address"`
	MaxFeeUSD      float64 `yaml:"max_fee_usd" mapstructure:"max_fee_usd"`
	ReceiptTTLSecs int     `yaml:"receipt_ttl_secs" mapstructure:"receipt_ttl_secs"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// SettlementConfig holds the escrow gateway settings.
type SettlementConfig struct {
	GatewayURL  string `yaml:"gateway_url" mapstructure:"gateway_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AgentConfig configures the reasoning agent loop.
type AgentConfig struct {
	MaxIterations   int `yaml:"max_iterations" mapstructure:"max_iterations"`
	RunDeadlineSecs int `yaml:"run_deadline_secs" mapstructure:"run_deadline_secs"`
	ToolTimeoutSecs int `yaml:"tool_timeout_secs" mapstructure:"tool_timeout_secs"`
	ParseRetries    int `yaml:"parse_retries" mapstructure:"parse_retries"`
}

// EngineConfig configures decision enforcement.
type EngineConfig struct {
	FraudThreshold      float64 `yaml:"fraud_threshold" mapstructure:"fraud_threshold"`
	AutoApproveMin      float64 `yaml:"auto_approve_min" mapstructure:"auto_approve_min"`
	ReviewApproveMin    float64 `yaml:"review_approve_min" mapstructure:"review_approve_min"`
	NeedsReviewMin      float64 `yaml:"needs_review_min" mapstructure:"needs_review_min"`
	MoreDataMin         float64 `yaml:"more_data_min" mapstructure:"more_data_min"`
	AutoApproveFraudMax float64 `yaml:"auto_approve_fraud_max" mapstructure:"auto_approve_fraud_max"`
	AmountMismatchPct   float64 `yaml:"amount_mismatch_pct" mapstructure:"amount_mismatch_pct"`
	CoverageCap         float64 `yaml:"coverage_cap" mapstructure:"coverage_cap"`
}

// PricingConfig points at the optional fee/pricing schedule file.
type PricingConfig struct {
	RatesFile string `yaml:"rates_file" mapstructure:"rates_file"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CLAIMPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "claimpilot.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.agent_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.extract_model", "claude-haiku-4-5-20251001")
	v.SetDefault("verify.timeout_secs", 30)
	v.SetDefault("verify.rate_per_sec", 5)
	v.SetDefault("payment.max_fee_usd", 0.50)
	v.SetDefault("payment.receipt_ttl_secs", 600)
	v.SetDefault("payment.timeout_secs", 20)
	v.SetDefault("settlement.timeout_secs", 45)
	v.SetDefault("agent.max_iterations", 16)
	v.SetDefault("agent.run_deadline_secs", 300)
	v.SetDefault("agent.tool_timeout_secs", 60)
	v.SetDefault("agent.parse_retries", 2)
	v.SetDefault("engine.fraud_threshold", 0.70)
	v.SetDefault("engine.auto_approve_min", 0.95)
	v.SetDefault("engine.review_approve_min", 0.85)
	v.SetDefault("engine.needs_review_min", 0.70)
	v.SetDefault("engine.more_data_min", 0.50)
	v.SetDefault("engine.auto_approve_fraud_max", 0.30)
	v.SetDefault("engine.amount_mismatch_pct", 10.0)
	v.SetDefault("engine.coverage_cap", 0.80)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
