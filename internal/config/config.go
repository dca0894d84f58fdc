package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Fetch        FetchConfig        `yaml:"fetch" mapstructure:"fetch"`
	OpenAI       OpenAIConfig       `yaml:"openai" mapstructure:"openai"`
	Gemini       GeminiConfig       `yaml:"gemini" mapstructure:"gemini"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	Providers    ProvidersConfig    `yaml:"providers" mapstructure:"providers"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit" mapstructure:"ratelimit"`
	Routing      RoutingConfig      `yaml:"routing" mapstructure:"routing"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Scoring      ScoringConfig      `yaml:"scoring" mapstructure:"scoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// FetchConfig configures the page fetcher.
type FetchConfig struct {
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxBodyBytes int64   `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	UserAgent    string  `yaml:"user_agent" mapstructure:"user_agent"`
	Retries      int     `yaml:"retries" mapstructure:"retries"`
	PerHostRPS   float64 `yaml:"per_host_rps" mapstructure:"per_host_rps"`
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	MiniModel string `yaml:"mini_model" mapstructure:"mini_model"`
	MainModel string `yaml:"main_model" mapstructure:"main_model"`
}

// GeminiConfig holds Gemini settings. Gemini is reached through its
// OpenAI-compatible endpoint.
type GeminiConfig struct {
	Key        string `yaml:"key" mapstructure:"key"`
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	MainModel  string `yaml:"main_model" mapstructure:"main_model"`
	FlashModel string `yaml:"flash_model" mapstructure:"flash_model"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key        string `yaml:"key" mapstructure:"key"`
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	HaikuModel string `yaml:"haiku_model" mapstructure:"haiku_model"`
}

// ProvidersConfig holds settings shared by every AI provider client.
type ProvidersConfig struct {
	RequestsPerSecond       float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst                   int     `yaml:"burst" mapstructure:"burst"`
	MaxTokens               int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature             float64 `yaml:"temperature" mapstructure:"temperature"`
	CircuitFailureThreshold int     `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
	MaxRetries              int     `yaml:"max_retries" mapstructure:"max_retries"`
}

// RateLimitConfig holds daily request limits per identifier type.
type RateLimitConfig struct {
	SessionDailyLimit int `yaml:"session_daily_limit" mapstructure:"session_daily_limit"`
	UserDailyLimit    int `yaml:"user_daily_limit" mapstructure:"user_daily_limit"`
}

// RoutingConfig holds strategy selection and optimal-pair recompute policy.
type RoutingConfig struct {
	WarmupThreshold               int      `yaml:"warmup_threshold" mapstructure:"warmup_threshold"`
	MinSuccessRate                float64  `yaml:"min_success_rate" mapstructure:"min_success_rate"`
	CompletenessFallbackThreshold float64  `yaml:"completeness_fallback_threshold" mapstructure:"completeness_fallback_threshold"`
	MinComboSamples               int      `yaml:"min_combo_samples" mapstructure:"min_combo_samples"`
	RecomputeEvery                int      `yaml:"recompute_every" mapstructure:"recompute_every"`
	DefaultStrategy               string   `yaml:"default_strategy" mapstructure:"default_strategy"`
	DefaultProvider               string   `yaml:"default_provider" mapstructure:"default_provider"`
	ProviderOrder                 []string `yaml:"provider_order" mapstructure:"provider_order"`
	KnownStructuredSites          []string `yaml:"known_structured_sites" mapstructure:"known_structured_sites"`
}

// OrchestratorConfig holds per-request budgets.
type OrchestratorConfig struct {
	PrimaryTimeoutSecs  int `yaml:"primary_timeout_secs" mapstructure:"primary_timeout_secs"`
	FallbackTimeoutSecs int `yaml:"fallback_timeout_secs" mapstructure:"fallback_timeout_secs"`
	RecordTimeoutSecs   int `yaml:"record_timeout_secs" mapstructure:"record_timeout_secs"`
	MaxConcurrent       int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// ScoringConfig holds completeness field weights keyed by field name.
type ScoringConfig struct {
	Weights map[string]float64 `yaml:"weights" mapstructure:"weights"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RECIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "recipe-extract.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("fetch.timeout_secs", 20)
	v.SetDefault("fetch.max_body_bytes", 5<<20)
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (compatible; recipe-extract/1.0)")
	v.SetDefault("fetch.retries", 1)
	v.SetDefault("fetch.per_host_rps", 2.0)
	v.SetDefault("openai.base_url", "https://api.openai.com/v1/")
	v.SetDefault("openai.mini_model", "gpt-4o-mini-2024-07-18")
	v.SetDefault("openai.main_model", "gpt-4.1-mini-2025-04-14")
	v.SetDefault("gemini.base_url", "https://generativelanguage.googleapis.com/v1beta/openai/")
	v.SetDefault("gemini.main_model", "gemini-2.5-pro")
	v.SetDefault("gemini.flash_model", "gemini-2.5-flash")
	v.SetDefault("anthropic.haiku_model", "claude-haiku-4-5-20251001")
	v.SetDefault("providers.requests_per_second", 5.0)
	v.SetDefault("providers.burst", 5)
	v.SetDefault("providers.max_tokens", 4096)
	v.SetDefault("providers.temperature", 0.1)
	v.SetDefault("providers.circuit_failure_threshold", 5)
	v.SetDefault("providers.circuit_reset_secs", 30)
	v.SetDefault("providers.max_retries", 1)
	v.SetDefault("ratelimit.session_daily_limit", 20)
	v.SetDefault("ratelimit.user_daily_limit", 1000)
	v.SetDefault("routing.warmup_threshold", 5)
	v.SetDefault("routing.min_success_rate", 0.5)
	v.SetDefault("routing.completeness_fallback_threshold", 0.6)
	v.SetDefault("routing.min_combo_samples", 3)
	v.SetDefault("routing.recompute_every", 5)
	v.SetDefault("routing.default_strategy", "URL_DIRECT")
	v.SetDefault("routing.default_provider", "GEMINI_FLASH")
	v.SetDefault("routing.provider_order", []string{"GEMINI_FLASH", "OPENAI_MINI", "GEMINI_MAIN", "OPENAI_MAIN", "CLAUDE_HAIKU"})
	v.SetDefault("routing.known_structured_sites", []string{
		"allrecipes.com", "foodnetwork.com", "epicurious.com", "bonappetit.com", "seriouseats.com",
		"food.com", "delish.com", "tasteofhome.com", "simplyrecipes.com", "kitchn.com",
	})
	v.SetDefault("orchestrator.primary_timeout_secs", 45)
	v.SetDefault("orchestrator.fallback_timeout_secs", 45)
	v.SetDefault("orchestrator.record_timeout_secs", 5)
	v.SetDefault("orchestrator.max_concurrent", 5)
	v.SetDefault("scoring.weights", map[string]float64{
		"title": 1, "ingredients": 1, "steps": 1, "prepTime": 1, "cleanupTime": 1, "category": 1,
	})

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

// Validate checks the keys a command needs. Commands touching the store
// need a database URL; extract and batch also need at least one provider key.
func (c *Config) Validate(command string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	switch command {
	case "extract", "batch":
		if c.OpenAI.Key == "" && c.Gemini.Key == "" && c.Anthropic.Key == "" {
			problems = append(problems, "at least one of openai.key, gemini.key, anthropic.key is required")
		}
		if c.Orchestrator.PrimaryTimeoutSecs <= 0 || c.Orchestrator.FallbackTimeoutSecs <= 0 {
			problems = append(problems, "orchestrator timeouts must be positive")
		}
		if c.Routing.CompletenessFallbackThreshold < 0 || c.Routing.CompletenessFallbackThreshold > 1 {
			problems = append(problems, "routing.completeness_fallback_threshold must be within [0,1]")
		}
		if c.Routing.MinSuccessRate < 0 || c.Routing.MinSuccessRate > 1 {
			problems = append(problems, "routing.min_success_rate must be within [0,1]")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
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
