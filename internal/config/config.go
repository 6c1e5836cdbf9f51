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
	Inference  InferenceConfig  `yaml:"inference" mapstructure:"inference"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Executor   ExecutorConfig   `yaml:"executor" mapstructure:"executor"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" mapstructure:"checkpoint"`
	Ledger     LedgerConfig     `yaml:"ledger" mapstructure:"ledger"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Status     StatusConfig     `yaml:"status" mapstructure:"status"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// InferenceConfig configures the inference service boundary.
type InferenceConfig struct {
	Provider           string  `yaml:"provider" mapstructure:"provider"`
	Endpoint           string  `yaml:"endpoint" mapstructure:"endpoint"`
	Key                string  `yaml:"key" mapstructure:"key"`
	Model              string  `yaml:"model" mapstructure:"model"`
	Temperature        float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens          int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestTimeoutSecs int     `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	RequestsPerSecond  float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst              int     `yaml:"burst" mapstructure:"burst"`
}

// AnthropicConfig holds Anthropic API settings used when inference.provider
// is "anthropic".
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// ExecutorConfig configures concurrent request submission.
type ExecutorConfig struct {
	Strategy         string `yaml:"strategy" mapstructure:"strategy"`
	ConcurrencyLimit int    `yaml:"concurrency_limit" mapstructure:"concurrency_limit"`
}

// PipelineConfig configures stage orchestration.
type PipelineConfig struct {
	WorkDir              string   `yaml:"work_dir" mapstructure:"work_dir"`
	Stages               []string `yaml:"stages" mapstructure:"stages"`
	CheckpointInterval   int      `yaml:"checkpoint_interval" mapstructure:"checkpoint_interval"`
	ClearOnComplete      bool     `yaml:"clear_on_complete" mapstructure:"clear_on_complete"`
	AnalysisMinScore     float64  `yaml:"analysis_min_score" mapstructure:"analysis_min_score"`
	OptimizationMinScore float64  `yaml:"optimization_min_score" mapstructure:"optimization_min_score"`
}

// CheckpointConfig configures where checkpoint documents live.
type CheckpointConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// LedgerConfig configures the failure ledger backend.
type LedgerConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ResilienceConfig configures the preflight probe retry and the per-service
// circuit breaker.
type ResilienceConfig struct {
	ProbeAttempts     int `yaml:"probe_attempts" mapstructure:"probe_attempts"`
	ProbeBackoffMs    int `yaml:"probe_backoff_ms" mapstructure:"probe_backoff_ms"`
	ProbeMaxBackoffMs int `yaml:"probe_max_backoff_ms" mapstructure:"probe_max_backoff_ms"`
	BreakerThreshold  int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs  int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// ScoringConfig holds the candidate profile used by the deterministic scorer.
type ScoringConfig struct {
	TitleKeywords        []string `yaml:"title_keywords" mapstructure:"title_keywords"`
	GenericTitleTerms    []string `yaml:"generic_title_terms" mapstructure:"generic_title_terms"`
	Skills               []string `yaml:"skills" mapstructure:"skills"`
	PreferRemote         bool     `yaml:"prefer_remote" mapstructure:"prefer_remote"`
	Cities               []string `yaml:"cities" mapstructure:"cities"`
	Regions              []string `yaml:"regions" mapstructure:"regions"`
	RequiredKeywords     []string `yaml:"required_keywords" mapstructure:"required_keywords"`
	DisqualifierKeywords []string `yaml:"disqualifier_keywords" mapstructure:"disqualifier_keywords"`
	DealBreakerCap       float64  `yaml:"deal_breaker_cap" mapstructure:"deal_breaker_cap"`
	TitleMax             float64  `yaml:"title_max" mapstructure:"title_max"`
	SkillsMax            float64  `yaml:"skills_max" mapstructure:"skills_max"`
	LocationMax          float64  `yaml:"location_max" mapstructure:"location_max"`
	ResumeSummary        string   `yaml:"resume_summary" mapstructure:"resume_summary"`
}

// PricingConfig holds per-model token pricing.
type PricingConfig struct {
	Models map[string]ModelPricing `yaml:"models" mapstructure:"models"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// StatusConfig configures the read-only status server.
type StatusConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
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
	v.SetEnvPrefix("JOBSCORER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("inference.provider", "http")
	v.SetDefault("inference.endpoint", "http://localhost:8000/v1/generate")
	v.SetDefault("inference.key", "")
	v.SetDefault("inference.model", "local")
	v.SetDefault("inference.temperature", 0.2)
	v.SetDefault("inference.max_tokens", 1024)
	v.SetDefault("inference.request_timeout_secs", 180)
	v.SetDefault("inference.requests_per_second", 0)
	v.SetDefault("inference.burst", 1)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("executor.strategy", "rolling")
	v.SetDefault("executor.concurrency_limit", 8)
	v.SetDefault("pipeline.work_dir", "./data")
	v.SetDefault("pipeline.stages", []string{"scoring"})
	v.SetDefault("pipeline.checkpoint_interval", 64)
	v.SetDefault("pipeline.clear_on_complete", true)
	v.SetDefault("pipeline.analysis_min_score", 60)
	v.SetDefault("pipeline.optimization_min_score", 70)
	v.SetDefault("checkpoint.dir", "./data/checkpoints")
	v.SetDefault("ledger.driver", "sqlite")
	v.SetDefault("ledger.database_url", "./data/failures.db")
	v.SetDefault("resilience.probe_attempts", 3)
	v.SetDefault("resilience.probe_backoff_ms", 500)
	v.SetDefault("resilience.probe_max_backoff_ms", 5000)
	v.SetDefault("resilience.breaker_threshold", 5)
	v.SetDefault("resilience.breaker_reset_secs", 30)
	v.SetDefault("scoring.title_keywords", []string{})
	v.SetDefault("scoring.skills", []string{})
	v.SetDefault("scoring.resume_summary", "")
	v.SetDefault("scoring.generic_title_terms", []string{"engineer", "developer", "analyst", "manager", "specialist"})
	v.SetDefault("scoring.prefer_remote", true)
	v.SetDefault("scoring.deal_breaker_cap", 49)
	v.SetDefault("scoring.title_max", 20)
	v.SetDefault("scoring.skills_max", 10)
	v.SetDefault("scoring.location_max", 10)
	v.SetDefault("status.addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks value ranges that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	var errs []string

	switch c.Inference.Provider {
	case "http":
		if c.Inference.Endpoint == "" {
			errs = append(errs, "inference.endpoint is required for the http provider")
		}
	case "anthropic":
	default:
		errs = append(errs, "inference.provider must be http or anthropic, got "+c.Inference.Provider)
	}
	if c.Inference.MaxTokens <= 0 {
		errs = append(errs, "inference.max_tokens must be positive")
	}
	if c.Inference.RequestsPerSecond < 0 {
		errs = append(errs, "inference.requests_per_second must be >= 0")
	}

	switch c.Executor.Strategy {
	case "wave", "rolling":
	default:
		errs = append(errs, "executor.strategy must be wave or rolling, got "+c.Executor.Strategy)
	}
	if c.Executor.ConcurrencyLimit < 1 {
		errs = append(errs, "executor.concurrency_limit must be >= 1")
	}

	for _, s := range c.Pipeline.Stages {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "scoring", "analysis", "optimization":
		default:
			errs = append(errs, "pipeline.stages has unknown stage "+s)
		}
	}
	if c.Pipeline.CheckpointInterval < 1 {
		errs = append(errs, "pipeline.checkpoint_interval must be >= 1")
	}

	switch c.Ledger.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "ledger.driver must be sqlite or postgres, got "+c.Ledger.Driver)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid: %s", strings.Join(errs, "; "))
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
