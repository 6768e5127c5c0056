package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Default configuration values.
var (
	// DefaultCouncilModels is the list of models queried in parallel.
	DefaultCouncilModels = []string{
		"openai/gpt-5.1",
		"google/gemini-3-pro-preview",
		"anthropic/claude-sonnet-4.5",
		"x-ai/grok-4",
	}

	// DefaultChairmanModel is the model used for final synthesis.
	DefaultChairmanModel = "google/gemini-3-pro-preview"

	// DefaultTitleModel is the fast model used for conversation titles.
	DefaultTitleModel = "google/gemini-2.5-flash"

	// DefaultOpenRouterAPIURL is the endpoint for the OpenRouter API.
	DefaultOpenRouterAPIURL = "https://openrouter.ai/api/v1/chat/completions"

	// DefaultDataDir is the directory for conversation storage.
	DefaultDataDir = "data/conversations"
)

// maxCouncilSize is bounded by the single-letter labels A..Z used in Stage 2.
const maxCouncilSize = 26

// Config holds every runtime setting for the council backend.
type Config struct {
	OpenRouterAPIKey string
	OpenRouterAPIURL string

	CouncilModels []string
	ChairmanModel string
	TitleModel    string

	DataDir  string
	Port     int
	LogLevel string

	// CORSAllowedOrigins is empty in development, which allows any localhost origin.
	CORSAllowedOrigins []string

	// MaxRequestBodySize is the maximum allowed request body size.
	MaxRequestBodySize int64

	ModelQueryTimeout time.Duration
	ChairmanTimeout   time.Duration
	TitleGenTimeout   time.Duration

	Resilience ResilienceConfig
	Cache      CacheConfig
	Stream     StreamOptions
}

// CacheConfig sizes the two response cache pools.
type CacheConfig struct {
	AnswerSize int
	AnswerTTL  time.Duration
	TitleSize  int
	TitleTTL   time.Duration
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		OpenRouterAPIURL:   DefaultOpenRouterAPIURL,
		CouncilModels:      append([]string(nil), DefaultCouncilModels...),
		ChairmanModel:      DefaultChairmanModel,
		TitleModel:         DefaultTitleModel,
		DataDir:            DefaultDataDir,
		Port:               8001,
		LogLevel:           LevelInfo,
		CORSAllowedOrigins: []string{},
		MaxRequestBodySize: 1 << 20,
		ModelQueryTimeout:  120 * time.Second,
		ChairmanTimeout:    180 * time.Second,
		TitleGenTimeout:    30 * time.Second,
		Resilience:         DefaultResilienceConfig(),
		Cache: CacheConfig{
			AnswerSize: 256,
			AnswerTTL:  time.Hour,
			TitleSize:  512,
			TitleTTL:   24 * time.Hour,
		},
		Stream: DefaultStreamOptions(),
	}
}

// setDefaults registers every key with viper so AutomaticEnv can resolve it.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("openrouter_api_key", "")
	v.SetDefault("openrouter_api_url", d.OpenRouterAPIURL)
	v.SetDefault("council_models", strings.Join(d.CouncilModels, ","))
	v.SetDefault("chairman_model", d.ChairmanModel)
	v.SetDefault("title_model", d.TitleModel)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("port", d.Port)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("cors_allowed_origins", "")
	v.SetDefault("max_request_body_size", d.MaxRequestBodySize)

	v.SetDefault("model_query_timeout", d.ModelQueryTimeout)
	v.SetDefault("chairman_timeout", d.ChairmanTimeout)
	v.SetDefault("title_gen_timeout", d.TitleGenTimeout)

	v.SetDefault("circuit_failure_threshold", d.Resilience.FailureThreshold)
	v.SetDefault("circuit_reset_timeout", d.Resilience.ResetTimeout)
	v.SetDefault("retry_max_retries", d.Resilience.MaxRetries)
	v.SetDefault("retry_initial_delay", d.Resilience.InitialDelay)
	v.SetDefault("retry_max_delay", d.Resilience.MaxDelay)

	v.SetDefault("answer_cache_size", d.Cache.AnswerSize)
	v.SetDefault("answer_cache_ttl", d.Cache.AnswerTTL)
	v.SetDefault("title_cache_size", d.Cache.TitleSize)
	v.SetDefault("title_cache_ttl", d.Cache.TitleTTL)

	v.SetDefault("stream_high_water_mark", d.Stream.HighWaterMark)
	v.SetDefault("stream_chunk_size", d.Stream.ChunkSize)
	v.SetDefault("stream_flush_interval", d.Stream.FlushInterval)
}

// loadDotEnv loads the first .env file found in the current or parent directory.
func loadDotEnv(logger *slog.Logger) {
	envLocations := []string{
		".env",
		"../.env",
	}

	for _, envPath := range envLocations {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				logger.Info("loaded .env", "path", absPath)
				return
			}
		}
	}

	logger.Warn(".env file not found in any expected location")
}

// LoadConfig resolves configuration from .env, the environment, an optional
// config file and any flags already bound to v. The result is validated.
func LoadConfig(v *viper.Viper, configFile string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	loadDotEnv(logger)

	setDefaults(v)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
		logger.Info("loaded config file", "path", configFile)
	}

	cfg := &Config{
		OpenRouterAPIKey:   v.GetString("openrouter_api_key"),
		OpenRouterAPIURL:   v.GetString("openrouter_api_url"),
		CouncilModels:      splitList(v.GetString("council_models")),
		ChairmanModel:      strings.TrimSpace(v.GetString("chairman_model")),
		TitleModel:         strings.TrimSpace(v.GetString("title_model")),
		DataDir:            v.GetString("data_dir"),
		Port:               v.GetInt("port"),
		LogLevel:           v.GetString("log_level"),
		CORSAllowedOrigins: splitList(v.GetString("cors_allowed_origins")),
		MaxRequestBodySize: v.GetInt64("max_request_body_size"),
		ModelQueryTimeout:  v.GetDuration("model_query_timeout"),
		ChairmanTimeout:    v.GetDuration("chairman_timeout"),
		TitleGenTimeout:    v.GetDuration("title_gen_timeout"),
		Resilience: ResilienceConfig{
			FailureThreshold: v.GetInt("circuit_failure_threshold"),
			ResetTimeout:     v.GetDuration("circuit_reset_timeout"),
			MaxRetries:       v.GetInt("retry_max_retries"),
			InitialDelay:     v.GetDuration("retry_initial_delay"),
			MaxDelay:         v.GetDuration("retry_max_delay"),
		},
		Cache: CacheConfig{
			AnswerSize: v.GetInt("answer_cache_size"),
			AnswerTTL:  v.GetDuration("answer_cache_ttl"),
			TitleSize:  v.GetInt("title_cache_size"),
			TitleTTL:   v.GetDuration("title_cache_ttl"),
		},
		Stream: StreamOptions{
			HighWaterMark: v.GetInt("stream_high_water_mark"),
			ChunkSize:     v.GetInt("stream_chunk_size"),
			FlushInterval: v.GetDuration("stream_flush_interval"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("configuration loaded",
		"council_models", cfg.CouncilModels,
		"chairman_model", cfg.ChairmanModel,
		"data_dir", cfg.DataDir,
	)
	return cfg, nil
}

// Validate checks the configuration for values the council cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.OpenRouterAPIKey == "" {
		errs = append(errs, errors.New("OPENROUTER_API_KEY environment variable is required"))
	}
	if c.OpenRouterAPIURL == "" {
		errs = append(errs, errors.New("openrouter API URL must not be empty"))
	}
	if len(c.CouncilModels) == 0 {
		errs = append(errs, ErrNoModels)
	}
	if len(c.CouncilModels) > maxCouncilSize {
		errs = append(errs, fmt.Errorf("at most %d council models are supported, got %d", maxCouncilSize, len(c.CouncilModels)))
	}
	if c.ChairmanModel == "" {
		errs = append(errs, errors.New("chairman model must not be empty"))
	}
	if c.TitleModel == "" {
		errs = append(errs, errors.New("title model must not be empty"))
	}
	if c.ModelQueryTimeout <= 0 || c.ChairmanTimeout <= 0 || c.TitleGenTimeout <= 0 {
		errs = append(errs, errors.New("model timeouts must be positive"))
	}
	if c.Cache.AnswerSize <= 0 || c.Cache.TitleSize <= 0 {
		errs = append(errs, errors.New("cache sizes must be positive"))
	}
	if err := c.Resilience.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// splitList splits a comma separated value, dropping blanks.
func splitList(value string) []string {
	items := []string{}
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
