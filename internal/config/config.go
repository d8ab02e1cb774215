// Package config provides configuration loading for extraction runs.
// Supports YAML files and environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Providers and strategies recognised by Validate.
const (
	ProviderGemini     = "gemini"
	ProviderOpenRouter = "openrouter"

	StrategyPaged    = "paged"
	StrategySeverity = "severity"

	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com/"
)

// Config holds all configuration for an extraction run. It is built once
// and passed to every component; nothing else reads the environment.
type Config struct {
	Oracle        OracleConfig        `yaml:"oracle"`
	CrossCheck    CrossCheckConfig    `yaml:"crosscheck"`
	Chunk         ChunkConfig         `yaml:"chunk"`
	Extraction    ExtractionConfig    `yaml:"extraction"`
	Database      DatabaseConfig      `yaml:"database"`
	Progress      ProgressConfig      `yaml:"progress"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// OracleConfig holds the extraction service settings.
type OracleConfig struct {
	Provider        string        `yaml:"provider"`
	APIKey          string        `yaml:"api_key"`
	BaseURL         string        `yaml:"base_url"`
	APIVersion      string        `yaml:"api_version"`
	Model           string        `yaml:"model"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`
	ThinkingBudget  int           `yaml:"thinking_budget"`
	Temperature     float32       `yaml:"temperature"`
}

// CrossCheckConfig holds reconciliation settings.
type CrossCheckConfig struct {
	Retries         int  `yaml:"retries"`
	ConcurrentLanes bool `yaml:"concurrent_lanes"`
}

// ChunkConfig holds severity-chunk strategy settings.
type ChunkConfig struct {
	InitialBatchSize int `yaml:"initial_batch_size"`
	MinBatchSize     int `yaml:"min_batch_size"`
	MaxPasses        int `yaml:"max_passes"`
	MaxExcludedKeys  int `yaml:"max_excluded_keys"`
}

// ExtractionConfig holds driver and artifact settings.
type ExtractionConfig struct {
	Strategy        string `yaml:"strategy"`
	ApplySoftDedupe bool   `yaml:"apply_soft_dedupe"`
	OutputDir       string `yaml:"output_dir"`
	TempOutputDir   string `yaml:"temp_output_dir"`
	ImageQuality    int    `yaml:"image_quality"`
}

// DatabaseConfig holds persistence settings.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

// ProgressConfig holds the Redis snapshot fan-out settings.
type ProgressConfig struct {
	RedisURL      string `yaml:"redis_url"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from file and environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with the production defaults.
func DefaultConfig() *Config {
	return &Config{
		Oracle: OracleConfig{
			Provider:        ProviderGemini,
			BaseURL:         DefaultGeminiBaseURL,
			APIVersion:      "v1beta",
			Model:           "gemini-2.5-flash",
			Timeout:         240 * time.Second,
			MaxOutputTokens: 8192,
		},
		CrossCheck: CrossCheckConfig{
			Retries:         3,
			ConcurrentLanes: true,
		},
		Chunk: ChunkConfig{
			InitialBatchSize: 20,
			MinBatchSize:     5,
			MaxPasses:        8,
			MaxExcludedKeys:  200,
		},
		Extraction: ExtractionConfig{
			Strategy:      StrategyPaged,
			OutputDir:     "outputs",
			TempOutputDir: "outputs/temp",
			ImageQuality:  85,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "vulnerabilities.db",
		},
		Progress: ProgressConfig{
			ChannelPrefix: "vuln:progress:",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "console",
		},
	}
}

// Validate checks the configuration for errors. A missing API key is
// reported by the oracle constructor, not here.
func (c *Config) Validate() error {
	switch c.Oracle.Provider {
	case ProviderGemini, ProviderOpenRouter:
	default:
		return fmt.Errorf("invalid oracle provider: %s", c.Oracle.Provider)
	}

	if c.Oracle.Timeout <= 0 {
		return fmt.Errorf("oracle timeout must be positive")
	}

	if c.Oracle.MaxOutputTokens <= 0 {
		return fmt.Errorf("max_output_tokens must be positive")
	}

	if c.CrossCheck.Retries < 1 {
		return fmt.Errorf("crosscheck retries must be at least 1")
	}

	if c.Chunk.MinBatchSize < 1 {
		return fmt.Errorf("min_batch_size must be at least 1")
	}

	if c.Chunk.InitialBatchSize < c.Chunk.MinBatchSize {
		return fmt.Errorf("initial_batch_size (%d) must not be below min_batch_size (%d)",
			c.Chunk.InitialBatchSize, c.Chunk.MinBatchSize)
	}

	if c.Chunk.MaxPasses < 1 {
		return fmt.Errorf("max_passes must be at least 1")
	}

	if c.Chunk.MaxExcludedKeys < 0 {
		return fmt.Errorf("max_excluded_keys must not be negative")
	}

	switch c.Extraction.Strategy {
	case StrategyPaged, StrategySeverity:
	default:
		return fmt.Errorf("invalid extraction strategy: %s", c.Extraction.Strategy)
	}

	if c.Extraction.ImageQuality < 1 || c.Extraction.ImageQuality > 100 {
		return fmt.Errorf("image_quality must be between 1 and 100")
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to config. A
// numeric variable that does not parse is an error.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.Oracle.Provider = strings.ToLower(v)
	}

	switch cfg.Oracle.Provider {
	case ProviderOpenRouter:
		if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
			cfg.Oracle.APIKey = v
		}
		if v := os.Getenv("LLM_MODEL"); v != "" {
			cfg.Oracle.Model = v
		}
	default:
		if v := os.Getenv("GEMINI_API_KEY"); v != "" {
			cfg.Oracle.APIKey = v
		}
		if v := os.Getenv("GEMINI_MODEL"); v != "" {
			cfg.Oracle.Model = v
		}
	}

	if v := os.Getenv("GEMINI_API_BASE_URL"); v != "" {
		cfg.Oracle.BaseURL = v
	}

	ms, ok, err := envInt("GEMINI_REQUEST_TIMEOUT_MS")
	if err != nil {
		return err
	}
	if ok {
		cfg.Oracle.Timeout = time.Duration(ms) * time.Millisecond
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"GEMINI_MAX_OUTPUT_TOKENS", &cfg.Oracle.MaxOutputTokens},
		{"GEMINI_THINKING_BUDGET", &cfg.Oracle.ThinkingBudget},
		{"GEMINI_CHUNK_COMPARE_RETRIES", &cfg.CrossCheck.Retries},
		{"GEMINI_CHUNK_SIZE", &cfg.Chunk.InitialBatchSize},
		{"GEMINI_MIN_CHUNK_SIZE", &cfg.Chunk.MinBatchSize},
		{"GEMINI_MAX_CHUNK_PASSES", &cfg.Chunk.MaxPasses},
	}
	for _, o := range ints {
		n, ok, err := envInt(o.key)
		if err != nil {
			return err
		}
		if ok {
			*o.dst = n
		}
	}

	if v := os.Getenv("EXTRACTION_STRATEGY"); v != "" {
		cfg.Extraction.Strategy = strings.ToLower(v)
	}

	if v := os.Getenv("APPLY_SOFT_DEDUPE_TO_FINAL_OUTPUT"); v != "" {
		cfg.Extraction.ApplySoftDedupe = strings.EqualFold(v, "true")
	}

	if v := os.Getenv("OUTPUT_DIR"); v != "" {
		cfg.Extraction.OutputDir = v
	}

	if v := os.Getenv("TEMP_OUTPUT_DIR"); v != "" {
		cfg.Extraction.TempOutputDir = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.DSN = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.DSN = v
		}
	}

	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Progress.RedisURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}

	return nil
}

func envInt(key string) (int, bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s: %q is not an integer", key, v)
	}
	return n, true, nil
}
