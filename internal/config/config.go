// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultConfigDir is the default configuration directory
	DefaultConfigDir = ".deepmemory/configs"
	// DefaultConfigFile is the default configuration filename
	DefaultConfigFile = "config.json"
)

// Load reads configuration from ~/.deepmemory/configs/config.json
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, DefaultConfigDir)

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(configPath)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, use defaults
			return loadFromDefaults(v)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadFromPath loads configuration from a specific path
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.tls.enabled", false)

	// Database defaults
	v.SetDefault("database.type", "sqlite")
	homeDir, _ := os.UserHomeDir()
	v.SetDefault("database.sqlite_path", filepath.Join(homeDir, ".deepmemory/db/deepmemory.db"))

	// LLM defaults
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.fast_model", "gpt-4o-mini")
	v.SetDefault("llm.deliberate_model", "gpt-4o")
	v.SetDefault("llm.timeout_seconds", 60)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.temperature_fast", 0.3)
	v.SetDefault("llm.temperature_deep", 0.7)
	v.SetDefault("llm.max_output_tokens", 8192)

	// Embedding defaults
	v.SetDefault("embeddings.base_url", "https://api.openai.com/v1")
	v.SetDefault("embeddings.model", "text-embedding-3-large")
	v.SetDefault("embeddings.model_version", "v1")
	v.SetDefault("embeddings.dimensions", 1024)
	v.SetDefault("embeddings.timeout_seconds", 30)

	// Vector index defaults
	v.SetDefault("vector.host", "localhost")
	v.SetDefault("vector.port", 6334)
	v.SetDefault("vector.collection_prefix", "deepmemory")
	v.SetDefault("vector.timeout_seconds", 5)

	// Graph defaults
	v.SetDefault("graph.uri", "neo4j://localhost:7687")
	v.SetDefault("graph.username", "neo4j")
	v.SetDefault("graph.max_depth", 3)
	v.SetDefault("graph.timeout_seconds", 5)

	// Resolver defaults
	v.SetDefault("resolver.window_size", 3)
	v.SetDefault("resolver.confidence_threshold", 0.5)
	v.SetDefault("resolver.discovery_max_chars", 5000)

	// Fusion defaults
	v.SetDefault("fusion.k", 60)
	v.SetDefault("fusion.weight_topical", 0.35)
	v.SetDefault("fusion.weight_affective", 0.25)
	v.SetDefault("fusion.weight_strategic", 0.25)
	v.SetDefault("fusion.weight_temporal", 0.15)
	v.SetDefault("fusion.max_candidates", 100)

	// Retrieval defaults
	v.SetDefault("retrieval.top_k_per_axis", 25)
	v.SetDefault("retrieval.confidence_floor", 0.01)
	v.SetDefault("retrieval.fanout_timeout_ms", 4000)

	// Compression defaults
	v.SetDefault("compress.l1_threshold_tokens", 50000)
	v.SetDefault("compress.l2_threshold_tokens", 500000)
	v.SetDefault("compress.l3_threshold_tokens", 5000000)
	v.SetDefault("compress.target_ratio", 10.0)
	v.SetDefault("compress.target_ratio_global", 25.0)
	v.SetDefault("compress.sanity_factor", 1.5)
	v.SetDefault("compress.lock_ttl_minutes", 5)

	// Learning defaults
	v.SetDefault("learning.reflection_interval", 5)
	v.SetDefault("learning.nightly_at", "02:00")
	v.SetDefault("learning.lookback_days", 7)
	v.SetDefault("learning.context_turns", 10)
}

// loadFromDefaults creates a config from default values
func loadFromDefaults(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal default config: %w", err)
	}
	return &cfg, nil
}

// validate checks if the configuration is valid
func validate(cfg *Config) error {
	if cfg.Database.Type != "sqlite" && cfg.Database.Type != "postgres" {
		return fmt.Errorf("database.type must be 'sqlite' or 'postgres', got '%s'", cfg.Database.Type)
	}
	if cfg.Database.Type == "sqlite" && cfg.Database.SQLitePath == "" {
		return fmt.Errorf("database.sqlite_path is required when type is 'sqlite'")
	}
	if cfg.Database.Type == "postgres" && cfg.Database.PostgresDSN == "" {
		return fmt.Errorf("database.postgres_dsn is required when type is 'postgres'")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Embeddings.Dimensions < 1 {
		return fmt.Errorf("embeddings.dimensions must be positive, got %d", cfg.Embeddings.Dimensions)
	}

	if cfg.Resolver.WindowSize < 0 {
		return fmt.Errorf("resolver.window_size must not be negative, got %d", cfg.Resolver.WindowSize)
	}
	if cfg.Resolver.ConfidenceThreshold < 0 || cfg.Resolver.ConfidenceThreshold > 1 {
		return fmt.Errorf("resolver.confidence_threshold must be in [0,1], got %f", cfg.Resolver.ConfidenceThreshold)
	}

	if cfg.Fusion.K < 1 {
		return fmt.Errorf("fusion.k must be at least 1, got %d", cfg.Fusion.K)
	}
	if cfg.Fusion.MaxCandidates < 1 {
		return fmt.Errorf("fusion.max_candidates must be at least 1, got %d", cfg.Fusion.MaxCandidates)
	}

	if cfg.Graph.MaxDepth < 1 {
		return fmt.Errorf("graph.max_depth must be at least 1, got %d", cfg.Graph.MaxDepth)
	}

	if cfg.Compress.L1ThresholdTokens < 1 || cfg.Compress.L2ThresholdTokens < 1 || cfg.Compress.L3ThresholdTokens < 1 {
		return fmt.Errorf("compress thresholds must be positive")
	}
	if cfg.Compress.L2ThresholdTokens <= cfg.Compress.L1ThresholdTokens ||
		cfg.Compress.L3ThresholdTokens <= cfg.Compress.L2ThresholdTokens {
		return fmt.Errorf("compress thresholds must be strictly increasing per level")
	}

	if cfg.Learning.NightlyAt != "" {
		if _, err := time.Parse("15:04", cfg.Learning.NightlyAt); err != nil {
			return fmt.Errorf("learning.nightly_at must be HH:MM, got '%s'", cfg.Learning.NightlyAt)
		}
	}

	return nil
}

// EnsureConfigDir creates the configuration directory if it doesn't exist
func EnsureConfigDir() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get user home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, DefaultConfigDir)
	if err := os.MkdirAll(configPath, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, _ := loadFromDefaults(v)
	return cfg
}
