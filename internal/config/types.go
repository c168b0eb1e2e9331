// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

// Config represents the complete application configuration.
// Every retrieval and learning tunable lives here and is passed into
// components at construction; nothing reads process-wide state.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	Vector     VectorConfig     `mapstructure:"vector"`
	Graph      GraphConfig      `mapstructure:"graph"`
	Resolver   ResolverConfig   `mapstructure:"resolver"`
	Fusion     FusionConfig     `mapstructure:"fusion"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Compress   CompressConfig   `mapstructure:"compress"`
	Learning   LearningConfig   `mapstructure:"learning"`
}

// ServerConfig holds MCP server settings
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	TLS  struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
	} `mapstructure:"tls"`
}

// DatabaseConfig holds relational store settings
type DatabaseConfig struct {
	Type        string `mapstructure:"type"` // "sqlite" or "postgres"
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// LLMConfig holds text-generation collaborator settings.
// The fast model serves extraction and resolution; the deliberate model
// serves summarization and reflection.
type LLMConfig struct {
	BaseURL         string  `mapstructure:"base_url"`
	APIKey          string  `mapstructure:"api_key"`
	FastModel       string  `mapstructure:"fast_model"`
	DeliberateModel string  `mapstructure:"deliberate_model"`
	TimeoutSeconds  int     `mapstructure:"timeout_seconds"`
	MaxRetries      int     `mapstructure:"max_retries"`
	TemperatureFast float64 `mapstructure:"temperature_fast"`
	TemperatureDeep float64 `mapstructure:"temperature_deep"`
	MaxOutputTokens int     `mapstructure:"max_output_tokens"`
}

// EmbeddingsConfig holds embedding collaborator settings
type EmbeddingsConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	ModelVersion   string `mapstructure:"model_version"`
	Dimensions     int    `mapstructure:"dimensions"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// VectorConfig holds vector index settings
type VectorConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	APIKey           string `mapstructure:"api_key"`
	UseTLS           bool   `mapstructure:"use_tls"`
	CollectionPrefix string `mapstructure:"collection_prefix"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
}

// GraphConfig holds relationship graph settings
type GraphConfig struct {
	URI            string `mapstructure:"uri"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	MaxDepth       int    `mapstructure:"max_depth"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ResolverConfig holds reference resolution settings
type ResolverConfig struct {
	WindowSize          int     `mapstructure:"window_size"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	DiscoveryMaxChars   int     `mapstructure:"discovery_max_chars"`
}

// FusionConfig holds reciprocal rank fusion settings
type FusionConfig struct {
	K               int     `mapstructure:"k"`
	WeightTopical   float64 `mapstructure:"weight_topical"`
	WeightAffective float64 `mapstructure:"weight_affective"`
	WeightStrategic float64 `mapstructure:"weight_strategic"`
	WeightTemporal  float64 `mapstructure:"weight_temporal"`
	MaxCandidates   int     `mapstructure:"max_candidates"`
}

// RetrievalConfig holds orchestrator settings
type RetrievalConfig struct {
	TopKPerAxis     int     `mapstructure:"top_k_per_axis"`
	ConfidenceFloor float64 `mapstructure:"confidence_floor"`
	FanoutTimeoutMS int     `mapstructure:"fanout_timeout_ms"`
}

// CompressConfig holds hierarchical compression settings
type CompressConfig struct {
	L1ThresholdTokens int     `mapstructure:"l1_threshold_tokens"`
	L2ThresholdTokens int     `mapstructure:"l2_threshold_tokens"`
	L3ThresholdTokens int     `mapstructure:"l3_threshold_tokens"`
	TargetRatio       float64 `mapstructure:"target_ratio"`
	TargetRatioGlobal float64 `mapstructure:"target_ratio_global"`
	SanityFactor      float64 `mapstructure:"sanity_factor"`
	LockTTLMinutes    int     `mapstructure:"lock_ttl_minutes"`
}

// LearningConfig holds learning-cycle settings
type LearningConfig struct {
	ReflectionInterval int    `mapstructure:"reflection_interval"` // turns
	NightlyAt          string `mapstructure:"nightly_at"`          // "HH:MM"
	LookbackDays       int    `mapstructure:"lookback_days"`
	ContextTurns       int    `mapstructure:"context_turns"`
}
