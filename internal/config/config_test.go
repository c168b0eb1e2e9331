// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, 3, cfg.Resolver.WindowSize)
	assert.Equal(t, 0.5, cfg.Resolver.ConfidenceThreshold)
	assert.Equal(t, 60, cfg.Fusion.K)
	assert.Equal(t, 0.35, cfg.Fusion.WeightTopical)
	assert.Equal(t, 0.15, cfg.Fusion.WeightTemporal)
	assert.Equal(t, 100, cfg.Fusion.MaxCandidates)
	assert.Equal(t, 25, cfg.Retrieval.TopKPerAxis)
	assert.Equal(t, 3, cfg.Graph.MaxDepth)
	assert.Equal(t, 1024, cfg.Embeddings.Dimensions)
	assert.Equal(t, 50000, cfg.Compress.L1ThresholdTokens)
	assert.Equal(t, 500000, cfg.Compress.L2ThresholdTokens)
	assert.Equal(t, 5000000, cfg.Compress.L3ThresholdTokens)
	assert.Equal(t, 5, cfg.Learning.ReflectionInterval)
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, validate(cfg))
}

func TestLoadFromPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	configJSON := `{
		"database": {
			"type": "postgres",
			"postgres_dsn": "host=localhost user=deepmemory dbname=deepmemory"
		},
		"resolver": {
			"window_size": 5,
			"confidence_threshold": 0.8
		},
		"fusion": {
			"k": 30
		}
	}`

	err := os.WriteFile(configPath, []byte(configJSON), 0600)
	require.NoError(t, err)

	cfg, err := LoadFromPath(configPath)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, 5, cfg.Resolver.WindowSize)
	assert.Equal(t, 0.8, cfg.Resolver.ConfidenceThreshold)
	assert.Equal(t, 30, cfg.Fusion.K)
	// Unspecified values fall back to defaults
	assert.Equal(t, 0.25, cfg.Fusion.WeightAffective)
	assert.Equal(t, 25, cfg.Retrieval.TopKPerAxis)
}

func TestLoadFromPathNotFound(t *testing.T) {
	_, err := LoadFromPath("/nonexistent/config.json")
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad db type", func(c *Config) { c.Database.Type = "mysql" }},
		{"missing sqlite path", func(c *Config) { c.Database.SQLitePath = "" }},
		{"missing postgres dsn", func(c *Config) { c.Database.Type = "postgres"; c.Database.PostgresDSN = "" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"zero dimensions", func(c *Config) { c.Embeddings.Dimensions = 0 }},
		{"negative window", func(c *Config) { c.Resolver.WindowSize = -1 }},
		{"threshold out of range", func(c *Config) { c.Resolver.ConfidenceThreshold = 1.5 }},
		{"zero rrf k", func(c *Config) { c.Fusion.K = 0 }},
		{"zero max depth", func(c *Config) { c.Graph.MaxDepth = 0 }},
		{"non-increasing thresholds", func(c *Config) { c.Compress.L2ThresholdTokens = c.Compress.L1ThresholdTokens }},
		{"bad nightly time", func(c *Config) { c.Learning.NightlyAt = "25:99" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, validate(cfg))
		})
	}
}
