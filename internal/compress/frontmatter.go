// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package compress

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deepmemory/deepmemory/internal/store"
)

// DigestFrontmatter is the metadata block rendered ahead of a digest
type DigestFrontmatter struct {
	Level            string    `yaml:"level"`
	ScopeID          string    `yaml:"scope_id"`
	GeneratedAt      time.Time `yaml:"generated_at"`
	TokenCount       int       `yaml:"token_count"`
	SourceTokenCount int       `yaml:"source_token_count"`
	CompressionRatio float64   `yaml:"compression_ratio"`
	EvidenceCount    int       `yaml:"evidence_count"`
}

// RenderDigest formats a summary as markdown with YAML frontmatter, the
// shape the digest tool hands back to clients
func RenderDigest(summary *store.Summary) (string, error) {
	fm := DigestFrontmatter{
		Level:            summary.Level,
		ScopeID:          summary.ScopeID,
		GeneratedAt:      summary.CreatedAt,
		TokenCount:       summary.TokenCount,
		SourceTokenCount: summary.SourceTokenCount,
		CompressionRatio: summary.CompressionRatio,
		EvidenceCount:    len(summary.GetEvidence()),
	}
	header, err := yaml.Marshal(&fm)
	if err != nil {
		return "", fmt.Errorf("failed to marshal digest frontmatter: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(header)
	sb.WriteString("---\n\n")
	sb.WriteString(summary.Text)
	sb.WriteString("\n")
	return sb.String(), nil
}

// ParseDigest splits a rendered digest back into frontmatter and body
func ParseDigest(content string) (*DigestFrontmatter, string, error) {
	if !strings.HasPrefix(content, "---\n") {
		return nil, content, nil
	}
	rest := content[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, content, nil
	}

	var fm DigestFrontmatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return nil, "", fmt.Errorf("failed to parse digest frontmatter: %w", err)
	}
	body := strings.TrimPrefix(rest[end+4:], "\n")
	return &fm, strings.TrimSpace(body), nil
}
