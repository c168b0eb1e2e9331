// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"encoding/json"
	"time"
)

// Summary levels. L0 is the raw utterance stream; higher levels are
// progressively denser digests derived from the level below.
const (
	LevelRaw      = "L0"
	LevelSession  = "L1"
	LevelProject  = "L2"
	LevelIdentity = "L3"
)

// Conflict severities. Classification only; no level triggers an
// automatic resolution.
const (
	SeverityMinor    = "minor"
	SeverityModerate = "moderate"
	SeverityMajor    = "major"
)

// Conversation stores conversation metadata
type Conversation struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	Source          string    `gorm:"size:20;not null" json:"source"`
	Title           string    `json:"title"`
	TotalMessages   int       `json:"total_messages"`
	ImportanceScore int       `gorm:"default:5" json:"importance_score"`
	IngestedAt      time.Time `json:"ingested_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName specifies the table name for Conversation
func (Conversation) TableName() string {
	return "conversations"
}

// Utterance stores a single conversation turn. RawText is immutable;
// ResolvedText is derived once at ingestion and is the only text that
// gets embedded and indexed.
type Utterance struct {
	ID                 string    `gorm:"primaryKey;size:36" json:"id"`
	ConversationID     string    `gorm:"size:36;index;not null" json:"conversation_id"`
	Role               string    `gorm:"size:10;not null" json:"role"`
	RawText            string    `gorm:"type:text;not null" json:"raw_text"`
	ResolvedText       string    `gorm:"type:text" json:"resolved_text"`
	CoreferenceWarning bool      `json:"coreference_warning"`
	Timestamp          time.Time `gorm:"index" json:"timestamp"`
	EntityRefs         string    `gorm:"type:text" json:"entity_refs"` // JSON array
	Indexed            bool      `gorm:"index" json:"indexed"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`

	Conversation Conversation `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name for Utterance
func (Utterance) TableName() string {
	return "utterances"
}

// SetEntityRefs serializes entity names onto the row
func (u *Utterance) SetEntityRefs(refs []string) error {
	data, err := json.Marshal(refs)
	if err != nil {
		return err
	}
	u.EntityRefs = string(data)
	return nil
}

// GetEntityRefs deserializes entity names from the row
func (u *Utterance) GetEntityRefs() []string {
	if u.EntityRefs == "" {
		return nil
	}
	var refs []string
	if err := json.Unmarshal([]byte(u.EntityRefs), &refs); err != nil {
		return nil
	}
	return refs
}

// Entity stores a deduplicated named entity. Rows are created on first
// resolved mention and updated (never deleted) thereafter.
type Entity struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Name           string    `gorm:"not null" json:"name"`
	NormalizedName string    `gorm:"uniqueIndex:idx_entity_key;not null" json:"normalized_name"`
	Type           string    `gorm:"uniqueIndex:idx_entity_key;size:30;not null" json:"type"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	MentionCount   int       `gorm:"default:0" json:"mention_count"`
}

// TableName specifies the table name for Entity
func (Entity) TableName() string {
	return "entities"
}

// Conflict records a contradiction between a freshly extracted fact and a
// stored relationship edge. The stored edge keeps its old object value
// until the conflict is explicitly resolved.
type Conflict struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	Subject             string     `gorm:"index:idx_conflict_key;not null" json:"subject"`
	Predicate           string     `gorm:"index:idx_conflict_key;not null" json:"predicate"`
	OldObject           string     `gorm:"type:text;not null" json:"old_object"`
	NewObject           string     `gorm:"type:text;not null" json:"new_object"`
	Explanation         string     `gorm:"type:text" json:"explanation"`
	Severity            string     `gorm:"size:20" json:"severity"`
	EvidenceUtteranceID string     `gorm:"size:36;not null" json:"evidence_utterance_id"`
	DetectedAt          time.Time  `json:"detected_at"`
	Resolved            bool       `gorm:"index" json:"resolved"`
	Resolution          string     `gorm:"type:text" json:"resolution"`
	ResolvedAt          *time.Time `json:"resolved_at,omitempty"`
}

// TableName specifies the table name for Conflict
func (Conflict) TableName() string {
	return "conflicts"
}

// Summary stores one compressed digest at a given level for a scope.
// The source-level rows it was derived from are never deleted.
type Summary struct {
	ID                   uint      `gorm:"primaryKey" json:"id"`
	Level                string    `gorm:"size:4;index:idx_summary_scope;not null" json:"level"`
	ScopeID              string    `gorm:"index:idx_summary_scope;not null" json:"scope_id"`
	Text                 string    `gorm:"type:text;not null" json:"text"`
	TokenCount           int       `json:"token_count"`
	SourceTokenCount     int       `json:"source_token_count"`
	CompressionRatio     float64   `json:"compression_ratio"`
	EvidenceUtteranceIDs string    `gorm:"type:text" json:"evidence_utterance_ids"` // JSON array
	CreatedAt            time.Time `json:"created_at"`
}

// TableName specifies the table name for Summary
func (Summary) TableName() string {
	return "summaries"
}

// SetEvidence serializes evidence utterance ids onto the row
func (s *Summary) SetEvidence(ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	s.EvidenceUtteranceIDs = string(data)
	return nil
}

// GetEvidence deserializes evidence utterance ids from the row
func (s *Summary) GetEvidence() []string {
	if s.EvidenceUtteranceIDs == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(s.EvidenceUtteranceIDs), &ids); err != nil {
		return nil
	}
	return ids
}

// Insight stores reflection and nightly-analysis output
type Insight struct {
	ID                   uint      `gorm:"primaryKey" json:"id"`
	ConversationID       string    `gorm:"size:36;index" json:"conversation_id"`
	InsightType          string    `gorm:"size:30;not null" json:"insight_type"` // "reflection", "nightly"
	Content              string    `gorm:"type:text;not null" json:"content"`
	EvidenceUtteranceIDs string    `gorm:"type:text" json:"evidence_utterance_ids"`
	CreatedAt            time.Time `json:"created_at"`
	Acknowledged         bool      `json:"acknowledged"`
}

// TableName specifies the table name for Insight
func (Insight) TableName() string {
	return "insights"
}

// SetEvidence serializes evidence utterance ids onto the row
func (i *Insight) SetEvidence(ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	i.EvidenceUtteranceIDs = string(data)
	return nil
}

// GetEvidence deserializes evidence utterance ids from the row
func (i *Insight) GetEvidence() []string {
	if i.EvidenceUtteranceIDs == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(i.EvidenceUtteranceIDs), &ids); err != nil {
		return nil
	}
	return ids
}

// ProfileSection stores one versioned, typed section of a person profile.
// Payload is the JSON encoding of the section's tagged schema struct, not
// a free-form document.
type ProfileSection struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	Subject             string    `gorm:"uniqueIndex:idx_profile_key;not null" json:"subject"`
	Section             string    `gorm:"uniqueIndex:idx_profile_key;size:40;not null" json:"section"`
	Version             int       `gorm:"default:1" json:"version"`
	Payload             string    `gorm:"type:text;not null" json:"payload"`
	Confidence          float64   `json:"confidence"`
	EvidenceUtteranceID string    `gorm:"size:36;not null" json:"evidence_utterance_id"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// TableName specifies the table name for ProfileSection
func (ProfileSection) TableName() string {
	return "profile_sections"
}
