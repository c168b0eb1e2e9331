// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Data-integrity violations are rejected at the repository boundary and
// surfaced as hard errors to the caller. They are not retried.
var (
	ErrMissingEvidence = errors.New("store: derived artifact without evidence utterance")
	ErrMissingField    = errors.New("store: required field missing")
	ErrRawTextMutation = errors.New("store: raw_text is immutable")
)

// Repos bundles the repositories over a single database handle
type Repos struct {
	Utterances *UtteranceRepo
	Entities   *EntityRepo
	Conflicts  *ConflictRepo
	Summaries  *SummaryRepo
	Insights   *InsightRepo
	Profiles   *ProfileRepo
}

// NewRepos creates repositories over the given database
func NewRepos(db *gorm.DB) *Repos {
	return &Repos{
		Utterances: &UtteranceRepo{db: db},
		Entities:   &EntityRepo{db: db},
		Conflicts:  &ConflictRepo{db: db},
		Summaries:  &SummaryRepo{db: db},
		Insights:   &InsightRepo{db: db},
		Profiles:   &ProfileRepo{db: db},
	}
}

// UtteranceRepo persists utterances
type UtteranceRepo struct {
	db *gorm.DB
}

// CreateConversation persists conversation metadata
func (r *UtteranceRepo) CreateConversation(conv *Conversation) error {
	if conv.ID == "" || conv.Source == "" {
		return fmt.Errorf("%w: conversation id and source", ErrMissingField)
	}
	if conv.IngestedAt.IsZero() {
		conv.IngestedAt = time.Now()
	}
	return r.db.Create(conv).Error
}

// CreateBatch persists a batch of utterances
func (r *UtteranceRepo) CreateBatch(utterances []Utterance) error {
	for i := range utterances {
		if utterances[i].ID == "" || utterances[i].ConversationID == "" || utterances[i].RawText == "" {
			return fmt.Errorf("%w: utterance id, conversation_id and raw_text", ErrMissingField)
		}
	}
	return r.db.Create(&utterances).Error
}

// ByConversation returns a conversation's utterances in timestamp order
func (r *UtteranceRepo) ByConversation(conversationID string) ([]Utterance, error) {
	var utterances []Utterance
	err := r.db.Where("conversation_id = ?", conversationID).
		Order("timestamp ASC, id ASC").
		Find(&utterances).Error
	return utterances, err
}

// Get returns a single utterance by id
func (r *UtteranceRepo) Get(id string) (*Utterance, error) {
	var u Utterance
	if err := r.db.First(&u, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// SaveResolution stores resolution output for an utterance. The raw text
// column is never written here.
func (r *UtteranceRepo) SaveResolution(u *Utterance) error {
	var current Utterance
	if err := r.db.First(&current, "id = ?", u.ID).Error; err != nil {
		return err
	}
	if current.RawText != u.RawText {
		return ErrRawTextMutation
	}
	return r.db.Model(&Utterance{}).Where("id = ?", u.ID).
		Updates(map[string]interface{}{
			"resolved_text":       u.ResolvedText,
			"coreference_warning": u.CoreferenceWarning,
			"entity_refs":         u.EntityRefs,
		}).Error
}

// MarkIndexed flags utterances as embedded and indexed
func (r *UtteranceRepo) MarkIndexed(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.Model(&Utterance{}).Where("id IN ?", ids).
		Update("indexed", true).Error
}

// UnindexedByConversation returns resolved utterances awaiting indexing
func (r *UtteranceRepo) UnindexedByConversation(conversationID string) ([]Utterance, error) {
	var utterances []Utterance
	err := r.db.Where("conversation_id = ? AND indexed = ? AND resolved_text <> ''", conversationID, false).
		Order("timestamp ASC, id ASC").
		Find(&utterances).Error
	return utterances, err
}

// RecentConversations returns conversations ingested after the cutoff
func (r *UtteranceRepo) RecentConversations(since time.Time) ([]Conversation, error) {
	var convs []Conversation
	err := r.db.Where("ingested_at >= ?", since).Find(&convs).Error
	return convs, err
}

// EntityRepo persists deduplicated named entities
type EntityRepo struct {
	db *gorm.DB
}

// NormalizeEntityName lowercases and collapses whitespace for dedup keys
func NormalizeEntityName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// Touch upserts an entity mention. Re-observing an entity updates
// last_seen and increments mention_count atomically; rows are never
// deleted.
func (r *EntityRepo) Touch(name, entityType string, seenAt time.Time) error {
	if name == "" || entityType == "" {
		return fmt.Errorf("%w: entity name and type", ErrMissingField)
	}
	entity := Entity{
		Name:           name,
		NormalizedName: NormalizeEntityName(name),
		Type:           entityType,
		FirstSeen:      seenAt,
		LastSeen:       seenAt,
		MentionCount:   1,
	}
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "normalized_name"}, {Name: "type"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_seen":     seenAt,
			"mention_count": gorm.Expr("mention_count + 1"),
		}),
	}).Create(&entity).Error
}

// ByName returns the entity with the given normalized name, any type
func (r *EntityRepo) ByName(name string) (*Entity, error) {
	var e Entity
	if err := r.db.First(&e, "normalized_name = ?", NormalizeEntityName(name)).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// All returns every known entity
func (r *EntityRepo) All() ([]Entity, error) {
	var entities []Entity
	err := r.db.Order("mention_count DESC").Find(&entities).Error
	return entities, err
}

// ConflictRepo persists detected conflicts
type ConflictRepo struct {
	db *gorm.DB
}

// Create records a conflict. The row must cite both object values and the
// evidence utterance of the new fact.
func (r *ConflictRepo) Create(c *Conflict) error {
	if c.Subject == "" || c.Predicate == "" || c.OldObject == "" || c.NewObject == "" {
		return fmt.Errorf("%w: conflict subject, predicate and both objects", ErrMissingField)
	}
	if c.EvidenceUtteranceID == "" {
		return ErrMissingEvidence
	}
	if c.Severity == "" {
		c.Severity = SeverityModerate
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now()
	}
	return r.db.Create(c).Error
}

// Unresolved returns all conflicts awaiting resolution
func (r *ConflictRepo) Unresolved() ([]Conflict, error) {
	var conflicts []Conflict
	err := r.db.Where("resolved = ?", false).Order("detected_at DESC").Find(&conflicts).Error
	return conflicts, err
}

// Resolve marks a conflict resolved with the given resolution note
func (r *ConflictRepo) Resolve(id uint, resolution string) error {
	now := time.Now()
	result := r.db.Model(&Conflict{}).Where("id = ? AND resolved = ?", id, false).
		Updates(map[string]interface{}{
			"resolved":    true,
			"resolution":  resolution,
			"resolved_at": &now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("conflict %d not found or already resolved", id)
	}
	return nil
}

// SummaryRepo persists hierarchical summaries
type SummaryRepo struct {
	db *gorm.DB
}

// Create persists a summary. Every summary must cite its scope, level and
// evidence utterances.
func (r *SummaryRepo) Create(s *Summary) error {
	if s.ScopeID == "" || s.Level == "" || s.Text == "" {
		return fmt.Errorf("%w: summary scope_id, level and text", ErrMissingField)
	}
	if s.EvidenceUtteranceIDs == "" || s.EvidenceUtteranceIDs == "[]" {
		return ErrMissingEvidence
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	return r.db.Create(s).Error
}

// Latest returns the most recent summary for a scope and level
func (r *SummaryRepo) Latest(scopeID, level string) (*Summary, error) {
	var s Summary
	err := r.db.Where("scope_id = ? AND level = ?", scopeID, level).
		Order("created_at DESC").First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// LatestPerLevel returns the most recent summary at each level, most
// specific scope first when several scopes match
func (r *SummaryRepo) LatestPerLevel(scopeIDs []string) (map[string]*Summary, error) {
	result := make(map[string]*Summary)
	for _, level := range []string{LevelSession, LevelProject, LevelIdentity} {
		var s Summary
		err := r.db.Where("scope_id IN ? AND level = ?", scopeIDs, level).
			Order("created_at DESC").First(&s).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		summary := s
		result[level] = &summary
	}
	return result, nil
}

// InsightRepo persists reflection output
type InsightRepo struct {
	db *gorm.DB
}

// Create persists an insight with its evidence pointers
func (r *InsightRepo) Create(i *Insight) error {
	if i.Content == "" || i.InsightType == "" {
		return fmt.Errorf("%w: insight type and content", ErrMissingField)
	}
	if i.EvidenceUtteranceIDs == "" || i.EvidenceUtteranceIDs == "[]" {
		return ErrMissingEvidence
	}
	return r.db.Create(i).Error
}

// Recent returns the most recent insights
func (r *InsightRepo) Recent(limit int) ([]Insight, error) {
	var insights []Insight
	err := r.db.Order("created_at DESC").Limit(limit).Find(&insights).Error
	return insights, err
}

// ProfileRepo persists versioned profile sections
type ProfileRepo struct {
	db *gorm.DB
}

// Get returns the current version of a profile section, or nil
func (r *ProfileRepo) Get(subject, section string) (*ProfileSection, error) {
	var p ProfileSection
	err := r.db.First(&p, "subject = ? AND section = ?", subject, section).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// BySubject returns all sections of a subject's profile
func (r *ProfileRepo) BySubject(subject string) ([]ProfileSection, error) {
	var sections []ProfileSection
	err := r.db.Where("subject = ?", subject).Order("section ASC").Find(&sections).Error
	return sections, err
}

// Upsert writes a profile section, bumping the version on update
func (r *ProfileRepo) Upsert(p *ProfileSection) error {
	if p.Subject == "" || p.Section == "" || p.Payload == "" {
		return fmt.Errorf("%w: profile subject, section and payload", ErrMissingField)
	}
	if p.EvidenceUtteranceID == "" {
		return ErrMissingEvidence
	}
	p.UpdatedAt = time.Now()
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "subject"}, {Name: "section"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"payload":               p.Payload,
			"confidence":            p.Confidence,
			"evidence_utterance_id": p.EvidenceUtteranceID,
			"updated_at":            p.UpdatedAt,
			"version":               gorm.Expr("version + 1"),
		}),
	}).Create(p).Error
}
