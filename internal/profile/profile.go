// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/deepmemory/deepmemory/internal/llm"
	"github.com/deepmemory/deepmemory/internal/store"
)

// SchemaVersion is stamped into every section payload so readers can
// tell which struct shape they are looking at
const SchemaVersion = 1

// Section names. Each is a typed document, not free-form text.
const (
	SectionTraits     = "traits"
	SectionValues     = "values"
	SectionRelational = "relational_dynamics"
)

// ErrUnknownSection is returned for section names outside the schema
var ErrUnknownSection = errors.New("profile: unknown section")

// Traits captures stable behavioral tendencies
type Traits struct {
	SchemaVersion int      `json:"schema_version"`
	Tendencies    []string `json:"tendencies"`
	Strengths     []string `json:"strengths"`
	StressSignals []string `json:"stress_signals"`
}

// Values captures what the person consistently treats as important
type Values struct {
	SchemaVersion int      `json:"schema_version"`
	CoreValues    []string `json:"core_values"`
	Priorities    []string `json:"priorities"`
}

// RelationalDynamics captures recurring patterns with named people
type RelationalDynamics struct {
	SchemaVersion int               `json:"schema_version"`
	Patterns      []RelationPattern `json:"patterns"`
}

// RelationPattern is one observed interpersonal pattern
type RelationPattern struct {
	Person      string `json:"person"`
	Pattern     string `json:"pattern"`
	LastUpdated string `json:"last_updated"`
}

// Snapshot is a subject's full profile at its current versions
type Snapshot struct {
	Subject  string                     `json:"subject"`
	Sections map[string]SectionSnapshot `json:"sections"`
}

// SectionSnapshot is one section with its version metadata
type SectionSnapshot struct {
	Version    int             `json:"version"`
	Confidence float64         `json:"confidence"`
	Payload    json.RawMessage `json:"payload"`
}

// Manager maintains versioned profile sections. Updates merge new
// observations into the existing section via the deliberate model; a
// failed merge leaves the stored version untouched.
type Manager struct {
	repo   *store.ProfileRepo
	client llm.Client
	logger *logrus.Logger
}

// NewManager wires a profile manager
func NewManager(repo *store.ProfileRepo, client llm.Client, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{repo: repo, client: client, logger: logger}
}

// emptyPayload returns the zero document for a section
func emptyPayload(section string) (any, error) {
	switch section {
	case SectionTraits:
		return &Traits{SchemaVersion: SchemaVersion}, nil
	case SectionValues:
		return &Values{SchemaVersion: SchemaVersion}, nil
	case SectionRelational:
		return &RelationalDynamics{SchemaVersion: SchemaVersion}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSection, section)
	}
}

// Update merges an observation into one section of a subject's profile.
// The observation must cite the utterance it came from.
func (m *Manager) Update(ctx context.Context, subject, section, observation, evidenceUtteranceID string, confidence float64) error {
	if evidenceUtteranceID == "" {
		return store.ErrMissingEvidence
	}
	doc, err := emptyPayload(section)
	if err != nil {
		return err
	}

	current, err := m.repo.Get(subject, section)
	if err != nil {
		return fmt.Errorf("failed to load profile section: %w", err)
	}
	currentPayload := "{}"
	if current != nil {
		currentPayload = current.Payload
	}

	prompt := fmt.Sprintf(`Update this profile section with a new observation. Merge, do not
replace: keep existing entries that the observation does not contradict,
and fold the observation in where it belongs.

Section: %s
Current content:
%s

New observation: %s

Return the updated section as JSON matching the current structure
exactly, with "schema_version" set to %d.`, section, currentPayload, observation, SchemaVersion)

	err = llm.GenerateStruct(ctx, m.client, llm.Request{Prompt: prompt, Mode: llm.ModeDeliberate}, doc)
	if err != nil {
		return fmt.Errorf("profile merge failed for %s/%s: %w", subject, section, err)
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode profile payload: %w", err)
	}

	record := store.ProfileSection{
		Subject:             subject,
		Section:             section,
		Payload:             string(payload),
		Confidence:          confidence,
		EvidenceUtteranceID: evidenceUtteranceID,
	}
	if err := m.repo.Upsert(&record); err != nil {
		return fmt.Errorf("failed to persist profile section: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"subject": subject,
		"section": section,
	}).Debug("Profile section updated")
	return nil
}

// Get returns the decoded current payload of one section, or nil
func (m *Manager) Get(subject, section string) (*SectionSnapshot, error) {
	if _, err := emptyPayload(section); err != nil {
		return nil, err
	}
	current, err := m.repo.Get(subject, section)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}
	return &SectionSnapshot{
		Version:    current.Version,
		Confidence: current.Confidence,
		Payload:    json.RawMessage(current.Payload),
	}, nil
}

// SnapshotFor returns all current sections of a subject's profile
func (m *Manager) SnapshotFor(subject string) (*Snapshot, error) {
	sections, err := m.repo.BySubject(subject)
	if err != nil {
		return nil, err
	}
	snapshot := &Snapshot{
		Subject:  subject,
		Sections: make(map[string]SectionSnapshot, len(sections)),
	}
	for _, s := range sections {
		snapshot.Sections[s.Section] = SectionSnapshot{
			Version:    s.Version,
			Confidence: s.Confidence,
			Payload:    json.RawMessage(s.Payload),
		}
	}
	return snapshot, nil
}

// ValidSection reports whether a section name is part of the schema
func ValidSection(section string) bool {
	_, err := emptyPayload(strings.ToLower(section))
	return err == nil
}
