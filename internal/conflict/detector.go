// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package conflict

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/deepmemory/deepmemory/internal/graphstore"
	"github.com/deepmemory/deepmemory/internal/llm"
	"github.com/deepmemory/deepmemory/internal/store"
)

// Fact is a subject-predicate-object assertion extracted from an
// utterance, with the extractor's confidence attached
type Fact struct {
	Subject     string
	Predicate   string
	Object      string
	Confidence  float64
	UtteranceID string
}

// Key identifies the slot a fact fills. Two facts with the same key and
// different objects are in tension.
func (f Fact) Key() string {
	return normalize(f.Subject) + "|" + normalize(f.Predicate)
}

// EdgeLookup is the slice of the graph the detector reads. It is a
// snapshot taken before the batch is applied, so facts within one batch
// are compared against stored state, not against each other's writes.
type EdgeLookup interface {
	CurrentEdge(ctx context.Context, subject, predicate string) (*graphstore.Edge, error)
}

type severityResponse struct {
	Severity    string `json:"severity"`
	Explanation string `json:"explanation"`
}

// Detector finds contradictions between incoming facts and the stored
// graph. It never mutates either side; it only emits conflict records.
type Detector struct {
	graph  EdgeLookup
	client llm.Client
	logger *logrus.Logger
}

// NewDetector creates a detector. The llm client may be nil, in which
// case every conflict is classified as moderate.
func NewDetector(graph EdgeLookup, client llm.Client, logger *logrus.Logger) *Detector {
	if logger == nil {
		logger = logrus.New()
	}
	return &Detector{graph: graph, client: client, logger: logger}
}

// Detect compares a batch of facts against the stored graph and returns
// one conflict record per contradicted slot. Within the batch, facts
// for the same slot are deduplicated first: the highest-confidence fact
// wins, with utterance ID as the deterministic tie break.
func (d *Detector) Detect(ctx context.Context, facts []Fact) ([]store.Conflict, error) {
	winners := dedupe(facts)

	var conflicts []store.Conflict
	for _, fact := range winners {
		existing, err := d.graph.CurrentEdge(ctx, fact.Subject, fact.Predicate)
		if err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"subject":   fact.Subject,
				"predicate": fact.Predicate,
			}).Warn("Edge lookup failed; skipping conflict check for fact")
			continue
		}
		if existing == nil {
			continue
		}
		if normalize(existing.Object) == normalize(fact.Object) {
			continue
		}

		severity, explanation := d.classify(ctx, fact, existing)
		conflicts = append(conflicts, store.Conflict{
			Subject:             fact.Subject,
			Predicate:           fact.Predicate,
			OldObject:           existing.Object,
			NewObject:           fact.Object,
			Explanation:         explanation,
			Severity:            severity,
			EvidenceUtteranceID: fact.UtteranceID,
		})
	}
	return conflicts, nil
}

// dedupe keeps one fact per slot, preferring higher confidence and
// breaking ties by utterance ID so results do not depend on input order
func dedupe(facts []Fact) []Fact {
	bySlot := make(map[string]Fact)
	for _, fact := range facts {
		key := fact.Key()
		current, seen := bySlot[key]
		if !seen {
			bySlot[key] = fact
			continue
		}
		if fact.Confidence > current.Confidence ||
			(fact.Confidence == current.Confidence && fact.UtteranceID < current.UtteranceID) {
			bySlot[key] = fact
		}
	}

	winners := make([]Fact, 0, len(bySlot))
	for _, fact := range bySlot {
		winners = append(winners, fact)
	}
	sort.Slice(winners, func(i, j int) bool {
		return winners[i].Key() < winners[j].Key()
	})
	return winners
}

// classify asks the deliberate model how serious the contradiction is.
// Any failure falls back to moderate rather than blocking detection.
func (d *Detector) classify(ctx context.Context, fact Fact, existing *graphstore.Edge) (string, string) {
	fallback := fmt.Sprintf("%s %s changed from %q to %q", fact.Subject, fact.Predicate, existing.Object, fact.Object)
	if d.client == nil {
		return store.SeverityModerate, fallback
	}

	prompt := fmt.Sprintf(`A stored fact about %s is contradicted by a new statement.

Stored: %s %s %s
New: %s %s %s

Classify the severity of this contradiction as "minor" (natural drift or
refinement), "moderate" (a real change worth surfacing), or "major" (a
reversal that likely invalidates prior conclusions).

Return JSON with:
{"severity": "moderate", "explanation": "one sentence"}`,
		fact.Subject,
		fact.Subject, fact.Predicate, existing.Object,
		fact.Subject, fact.Predicate, fact.Object)

	var response severityResponse
	err := llm.GenerateStruct(ctx, d.client, llm.Request{Prompt: prompt, Mode: llm.ModeDeliberate}, &response)
	if err != nil {
		d.logger.WithError(err).Debug("Severity classification failed; defaulting to moderate")
		return store.SeverityModerate, fallback
	}

	switch response.Severity {
	case store.SeverityMinor, store.SeverityModerate, store.SeverityMajor:
	default:
		response.Severity = store.SeverityModerate
	}
	if response.Explanation == "" {
		response.Explanation = fallback
	}
	return response.Severity, response.Explanation
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
