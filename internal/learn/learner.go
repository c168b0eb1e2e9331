// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package learn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deepmemory/deepmemory/internal/conflict"
	"github.com/deepmemory/deepmemory/internal/graphstore"
	"github.com/deepmemory/deepmemory/internal/llm"
	"github.com/deepmemory/deepmemory/internal/store"
)

// PredicateMentionedIn links an entity to the conversation it appeared in
const PredicateMentionedIn = "MENTIONED_IN"

// entityTypes is the closed set of entity categories the extractor may
// emit. Anything else is dropped.
var entityTypes = map[string]bool{
	"person":       true,
	"project":      true,
	"organization": true,
	"location":     true,
}

type extractedFact struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
}

type extractedEntity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type extraction struct {
	Facts    []extractedFact   `json:"facts"`
	Entities []extractedEntity `json:"entities"`
}

// Result is what one learning pass produced
type Result struct {
	Facts     int
	Entities  int
	Conflicts []store.Conflict
}

// Options tunes the learning cycle
type Options struct {
	ReflectionInterval int
	ContextTurns       int
	LookbackDays       int
}

// Learner runs the post-turn learning cycle: extract facts and entities
// from resolved text, check them against the graph for contradictions,
// then fold them into the graph and entity table. Detection always runs
// against the state before this batch's writes.
type Learner struct {
	repos    *store.Repos
	graph    graphstore.Store
	detector *conflict.Detector
	client   llm.Client
	opts     Options
	logger   *logrus.Logger
}

// NewLearner wires a learner to its stores and extractor
func NewLearner(repos *store.Repos, graph graphstore.Store, detector *conflict.Detector, client llm.Client, opts Options, logger *logrus.Logger) *Learner {
	if opts.ReflectionInterval <= 0 {
		opts.ReflectionInterval = 5
	}
	if opts.ContextTurns <= 0 {
		opts.ContextTurns = 20
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 1
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Learner{
		repos:    repos,
		graph:    graph,
		detector: detector,
		client:   client,
		opts:     opts,
		logger:   logger,
	}
}

// Learn processes a batch of resolved utterances from one conversation
func (l *Learner) Learn(ctx context.Context, conversationID string, utterances []store.Utterance) (*Result, error) {
	result := &Result{}
	var facts []conflict.Fact
	perUtterance := make(map[string]extraction)

	for i := range utterances {
		u := &utterances[i]
		text := u.ResolvedText
		if text == "" {
			text = u.RawText
		}
		if strings.TrimSpace(text) == "" {
			continue
		}

		ext, err := l.extract(ctx, text)
		if err != nil {
			l.logger.WithError(err).WithField("utterance_id", u.ID).
				Warn("Extraction failed; skipping utterance")
			continue
		}
		perUtterance[u.ID] = ext

		for _, f := range ext.Facts {
			if f.Subject == "" || f.Predicate == "" || f.Object == "" {
				continue
			}
			facts = append(facts, conflict.Fact{
				Subject:     f.Subject,
				Predicate:   f.Predicate,
				Object:      f.Object,
				Confidence:  f.Confidence,
				UtteranceID: u.ID,
			})
		}
	}

	// Contradictions are checked before any of this batch is written
	conflicts, err := l.detector.Detect(ctx, facts)
	if err != nil {
		return nil, fmt.Errorf("conflict detection failed: %w", err)
	}
	for i := range conflicts {
		if err := l.repos.Conflicts.Create(&conflicts[i]); err != nil {
			l.logger.WithError(err).Warn("Failed to persist conflict")
			continue
		}
		result.Conflicts = append(result.Conflicts, conflicts[i])
	}

	for i := range utterances {
		u := &utterances[i]
		ext, ok := perUtterance[u.ID]
		if !ok {
			continue
		}
		l.applyExtraction(ctx, conversationID, u, ext, result)
	}
	return result, nil
}

// applyExtraction folds one utterance's extraction into the stores
func (l *Learner) applyExtraction(ctx context.Context, conversationID string, u *store.Utterance, ext extraction, result *Result) {
	seenAt := u.Timestamp
	if seenAt.IsZero() {
		seenAt = time.Now()
	}

	var names []string
	for _, e := range ext.Entities {
		entityType := strings.ToLower(strings.TrimSpace(e.Type))
		if e.Name == "" || !entityTypes[entityType] {
			continue
		}
		if err := l.repos.Entities.Touch(e.Name, entityType, seenAt); err != nil {
			l.logger.WithError(err).WithField("entity", e.Name).Warn("Failed to record entity mention")
			continue
		}
		if err := l.graph.UpsertNode(ctx, "Entity", e.Name, map[string]any{"entity_type": entityType}); err != nil {
			l.logger.WithError(err).WithField("entity", e.Name).Warn("Failed to upsert graph node")
		}
		if conversationID != "" {
			edge := graphstore.Edge{
				Subject:     e.Name,
				Predicate:   PredicateMentionedIn,
				Object:      conversationID,
				Confidence:  1.0,
				EvidenceRef: u.ID,
			}
			if err := l.graph.UpsertEdge(ctx, edge); err != nil {
				l.logger.WithError(err).WithField("entity", e.Name).Warn("Failed to link entity to conversation")
			}
		}
		names = append(names, e.Name)
		result.Entities++
	}

	if len(names) > 0 && u.ID != "" {
		if err := u.SetEntityRefs(names); err == nil {
			if err := l.repos.Utterances.SaveResolution(u); err != nil {
				l.logger.WithError(err).WithField("utterance_id", u.ID).Warn("Failed to save entity refs")
			}
		}
	}

	for _, f := range ext.Facts {
		if f.Subject == "" || f.Predicate == "" || f.Object == "" {
			continue
		}
		edge := graphstore.Edge{
			Subject:     f.Subject,
			Predicate:   f.Predicate,
			Object:      f.Object,
			Confidence:  f.Confidence,
			EvidenceRef: u.ID,
		}
		if err := l.graph.UpsertEdge(ctx, edge); err != nil {
			l.logger.WithError(err).WithFields(logrus.Fields{
				"subject":   f.Subject,
				"predicate": f.Predicate,
			}).Warn("Failed to upsert fact edge")
			continue
		}
		result.Facts++
	}
}

// extract pulls facts and entities out of one utterance's text
func (l *Learner) extract(ctx context.Context, text string) (extraction, error) {
	prompt := fmt.Sprintf(`Extract factual assertions and named entities from this message.

Message: %s

Return JSON with:
{
  "facts": [
    {"subject": "Jordy", "predicate": "works_at", "object": "Acme", "confidence": 0.9}
  ],
  "entities": [
    {"name": "Jordy", "type": "person"}
  ]
}

Entity types must be one of: person, project, organization, location.
Only extract facts stated in the message, not inferences.`, text)

	var ext extraction
	err := llm.GenerateStruct(ctx, l.client, llm.Request{Prompt: prompt, Mode: llm.ModeFast}, &ext)
	return ext, err
}

// ShouldReflect reports whether a reflection pass is due after the
// given number of turns in a conversation
func (l *Learner) ShouldReflect(turnCount int) bool {
	return turnCount > 0 && turnCount%l.opts.ReflectionInterval == 0
}

// Reflect runs a deliberate pass over the tail of a conversation and
// persists what it notices as a reflection insight
func (l *Learner) Reflect(ctx context.Context, conversationID string) (*store.Insight, error) {
	utterances, err := l.repos.Utterances.ByConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}
	if len(utterances) == 0 {
		return nil, nil
	}
	if len(utterances) > l.opts.ContextTurns {
		utterances = utterances[len(utterances)-l.opts.ContextTurns:]
	}

	var sb strings.Builder
	var evidence []string
	for i := range utterances {
		text := utterances[i].ResolvedText
		if text == "" {
			text = utterances[i].RawText
		}
		fmt.Fprintf(&sb, "%s: %s\n", utterances[i].Role, text)
		evidence = append(evidence, utterances[i].ID)
	}

	prompt := fmt.Sprintf(`Reflect on this recent stretch of conversation. Note shifts in
mood, goals, or framing that a future session would want to know about.
Two or three sentences.

%s`, sb.String())

	content, err := l.client.Generate(ctx, llm.Request{Prompt: prompt, Mode: llm.ModeDeliberate})
	if err != nil {
		return nil, fmt.Errorf("reflection failed: %w", err)
	}

	insight := store.Insight{
		ConversationID: conversationID,
		InsightType:    "reflection",
		Content:        strings.TrimSpace(content),
	}
	if err := insight.SetEvidence(evidence); err != nil {
		return nil, err
	}
	if err := l.repos.Insights.Create(&insight); err != nil {
		return nil, fmt.Errorf("failed to persist insight: %w", err)
	}
	return &insight, nil
}

// Nightly runs the daily consolidation pass over recent conversations
func (l *Learner) Nightly(ctx context.Context) (*store.Insight, error) {
	since := time.Now().AddDate(0, 0, -l.opts.LookbackDays)
	conversations, err := l.repos.Utterances.RecentConversations(since)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent conversations: %w", err)
	}
	if len(conversations) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	var evidence []string
	for _, conv := range conversations {
		utterances, err := l.repos.Utterances.ByConversation(conv.ID)
		if err != nil {
			l.logger.WithError(err).WithField("conversation_id", conv.ID).
				Warn("Skipping conversation in nightly pass")
			continue
		}
		fmt.Fprintf(&sb, "## %s\n", conv.Title)
		for i := range utterances {
			text := utterances[i].ResolvedText
			if text == "" {
				text = utterances[i].RawText
			}
			fmt.Fprintf(&sb, "%s: %s\n", utterances[i].Role, text)
			evidence = append(evidence, utterances[i].ID)
		}
	}
	if len(evidence) == 0 {
		return nil, nil
	}

	prompt := fmt.Sprintf(`Review the past day's conversations. Identify cross-conversation
patterns: recurring themes, evolving goals, tensions between what was
said in different sessions. A short paragraph.

%s`, sb.String())

	content, err := l.client.Generate(ctx, llm.Request{Prompt: prompt, Mode: llm.ModeDeliberate})
	if err != nil {
		return nil, fmt.Errorf("nightly analysis failed: %w", err)
	}

	insight := store.Insight{
		InsightType: "nightly",
		Content:     strings.TrimSpace(content),
	}
	if err := insight.SetEvidence(evidence); err != nil {
		return nil, err
	}
	if err := l.repos.Insights.Create(&insight); err != nil {
		return nil, fmt.Errorf("failed to persist insight: %w", err)
	}
	return &insight, nil
}
