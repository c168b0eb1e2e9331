// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package resolve

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/deepmemory/deepmemory/internal/llm"
	"github.com/deepmemory/deepmemory/internal/store"
)

// thirdPersonPronouns gates the per-utterance resolution call. An
// utterance without any of these never needs a collaborator round trip.
var thirdPersonPronouns = []string{
	"he", "she", "they", "him", "her", "them", "his", "hers", "their",
}

var pronounPattern = regexp.MustCompile(`(?i)\b(` + strings.Join(thirdPersonPronouns, "|") + `)\b`)

// EntitySet holds the named entities discovered in a conversation
type EntitySet struct {
	People        []string `json:"people"`
	Projects      []string `json:"projects"`
	Organizations []string `json:"organizations"`
	Locations     []string `json:"locations"`
}

// IsEmpty reports whether discovery found nothing
func (e EntitySet) IsEmpty() bool {
	return len(e.People)+len(e.Projects)+len(e.Organizations)+len(e.Locations) == 0
}

// Resolution is one pronoun-to-entity candidate from the collaborator
type Resolution struct {
	Pronoun    string  `json:"pronoun"`
	RefersTo   string  `json:"refers_to"`
	Confidence float64 `json:"confidence"`
}

type resolutionResponse struct {
	Resolutions []Resolution `json:"resolutions"`
}

// Options configures the resolver
type Options struct {
	WindowSize          int
	ConfidenceThreshold float64
	DiscoveryMaxChars   int
}

// Resolver rewrites third-person pronouns to canonical entity names
// before anything is embedded or indexed. RawText is never touched; the
// rewritten text lands in ResolvedText only.
type Resolver struct {
	client    llm.Client
	window    int
	threshold float64
	maxChars  int
	logger    *logrus.Logger
}

// NewResolver creates a resolver with the given tunables
func NewResolver(client llm.Client, opts Options, logger *logrus.Logger) *Resolver {
	if opts.WindowSize <= 0 {
		opts.WindowSize = 3
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = 0.5
	}
	if opts.DiscoveryMaxChars <= 0 {
		opts.DiscoveryMaxChars = 5000
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Resolver{
		client:    client,
		window:    opts.WindowSize,
		threshold: opts.ConfidenceThreshold,
		maxChars:  opts.DiscoveryMaxChars,
		logger:    logger,
	}
}

// Resolve populates ResolvedText for every utterance in the conversation.
// Running it again on already-resolved output is a fixed point: texts
// whose pronouns were all replaced trigger no further calls or changes.
func (r *Resolver) Resolve(ctx context.Context, utterances []store.Utterance) ([]store.Utterance, error) {
	if len(utterances) == 0 {
		return utterances, nil
	}

	entities, err := r.discoverEntities(ctx, utterances)
	if err != nil {
		r.logger.WithError(err).Warn("Entity discovery failed; leaving pronouns unresolved")
		entities = EntitySet{}
	}

	for i := range utterances {
		text := currentText(&utterances[i])

		if !pronounPattern.MatchString(text) {
			utterances[i].ResolvedText = text
			continue
		}

		if entities.IsEmpty() {
			// Nothing to resolve against; never guess
			utterances[i].ResolvedText = text
			utterances[i].CoreferenceWarning = true
			continue
		}

		resolved, warned := r.resolveUtterance(ctx, text, entities, utterances, i)
		utterances[i].ResolvedText = resolved
		utterances[i].CoreferenceWarning = warned
	}

	return utterances, nil
}

// currentText returns the text resolution operates on: prior resolver
// output when present, the raw text otherwise
func currentText(u *store.Utterance) string {
	if u.ResolvedText != "" {
		return u.ResolvedText
	}
	return u.RawText
}

// discoverEntities scans the whole conversation once for named entities
func (r *Resolver) discoverEntities(ctx context.Context, utterances []store.Utterance) (EntitySet, error) {
	var sb strings.Builder
	for i := range utterances {
		sb.WriteString(currentText(&utterances[i]))
		sb.WriteString("\n")
	}
	fullText := truncateRunes(sb.String(), r.maxChars)

	prompt := fmt.Sprintf(`Analyze this conversation and extract all named entities.

Conversation:
%s

Return JSON with:
{
  "people": ["Name1", "Name2"],
  "projects": ["Project1"],
  "organizations": ["Org1"],
  "locations": ["Place1"]
}

Only include entities explicitly mentioned (not inferred).`, fullText)

	var entities EntitySet
	err := llm.GenerateStruct(ctx, r.client, llm.Request{Prompt: prompt, Mode: llm.ModeFast}, &entities)
	if err != nil {
		return EntitySet{}, err
	}
	return entities, nil
}

// resolveUtterance issues one resolution call and applies the accepted
// spans. It returns the rewritten text and whether any span was left
// unresolved below the confidence threshold.
func (r *Resolver) resolveUtterance(ctx context.Context, text string, entities EntitySet, utterances []store.Utterance, idx int) (string, bool) {
	prompt := fmt.Sprintf(`Resolve pronoun references in this message.

Message: %s

Context (surrounding messages):
%s

Known entities:
People: %s
Projects: %s

Return JSON with:
{
  "resolutions": [
    {"pronoun": "she", "refers_to": "Ella", "confidence": 0.95}
  ]
}

If a pronoun is ambiguous, keep it and report confidence below 0.5.`,
		text,
		r.buildContext(utterances, idx),
		strings.Join(entities.People, ", "),
		strings.Join(entities.Projects, ", "))

	var response resolutionResponse
	err := llm.GenerateStruct(ctx, r.client, llm.Request{Prompt: prompt, Mode: llm.ModeFast}, &response)
	if err != nil {
		r.logger.WithError(err).Warn("Pronoun resolution call failed; keeping original text")
		return text, true
	}

	resolved := text
	warned := false
	for _, res := range response.Resolutions {
		if res.Confidence < r.threshold || res.RefersTo == "" {
			r.logger.WithFields(logrus.Fields{
				"pronoun":    res.Pronoun,
				"confidence": res.Confidence,
			}).Debug("Low confidence resolution left in place")
			warned = true
			continue
		}
		resolved = replaceFirstSpan(resolved, res.Pronoun, res.RefersTo)
	}
	return resolved, warned
}

// buildContext formats up to window utterances before and after idx
func (r *Resolver) buildContext(utterances []store.Utterance, idx int) string {
	start := idx - r.window
	if start < 0 {
		start = 0
	}
	end := idx + r.window + 1
	if end > len(utterances) {
		end = len(utterances)
	}

	var parts []string
	for i := start; i < end; i++ {
		if i == idx {
			continue
		}
		text := truncateRunes(currentText(&utterances[i]), 200)
		parts = append(parts, fmt.Sprintf("%s: %s", utterances[i].Role, text))
	}
	return strings.Join(parts, "\n")
}

// truncateRunes caps a string at max runes without splitting a
// multi-byte character
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// replaceFirstSpan substitutes the first word-boundary occurrence of the
// pronoun, case-insensitively
func replaceFirstSpan(text, pronoun, entity string) string {
	if pronoun == "" {
		return text
	}
	pattern, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(pronoun) + `\b`)
	if err != nil {
		return text
	}
	replaced := false
	return pattern.ReplaceAllStringFunc(text, func(match string) string {
		if replaced {
			return match
		}
		replaced = true
		return entity
	})
}
