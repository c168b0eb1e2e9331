// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package compress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/deepmemory/deepmemory/internal/llm"
	"github.com/deepmemory/deepmemory/internal/store"
)

// State of a scope at one compression tier
type State string

const (
	// StateAccumulating means tokens are below the tier threshold
	StateAccumulating State = "ACCUMULATING"
	// StateThresholdReached means a compression cycle is due
	StateThresholdReached State = "THRESHOLD_REACHED"
	// StateCompressing means a cycle holds the scope lock right now
	StateCompressing State = "COMPRESSING"
)

var (
	// ErrLocked is returned when another cycle holds the scope lock
	ErrLocked = errors.New("compression already running for scope")
	// ErrSummaryOverBudget is returned when a generated summary blows
	// the sanity bound and is rejected
	ErrSummaryOverBudget = errors.New("generated summary exceeds token budget")
)

// Tier describes one step of the compression ladder
type Tier struct {
	SourceLevel     string
	TargetLevel     string
	ThresholdTokens int
	Ratio           int
}

// Options holds the ladder thresholds and ratios
type Options struct {
	SessionThresholdTokens  int
	ProjectThresholdTokens  int
	IdentityThresholdTokens int
	SessionRatio            int
	ProjectRatio            int
	IdentityRatio           int
	SanityFactor            float64
}

// DefaultOptions returns the production ladder
func DefaultOptions() Options {
	return Options{
		SessionThresholdTokens:  50_000,
		ProjectThresholdTokens:  500_000,
		IdentityThresholdTokens: 5_000_000,
		SessionRatio:            10,
		ProjectRatio:            10,
		IdentityRatio:           25,
		SanityFactor:            1.5,
	}
}

// Tiers expands options into the ordered ladder, raw to identity
func Tiers(opts Options) []Tier {
	return []Tier{
		{SourceLevel: store.LevelRaw, TargetLevel: store.LevelSession, ThresholdTokens: opts.SessionThresholdTokens, Ratio: opts.SessionRatio},
		{SourceLevel: store.LevelSession, TargetLevel: store.LevelProject, ThresholdTokens: opts.ProjectThresholdTokens, Ratio: opts.ProjectRatio},
		{SourceLevel: store.LevelProject, TargetLevel: store.LevelIdentity, ThresholdTokens: opts.IdentityThresholdTokens, Ratio: opts.IdentityRatio},
	}
}

// Compressor runs the hierarchical compression ladder. Source rows are
// never deleted; each cycle only adds a summary row above them.
type Compressor struct {
	db        *gorm.DB
	summaries *store.SummaryRepo
	client    llm.Client
	locks     *LockManager
	opts      Options
	holder    string
	logger    *logrus.Logger
}

// NewCompressor wires a compressor to its stores and summarizer
func NewCompressor(db *gorm.DB, summaries *store.SummaryRepo, client llm.Client, locks *LockManager, opts Options, logger *logrus.Logger) *Compressor {
	if opts.SanityFactor <= 0 {
		opts.SanityFactor = 1.5
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Compressor{
		db:        db,
		summaries: summaries,
		client:    client,
		locks:     locks,
		opts:      opts,
		holder:    uuid.New().String(),
		logger:    logger,
	}
}

// pending is the uncompressed source material for one scope and tier
type pending struct {
	texts    []string
	evidence []string
	tokens   int
	prior    string
}

// pendingSource gathers source material newer than the latest summary
// at the tier's target level. Only material belonging to the scope is
// considered; scopes compress independently of each other.
func (c *Compressor) pendingSource(scopeID string, tier Tier) (pending, error) {
	var since time.Time
	var p pending
	latest, err := c.summaries.Latest(scopeID, tier.TargetLevel)
	if err != nil {
		return pending{}, fmt.Errorf("failed to load latest %s summary: %w", tier.TargetLevel, err)
	}
	if latest != nil {
		since = latest.CreatedAt
		p.prior = latest.Text
	}

	if tier.SourceLevel == store.LevelRaw {
		var utterances []store.Utterance
		err := c.db.Where("conversation_id = ? AND created_at > ?", scopeID, since).
			Order("timestamp ASC, id ASC").Find(&utterances).Error
		if err != nil {
			return pending{}, fmt.Errorf("failed to load utterances for scope %s: %w", scopeID, err)
		}
		for _, u := range utterances {
			text := u.ResolvedText
			if text == "" {
				text = u.RawText
			}
			p.texts = append(p.texts, fmt.Sprintf("%s: %s", u.Role, text))
			p.evidence = append(p.evidence, u.ID)
			p.tokens += EstimateTokens(text)
		}
		return p, nil
	}

	var summaries []store.Summary
	err = c.db.Where("level = ? AND scope_id = ? AND created_at > ?", tier.SourceLevel, scopeID, since).
		Order("created_at ASC").Find(&summaries).Error
	if err != nil {
		return pending{}, fmt.Errorf("failed to load %s summaries: %w", tier.SourceLevel, err)
	}
	for _, s := range summaries {
		p.texts = append(p.texts, s.Text)
		p.evidence = append(p.evidence, s.GetEvidence()...)
		p.tokens += s.TokenCount
	}
	return p, nil
}

// State reports where a scope sits on one tier of the ladder
func (c *Compressor) State(scopeID string, tier Tier) (State, error) {
	var live int64
	err := c.db.Model(&ScopeLock{}).
		Where("scope_id = ? AND level = ? AND expires_at > ?", scopeID, tier.TargetLevel, time.Now()).
		Count(&live).Error
	if err != nil {
		return "", err
	}
	if live > 0 {
		return StateCompressing, nil
	}

	p, err := c.pendingSource(scopeID, tier)
	if err != nil {
		return "", err
	}
	if p.tokens >= tier.ThresholdTokens {
		return StateThresholdReached, nil
	}
	return StateAccumulating, nil
}

// Compress runs one cycle for a scope and tier. It returns (false, nil)
// when the threshold has not been reached, ErrLocked when another cycle
// is running, and ErrSummaryOverBudget when the generated summary fails
// the sanity bound. A rejected summary leaves the previous one current.
func (c *Compressor) Compress(ctx context.Context, scopeID string, tier Tier) (bool, error) {
	p, err := c.pendingSource(scopeID, tier)
	if err != nil {
		return false, err
	}
	if p.tokens < tier.ThresholdTokens {
		return false, nil
	}

	acquired, err := c.locks.Acquire(scopeID, tier.TargetLevel, c.holder)
	if err != nil {
		return false, fmt.Errorf("failed to acquire compression lock: %w", err)
	}
	if !acquired {
		return false, ErrLocked
	}
	defer func() {
		if err := c.locks.Release(scopeID, tier.TargetLevel, c.holder); err != nil {
			c.logger.WithError(err).Warn("Failed to release compression lock")
		}
	}()

	targetTokens := p.tokens / tier.Ratio
	summary, err := c.summarize(ctx, p, tier, targetTokens)
	if err != nil {
		return false, fmt.Errorf("summarization failed for scope %s: %w", scopeID, err)
	}

	budget := int(float64(targetTokens) * c.opts.SanityFactor)
	if got := EstimateTokens(summary); got > budget {
		c.logger.WithFields(logrus.Fields{
			"scope_id": scopeID,
			"level":    tier.TargetLevel,
			"tokens":   got,
			"budget":   budget,
		}).Warn("Rejecting oversized summary; previous summary stays current")
		return false, ErrSummaryOverBudget
	}

	record := store.Summary{
		Level:            tier.TargetLevel,
		ScopeID:          scopeID,
		Text:             summary,
		TokenCount:       EstimateTokens(summary),
		SourceTokenCount: p.tokens,
		CompressionRatio: float64(p.tokens) / float64(EstimateTokens(summary)),
	}
	if err := record.SetEvidence(p.evidence); err != nil {
		return false, fmt.Errorf("failed to encode evidence: %w", err)
	}
	if err := c.summaries.Create(&record); err != nil {
		return false, fmt.Errorf("failed to persist summary: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"scope_id":      scopeID,
		"level":         tier.TargetLevel,
		"source_tokens": p.tokens,
		"tokens":        record.TokenCount,
	}).Info("Compression cycle complete")
	return true, nil
}

// RunAll walks the ladder bottom-up for one scope
func (c *Compressor) RunAll(ctx context.Context, scopeID string) error {
	var errs []error
	for _, tier := range Tiers(c.opts) {
		if _, err := c.Compress(ctx, scopeID, tier); err != nil && !errors.Is(err, ErrLocked) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var tierInstructions = map[string]string{
	store.LevelSession:  "Summarize this conversation session. Preserve decisions, commitments, and emotional turning points.",
	store.LevelProject:  "Condense these session summaries into a project-level digest. Preserve trajectory, recurring themes, and unresolved tensions.",
	store.LevelIdentity: "Distill these project digests into durable knowledge about the person: stable traits, values, and long-arc changes.",
}

// preserveDirective applies at every tier; compression must not lose
// identifying details or silently close open questions
const preserveDirective = "Preserve names, numbers, and dates exactly as written. Flag unresolved open questions instead of dropping them."

// summarize folds the new source material into the previous digest at
// the same level, so each summary stays cumulative rather than covering
// only the most recent window
func (c *Compressor) summarize(ctx context.Context, p pending, tier Tier, targetTokens int) (string, error) {
	var prior string
	if p.prior != "" {
		prior = fmt.Sprintf(`Previous digest at this level, to be updated rather than discarded:
%s

`, p.prior)
	}
	prompt := fmt.Sprintf(`%s
%s

Target length: about %d tokens. Do not exceed it.

%sNew source material:
%s`, tierInstructions[tier.TargetLevel], preserveDirective, targetTokens, prior, strings.Join(p.texts, "\n\n"))

	out, err := c.client.Generate(ctx, llm.Request{
		Prompt: prompt,
		Mode:   llm.ModeDeliberate,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
