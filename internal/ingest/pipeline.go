// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/deepmemory/deepmemory/internal/embeddings"
	"github.com/deepmemory/deepmemory/internal/resolve"
	"github.com/deepmemory/deepmemory/internal/store"
	"github.com/deepmemory/deepmemory/internal/vectorindex"
)

// Turn is one incoming conversation turn
type Turn struct {
	Role      string
	Text      string
	Timestamp time.Time
}

// Pipeline runs ingestion in strict order: persist raw, resolve
// references, embed resolved text on every axis, index. Raw text is
// persisted before anything derived touches it, and nothing is embedded
// until resolution has run.
type Pipeline struct {
	repos    *store.Repos
	resolver *resolve.Resolver
	embedder *embeddings.Service
	index    vectorindex.Index
	logger   *logrus.Logger
}

// NewPipeline wires the ingestion stages together
func NewPipeline(repos *store.Repos, resolver *resolve.Resolver, embedder *embeddings.Service, index vectorindex.Index, logger *logrus.Logger) *Pipeline {
	if logger == nil {
		logger = logrus.New()
	}
	return &Pipeline{
		repos:    repos,
		resolver: resolver,
		embedder: embedder,
		index:    index,
		logger:   logger,
	}
}

// Namespaces returns the axis namespaces the index must carry
func Namespaces() []string {
	axes := embeddings.AllAxes()
	namespaces := make([]string, 0, len(axes))
	for _, axis := range axes {
		namespaces = append(namespaces, string(axis))
	}
	return namespaces
}

// Init creates the vector namespaces if they are missing
func (p *Pipeline) Init(ctx context.Context) error {
	return p.index.EnsureNamespaces(ctx, Namespaces())
}

// IngestConversation stores and indexes a full conversation. It returns
// the persisted conversation ID.
func (p *Pipeline) IngestConversation(ctx context.Context, source, title string, turns []Turn) (string, error) {
	if len(turns) == 0 {
		return "", fmt.Errorf("ingest: empty conversation")
	}

	conv := store.Conversation{
		ID:            uuid.New().String(),
		Source:        source,
		Title:         title,
		TotalMessages: len(turns),
		IngestedAt:    time.Now(),
	}
	if err := p.repos.Utterances.CreateConversation(&conv); err != nil {
		return "", fmt.Errorf("failed to persist conversation: %w", err)
	}

	utterances := make([]store.Utterance, 0, len(turns))
	for _, turn := range turns {
		ts := turn.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		utterances = append(utterances, store.Utterance{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			Role:           turn.Role,
			RawText:        turn.Text,
			Timestamp:      ts,
		})
	}
	if err := p.repos.Utterances.CreateBatch(utterances); err != nil {
		return "", fmt.Errorf("failed to persist utterances: %w", err)
	}

	if err := p.resolveAndIndex(ctx, conv.ID, utterances); err != nil {
		return conv.ID, err
	}
	return conv.ID, nil
}

// resolveAndIndex runs resolution over the batch, persists the output,
// then embeds and indexes each utterance
func (p *Pipeline) resolveAndIndex(ctx context.Context, conversationID string, utterances []store.Utterance) error {
	resolved, err := p.resolver.Resolve(ctx, utterances)
	if err != nil {
		return fmt.Errorf("reference resolution failed: %w", err)
	}
	for i := range resolved {
		if err := p.repos.Utterances.SaveResolution(&resolved[i]); err != nil {
			return fmt.Errorf("failed to save resolution for %s: %w", resolved[i].ID, err)
		}
	}

	var indexed []string
	for i := range resolved {
		u := &resolved[i]
		if err := p.indexUtterance(ctx, u); err != nil {
			// One bad utterance does not abort the batch; it stays
			// unindexed and a later Reindex pass retries it
			p.logger.WithError(err).WithField("utterance_id", u.ID).
				Warn("Failed to index utterance")
			continue
		}
		indexed = append(indexed, u.ID)
	}
	if err := p.repos.Utterances.MarkIndexed(indexed); err != nil {
		return fmt.Errorf("failed to mark utterances indexed: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"conversation_id": conversationID,
		"utterances":      len(resolved),
		"indexed":         len(indexed),
	}).Info("Conversation ingested")
	return nil
}

// indexUtterance embeds resolved text on all axes and upserts one
// vector per axis namespace. Embedding is all-or-nothing per utterance
// so no axis namespace ever lags the others.
func (p *Pipeline) indexUtterance(ctx context.Context, u *store.Utterance) error {
	text := u.ResolvedText
	if text == "" {
		return fmt.Errorf("utterance %s has no resolved text", u.ID)
	}

	vectors, err := p.embedder.EmbedAll(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}

	meta := vectorindex.Metadata{
		UtteranceID:    u.ID,
		ConversationID: u.ConversationID,
		Entities:       u.GetEntityRefs(),
		Timestamp:      u.Timestamp,
	}
	for axis, vector := range vectors {
		if err := p.index.Upsert(ctx, string(axis), u.ID, vector, meta); err != nil {
			return fmt.Errorf("upsert to %s failed: %w", axis, err)
		}
	}
	return nil
}

// Reindex retries embedding and indexing for resolved utterances that
// never made it into the index
func (p *Pipeline) Reindex(ctx context.Context, conversationID string) (int, error) {
	pending, err := p.repos.Utterances.UnindexedByConversation(conversationID)
	if err != nil {
		return 0, fmt.Errorf("failed to load unindexed utterances: %w", err)
	}

	var indexed []string
	for i := range pending {
		if err := p.indexUtterance(ctx, &pending[i]); err != nil {
			p.logger.WithError(err).WithField("utterance_id", pending[i].ID).
				Warn("Reindex attempt failed")
			continue
		}
		indexed = append(indexed, pending[i].ID)
	}
	if err := p.repos.Utterances.MarkIndexed(indexed); err != nil {
		return 0, err
	}
	return len(indexed), nil
}
