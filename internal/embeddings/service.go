// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service generates axis vectors with content-hash caching. Identical
// (text, axis) pairs hit the cache; anything else calls the collaborator.
type Service struct {
	db     *gorm.DB
	client Client
}

// NewService creates a new multi-axis embedding service
func NewService(db *gorm.DB, client Client) *Service {
	return &Service{db: db, client: client}
}

// EmbedAxis returns the vector for a text on one axis, cached or fresh
func (s *Service) EmbedAxis(ctx context.Context, text string, axis Axis) ([]float32, error) {
	if !axis.Valid() {
		return nil, fmt.Errorf("unknown embedding axis: %s", axis)
	}

	info := s.client.GetModelInfo()
	contentHash := CalculateContentHash(text)

	var cached AxisEmbedding
	err := s.db.Where("content_hash = ? AND axis = ? AND model_version = ?",
		contentHash, string(axis), info.Version).First(&cached).Error
	if err == nil {
		return BlobToFloat32Slice(cached.Vector), nil
	}

	vector, err := s.client.Embed(ctx, PromptFor(axis, text))
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s embedding: %w", axis, err)
	}

	entry := AxisEmbedding{
		ContentHash:  contentHash,
		Axis:         string(axis),
		ModelName:    info.Name,
		ModelVersion: info.Version,
		Dimensions:   len(vector),
		Vector:       Float32SliceToBlob(vector),
		CreatedAt:    time.Now(),
	}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "content_hash"}, {Name: "axis"}, {Name: "model_version"}},
		DoUpdates: clause.AssignmentColumns([]string{"vector", "dimensions", "created_at"}),
	}).Create(&entry).Error
	if err != nil {
		return nil, fmt.Errorf("failed to cache %s embedding: %w", axis, err)
	}

	return vector, nil
}

// EmbedAll embeds a text on all four axes concurrently. It fails if any
// axis fails; ingestion never indexes a partially embedded utterance.
func (s *Service) EmbedAll(ctx context.Context, text string) (map[Axis][]float32, error) {
	axes := AllAxes()
	vectors := make(map[Axis][]float32, len(axes))
	errs := make([]error, len(axes))

	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(len(axes))

	for i, axis := range axes {
		go func(i int, axis Axis) {
			defer wg.Done()
			vec, err := s.EmbedAxis(ctx, text, axis)
			if err != nil {
				errs[i] = err
				return
			}
			mu.Lock()
			vectors[axis] = vec
			mu.Unlock()
		}(i, axis)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return vectors, nil
}
