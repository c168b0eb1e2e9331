// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package embeddings

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MockClient is a test double for the embedding collaborator
type MockClient struct {
	mu        sync.Mutex
	EmbedFunc func(text string) ([]float32, error)
	CallCount int
	Inputs    []string
}

func (m *MockClient) Embed(_ context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.CallCount++
	m.Inputs = append(m.Inputs, text)
	m.mu.Unlock()
	return m.EmbedFunc(text)
}

func (m *MockClient) GetModelInfo() ModelInfo {
	return ModelInfo{Name: "test-model", Version: "v1", Dimensions: 4, Provider: "test"}
}

func setupTestDB(t *testing.T) *gorm.DB {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, MigrateEmbeddings(db))
	return db
}

func TestEmbedAxisCachesByContentHash(t *testing.T) {
	mock := &MockClient{
		EmbedFunc: func(string) ([]float32, error) {
			return []float32{1, 2, 3, 4}, nil
		},
	}
	svc := NewService(setupTestDB(t), mock)

	vec1, err := svc.EmbedAxis(context.Background(), "hello", AxisTopical)
	require.NoError(t, err)
	assert.Len(t, vec1, 4)
	assert.Equal(t, 1, mock.CallCount)

	vec2, err := svc.EmbedAxis(context.Background(), "hello", AxisTopical)
	require.NoError(t, err)
	assert.Equal(t, 1, mock.CallCount) // cache hit
	assert.Equal(t, vec1, vec2)
}

func TestEmbedAxisCacheIsPerAxis(t *testing.T) {
	mock := &MockClient{
		EmbedFunc: func(string) ([]float32, error) {
			return []float32{1, 2, 3, 4}, nil
		},
	}
	svc := NewService(setupTestDB(t), mock)

	_, err := svc.EmbedAxis(context.Background(), "hello", AxisTopical)
	require.NoError(t, err)
	_, err = svc.EmbedAxis(context.Background(), "hello", AxisAffective)
	require.NoError(t, err)

	// Same content, different axis misses the cache
	assert.Equal(t, 2, mock.CallCount)
}

func TestEmbedAxisAppliesInstructionPrefix(t *testing.T) {
	mock := &MockClient{
		EmbedFunc: func(string) ([]float32, error) {
			return []float32{0}, nil
		},
	}
	svc := NewService(setupTestDB(t), mock)

	_, err := svc.EmbedAxis(context.Background(), "the timeline slipped", AxisStrategic)
	require.NoError(t, err)

	require.Len(t, mock.Inputs, 1)
	assert.Equal(t, "Goals, decisions, and strategic implications: the timeline slipped", mock.Inputs[0])

	_, err = svc.EmbedAxis(context.Background(), "the timeline slipped", AxisTopical)
	require.NoError(t, err)
	assert.Equal(t, "the timeline slipped", mock.Inputs[1])
}

func TestEmbedAxisRejectsUnknownAxis(t *testing.T) {
	svc := NewService(setupTestDB(t), &MockClient{})
	_, err := svc.EmbedAxis(context.Background(), "x", Axis("sideways"))
	assert.Error(t, err)
}

func TestEmbedAllCoversEveryAxis(t *testing.T) {
	mock := &MockClient{
		EmbedFunc: func(text string) ([]float32, error) {
			return []float32{float32(len(text))}, nil
		},
	}
	svc := NewService(setupTestDB(t), mock)

	vectors, err := svc.EmbedAll(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, vectors, 4)
	for _, axis := range AllAxes() {
		assert.Contains(t, vectors, axis)
	}
	assert.Equal(t, 4, mock.CallCount)
}

func TestEmbedAllFailsIfAnyAxisFails(t *testing.T) {
	mock := &MockClient{
		EmbedFunc: func(text string) ([]float32, error) {
			if text == PromptFor(AxisTemporal, "hello") {
				return nil, assert.AnError
			}
			return []float32{1}, nil
		},
	}
	svc := NewService(setupTestDB(t), mock)

	_, err := svc.EmbedAll(context.Background(), "hello")
	assert.Error(t, err)
}

func TestBlobRoundTrip(t *testing.T) {
	vec := []float32{0.5, -1.25, 3.75, 0}
	assert.Equal(t, vec, BlobToFloat32Slice(Float32SliceToBlob(vec)))
	assert.Nil(t, BlobToFloat32Slice([]byte{1, 2, 3})) // not a multiple of 4
}
