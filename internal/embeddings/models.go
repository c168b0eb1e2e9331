// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package embeddings

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"
)

// DefaultEmbeddingDimensions matches the 1024-dim axis vectors
const DefaultEmbeddingDimensions = 1024

// AxisEmbedding caches one generated vector, keyed by content hash, axis
// and model version. A stale model version or changed content misses the
// cache and regenerates lazily.
type AxisEmbedding struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ContentHash  string    `gorm:"uniqueIndex:idx_axis_embedding;size:64;not null" json:"content_hash"`
	Axis         string    `gorm:"uniqueIndex:idx_axis_embedding;size:16;not null" json:"axis"`
	ModelVersion string    `gorm:"uniqueIndex:idx_axis_embedding;size:32;not null" json:"model_version"`
	ModelName    string    `json:"model_name"`
	Dimensions   int       `json:"dimensions"`
	Vector       []byte    `gorm:"type:blob" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName specifies the table name for AxisEmbedding
func (AxisEmbedding) TableName() string {
	return "axis_embeddings"
}

// MigrateEmbeddings creates the embedding cache table
func MigrateEmbeddings(db *gorm.DB) error {
	return db.AutoMigrate(&AxisEmbedding{})
}

// CalculateContentHash returns the sha256 hex digest of the content
func CalculateContentHash(content string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(content)))
}

// Float32SliceToBlob serializes a vector to little-endian bytes
func Float32SliceToBlob(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// BlobToFloat32Slice deserializes little-endian bytes back to a vector
func BlobToFloat32Slice(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vector
}
