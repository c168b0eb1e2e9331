// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package vectorindex

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/sirupsen/logrus"
)

// Config holds Qdrant connection settings
type Config struct {
	Host             string
	Port             int
	APIKey           string
	UseTLS           bool
	CollectionPrefix string
	Dimensions       int
	Timeout          time.Duration
}

// Qdrant implements Index against a Qdrant instance. Each namespace maps
// to its own collection with cosine distance.
type Qdrant struct {
	client *qdrant.Client
	config Config
	logger *logrus.Logger
}

// NewQdrant creates a Qdrant-backed index
func NewQdrant(cfg Config, logger *logrus.Logger) (*Qdrant, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &Qdrant{client: client, config: cfg, logger: logger}, nil
}

// CollectionName maps a namespace to its backing collection
func (q *Qdrant) CollectionName(namespace string) string {
	return q.config.CollectionPrefix + "_" + namespace
}

// EnsureNamespaces creates any missing collections
func (q *Qdrant) EnsureNamespaces(ctx context.Context, namespaces []string) error {
	for _, ns := range namespaces {
		name := q.CollectionName(ns)

		callCtx, cancel := context.WithTimeout(ctx, q.config.Timeout)
		exists, err := q.client.CollectionExists(callCtx, name)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to check collection %s: %w", name, err)
		}
		if exists {
			continue
		}

		callCtx, cancel = context.WithTimeout(ctx, q.config.Timeout)
		err = q.client.CreateCollection(callCtx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(q.config.Dimensions),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		cancel()
		if err != nil {
			return fmt.Errorf("failed to create collection %s: %w", name, err)
		}
		q.logger.WithField("collection", name).Info("Created vector collection")
	}
	return nil
}

// Upsert writes one vector with its metadata into a namespace
func (q *Qdrant) Upsert(ctx context.Context, namespace, id string, vector []float32, meta Metadata) error {
	entities := make([]any, len(meta.Entities))
	for i, e := range meta.Entities {
		entities[i] = e
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(id),
		Vectors: qdrant.NewVectors(vector...),
		Payload: qdrant.NewValueMap(map[string]any{
			"utterance_id":    meta.UtteranceID,
			"conversation_id": meta.ConversationID,
			"entities":        entities,
			"timestamp":       meta.Timestamp.Unix(),
			"importance":      int64(meta.Importance),
		}),
	}

	callCtx, cancel := context.WithTimeout(ctx, q.config.Timeout)
	defer cancel()

	_, err := q.client.Upsert(callCtx, &qdrant.UpsertPoints{
		CollectionName: q.CollectionName(namespace),
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", namespace, err)
	}
	return nil
}

// Query returns up to topK nearest neighbors in a namespace
func (q *Qdrant) Query(ctx context.Context, namespace string, vector []float32, topK int, filter *Filter) ([]Match, error) {
	if topK <= 0 {
		topK = 25
	}
	limit := uint64(topK)

	callCtx, cancel := context.WithTimeout(ctx, q.config.Timeout)
	defer cancel()

	points, err := q.client.Query(callCtx, &qdrant.QueryPoints{
		CollectionName: q.CollectionName(namespace),
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		Filter:         buildFilter(filter),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query on %s failed: %w", namespace, err)
	}

	matches := make([]Match, 0, len(points))
	for _, p := range points {
		matches = append(matches, Match{
			ID:       p.Id.GetUuid(),
			Score:    p.Score,
			Metadata: payloadToMetadata(p.Payload),
		})
	}
	return matches, nil
}

// buildFilter translates the portable filter into a Qdrant filter
func buildFilter(f *Filter) *qdrant.Filter {
	if f == nil {
		return nil
	}

	var must []*qdrant.Condition
	if f.Entity != "" {
		must = append(must, qdrant.NewMatch("entities", f.Entity))
	}
	if !f.Since.IsZero() {
		must = append(must, qdrant.NewRange("timestamp", &qdrant.Range{
			Gte: qdrant.PtrOf(float64(f.Since.Unix())),
		}))
	}
	if f.MinImportance > 0 {
		must = append(must, qdrant.NewRange("importance", &qdrant.Range{
			Gte: qdrant.PtrOf(float64(f.MinImportance)),
		}))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func payloadToMetadata(payload map[string]*qdrant.Value) Metadata {
	meta := Metadata{}
	if v, ok := payload["utterance_id"]; ok {
		meta.UtteranceID = v.GetStringValue()
	}
	if v, ok := payload["conversation_id"]; ok {
		meta.ConversationID = v.GetStringValue()
	}
	if v, ok := payload["timestamp"]; ok {
		meta.Timestamp = time.Unix(v.GetIntegerValue(), 0)
	}
	if v, ok := payload["importance"]; ok {
		meta.Importance = int(v.GetIntegerValue())
	}
	if v, ok := payload["entities"]; ok {
		if list := v.GetListValue(); list != nil {
			for _, item := range list.Values {
				if s := item.GetStringValue(); s != "" {
					meta.Entities = append(meta.Entities, s)
				}
			}
		}
	}
	return meta
}
