// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package graphstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"
)

// Config holds Neo4j connection settings
type Config struct {
	URI      string
	Username string
	Password string
	Timeout  time.Duration
}

// Neo4j implements Store against a Neo4j instance using MERGE-based
// idempotent writes
type Neo4j struct {
	driver  neo4j.DriverWithContext
	timeout time.Duration
	logger  *logrus.Logger
}

// NewNeo4j creates a Neo4j-backed graph store
func NewNeo4j(cfg Config, logger *logrus.Logger) (*Neo4j, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	return &Neo4j{driver: driver, timeout: cfg.Timeout, logger: logger}, nil
}

// Close releases the underlying driver
func (g *Neo4j) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// EnsureConstraints creates uniqueness constraints for node keys
func (g *Neo4j) EnsureConstraints(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := neo4j.ExecuteQuery(callCtx, g.driver,
		"CREATE CONSTRAINT entity_key IF NOT EXISTS FOR (e:Entity) REQUIRE e.key IS UNIQUE",
		nil, neo4j.EagerResultTransformer)
	if err != nil {
		return fmt.Errorf("failed to create entity constraint: %w", err)
	}
	return nil
}

// sanitizeIdentifier restricts a label or relationship type to a safe
// identifier, since Cypher cannot parameterize them
func sanitizeIdentifier(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" || (out[0] >= '0' && out[0] <= '9') {
		out = "X" + out
	}
	return out
}

// UpsertNode merges a node on (type, key)
func (g *Neo4j) UpsertNode(ctx context.Context, nodeType, key string, properties map[string]any) error {
	if key == "" || nodeType == "" {
		return fmt.Errorf("graphstore: node type and key are required")
	}

	label := sanitizeIdentifier(nodeType)
	query := fmt.Sprintf(`
		MERGE (n:%s {key: $key})
		ON CREATE SET n.created_at = $now, n += $props
		ON MATCH SET n.last_updated = $now, n += $props
		RETURN n`, label)

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := neo4j.ExecuteQuery(callCtx, g.driver, query, map[string]any{
		"key":   key,
		"now":   time.Now().UnixMilli(),
		"props": properties,
	}, neo4j.EagerResultTransformer)
	if err != nil {
		return fmt.Errorf("failed to upsert node %s: %w", key, err)
	}
	return nil
}

// UpsertEdge merges an edge on (subject, predicate, object). At-least-one
// confirmation semantics: the merge is atomic in the store, so concurrent
// writers on the same key cannot produce duplicates or lost updates.
func (g *Neo4j) UpsertEdge(ctx context.Context, edge Edge) error {
	if edge.Subject == "" || edge.Predicate == "" || edge.Object == "" {
		return fmt.Errorf("graphstore: edge subject, predicate and object are required")
	}

	relType := sanitizeIdentifier(edge.Predicate)
	query := fmt.Sprintf(`
		MERGE (a:Entity {key: $subject})
		MERGE (b:Entity {key: $object})
		MERGE (a)-[r:%s]->(b)
		ON CREATE SET
			r.created_at = $now,
			r.last_confirmed_at = $now,
			r.confidence = $confidence,
			r.evidence_ref = $evidence
		ON MATCH SET
			r.last_confirmed_at = $now,
			r.confidence = CASE WHEN $confidence > r.confidence THEN $confidence ELSE r.confidence END,
			r.evidence_ref = $evidence
		RETURN r`, relType)

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := neo4j.ExecuteQuery(callCtx, g.driver, query, map[string]any{
		"subject":    edge.Subject,
		"object":     edge.Object,
		"confidence": edge.Confidence,
		"evidence":   edge.EvidenceRef,
		"now":        time.Now().UnixMilli(),
	}, neo4j.EagerResultTransformer)
	if err != nil {
		return fmt.Errorf("failed to upsert edge %s-%s->%s: %w", edge.Subject, edge.Predicate, edge.Object, err)
	}
	return nil
}

// CurrentEdge returns the oldest live edge for (subject, predicate)
func (g *Neo4j) CurrentEdge(ctx context.Context, subject, predicate string) (*Edge, error) {
	relType := sanitizeIdentifier(predicate)
	query := fmt.Sprintf(`
		MATCH (a:Entity {key: $subject})-[r:%s]->(b)
		RETURN b.key AS object, r.confidence AS confidence,
		       r.evidence_ref AS evidence, r.created_at AS created_at,
		       r.last_confirmed_at AS last_confirmed_at
		ORDER BY r.created_at ASC
		LIMIT 1`, relType)

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := neo4j.ExecuteQuery(callCtx, g.driver, query, map[string]any{
		"subject": subject,
	}, neo4j.EagerResultTransformer)
	if err != nil {
		return nil, fmt.Errorf("failed to look up edge %s-%s: %w", subject, predicate, err)
	}
	if len(result.Records) == 0 {
		return nil, nil
	}

	return recordToEdge(result.Records[0].AsMap(), subject, predicate), nil
}

// EdgesFor returns all outgoing edges of the given subjects
func (g *Neo4j) EdgesFor(ctx context.Context, subjects []string) ([]Edge, error) {
	if len(subjects) == 0 {
		return nil, nil
	}

	query := `
		MATCH (a:Entity)-[r]->(b)
		WHERE a.key IN $subjects
		RETURN a.key AS subject, type(r) AS predicate, b.key AS object,
		       r.confidence AS confidence, r.evidence_ref AS evidence,
		       r.created_at AS created_at, r.last_confirmed_at AS last_confirmed_at
		ORDER BY created_at ASC`

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := neo4j.ExecuteQuery(callCtx, g.driver, query, map[string]any{
		"subjects": subjects,
	}, neo4j.EagerResultTransformer)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot edges: %w", err)
	}

	edges := make([]Edge, 0, len(result.Records))
	for _, rec := range result.Records {
		m := rec.AsMap()
		subject, _ := m["subject"].(string)
		predicate, _ := m["predicate"].(string)
		edges = append(edges, *recordToEdge(m, subject, predicate))
	}
	return edges, nil
}

// Neighbors returns nodes adjacent to key in either edge direction
func (g *Neo4j) Neighbors(ctx context.Context, key string, whitelist []string) ([]Neighbor, error) {
	types := make([]string, 0, len(whitelist))
	for _, w := range whitelist {
		types = append(types, sanitizeIdentifier(w))
	}

	query := `
		MATCH (a {key: $key})-[r]-(b)
		WHERE size($types) = 0 OR type(r) IN $types
		RETURN b.key AS key, labels(b) AS labels, type(r) AS predicate,
		       r.confidence AS confidence`

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := neo4j.ExecuteQuery(callCtx, g.driver, query, map[string]any{
		"key":   key,
		"types": types,
	}, neo4j.EagerResultTransformer)
	if err != nil {
		return nil, fmt.Errorf("failed to expand %s: %w", key, err)
	}

	neighbors := make([]Neighbor, 0, len(result.Records))
	for _, rec := range result.Records {
		m := rec.AsMap()
		n := Neighbor{}
		n.Key, _ = m["key"].(string)
		n.Predicate, _ = m["predicate"].(string)
		if conf, ok := m["confidence"].(float64); ok {
			n.Confidence = conf
		}
		if labels, ok := m["labels"].([]any); ok && len(labels) > 0 {
			n.Type, _ = labels[0].(string)
		}
		neighbors = append(neighbors, n)
	}
	return neighbors, nil
}

func recordToEdge(m map[string]any, subject, predicate string) *Edge {
	edge := &Edge{Subject: subject, Predicate: predicate}
	edge.Object, _ = m["object"].(string)
	edge.EvidenceRef, _ = m["evidence"].(string)
	if conf, ok := m["confidence"].(float64); ok {
		edge.Confidence = conf
	}
	if created, ok := m["created_at"].(int64); ok {
		edge.CreatedAt = time.UnixMilli(created)
	}
	if confirmed, ok := m["last_confirmed_at"].(int64); ok {
		edge.LastConfirmedAt = time.UnixMilli(confirmed)
	}
	return edge
}
