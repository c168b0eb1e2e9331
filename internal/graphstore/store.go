// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package graphstore

import (
	"context"
	"time"
)

// Node is a typed graph entity
type Node struct {
	Type       string
	Key        string
	Properties map[string]any
}

// Edge is a typed, timestamped, confidence-weighted relationship.
// Identity is (Subject, Predicate, Object); re-observing an existing
// identity merges instead of duplicating.
type Edge struct {
	Subject         string
	Predicate       string
	Object          string
	Confidence      float64
	EvidenceRef     string
	CreatedAt       time.Time
	LastConfirmedAt time.Time
}

// Neighbor is one adjacent node together with the connecting edge
type Neighbor struct {
	Key        string
	Type       string
	Predicate  string
	Confidence float64
}

// Store is the relationship graph contract
type Store interface {
	// UpsertNode merges a node on (type, key)
	UpsertNode(ctx context.Context, nodeType, key string, properties map[string]any) error

	// UpsertEdge merges an edge on (subject, predicate, object). The
	// merge refreshes last_confirmed_at and keeps the highest observed
	// confidence; it never creates a duplicate edge.
	UpsertEdge(ctx context.Context, edge Edge) error

	// CurrentEdge returns the oldest live edge for (subject, predicate),
	// or nil when none exists. The oldest edge is the current value: a
	// conflicting newer observation never displaces it implicitly.
	CurrentEdge(ctx context.Context, subject, predicate string) (*Edge, error)

	// EdgesFor returns all outgoing edges of the given subjects. Used to
	// snapshot existing knowledge before conflict detection.
	EdgesFor(ctx context.Context, subjects []string) ([]Edge, error)

	// Neighbors returns nodes adjacent to key, optionally restricted to
	// a predicate whitelist. Both edge directions count as adjacency.
	Neighbors(ctx context.Context, key string, whitelist []string) ([]Neighbor, error)
}
