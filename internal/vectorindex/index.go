// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package vectorindex

import (
	"context"
	"time"
)

// Metadata is the payload carried with every indexed vector. It is what
// a query gets back alongside the similarity score, and what filters
// apply to.
type Metadata struct {
	UtteranceID    string
	ConversationID string
	Entities       []string
	Timestamp      time.Time
	Importance     int
}

// Match is one ranked query result
type Match struct {
	ID       string
	Score    float32
	Metadata Metadata
}

// Filter restricts a namespace query. Zero values mean "no restriction".
type Filter struct {
	Entity        string
	Since         time.Time
	MinImportance int
}

// Index is the vector store contract. One namespace per embedding axis;
// similarity is cosine.
type Index interface {
	// EnsureNamespaces creates any missing namespaces
	EnsureNamespaces(ctx context.Context, namespaces []string) error

	// Upsert writes one vector with its metadata into a namespace
	Upsert(ctx context.Context, namespace, id string, vector []float32, meta Metadata) error

	// Query returns up to topK nearest neighbors in a namespace
	Query(ctx context.Context, namespace string, vector []float32, topK int, filter *Filter) ([]Match, error)
}
