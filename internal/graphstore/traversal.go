// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package graphstore

import (
	"context"
)

// maxTraversalDepth is a hard safety limit regardless of configuration
const maxTraversalDepth = 5

// Visit is one node reached during traversal, with the path of node keys
// that led to it (start key first)
type Visit struct {
	Key       string
	Type      string
	Predicate string
	Path      []string
	Depth     int
}

// NeighborSource is the subset of Store needed for traversal
type NeighborSource interface {
	Neighbors(ctx context.Context, key string, whitelist []string) ([]Neighbor, error)
}

// Traverse performs a breadth-first, depth-bounded walk from the start
// keys. Cycles are expected; a visited set guarantees each node is
// reached at most once per call, so the walk terminates on any graph.
func Traverse(ctx context.Context, source NeighborSource, startKeys []string, whitelist []string, maxDepth int) ([]Visit, error) {
	if maxDepth < 1 {
		maxDepth = 1
	}
	if maxDepth > maxTraversalDepth {
		maxDepth = maxTraversalDepth
	}

	type queueItem struct {
		key   string
		path  []string
		depth int
	}

	visited := make(map[string]bool)
	queue := make([]queueItem, 0, len(startKeys))
	for _, key := range startKeys {
		if key == "" || visited[key] {
			continue
		}
		visited[key] = true
		queue = append(queue, queueItem{key: key, path: []string{key}, depth: 0})
	}

	var visits []Visit
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return visits, err
		}

		current := queue[0]
		queue = queue[1:]

		if current.depth >= maxDepth {
			continue
		}

		neighbors, err := source.Neighbors(ctx, current.key, whitelist)
		if err != nil {
			// A failed expansion degrades that branch, not the whole walk
			continue
		}

		for _, n := range neighbors {
			if visited[n.Key] {
				continue
			}
			visited[n.Key] = true

			path := make([]string, len(current.path), len(current.path)+1)
			copy(path, current.path)
			path = append(path, n.Key)

			visits = append(visits, Visit{
				Key:       n.Key,
				Type:      n.Type,
				Predicate: n.Predicate,
				Path:      path,
				Depth:     current.depth + 1,
			})
			queue = append(queue, queueItem{key: n.Key, path: path, depth: current.depth + 1})
		}
	}

	return visits, nil
}
