// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package fuse

import (
	"sort"
	"time"

	"github.com/deepmemory/deepmemory/internal/embeddings"
)

// DefaultRankConstant dampens the contribution of low-ranked hits
const DefaultRankConstant = 60

// Candidate is one ranked hit from a single retrieval source
type Candidate struct {
	ID        string
	Score     float64
	Timestamp time.Time
}

// SourceList is the ordered output of one source, best first
type SourceList struct {
	Axis       embeddings.Axis
	Candidates []Candidate
}

// Fused is a candidate after rank fusion across all sources
type Fused struct {
	ID        string
	Score     float64
	Sources   []embeddings.Axis
	Timestamp time.Time
}

// Options configures the fusion stage
type Options struct {
	RankConstant  int
	AxisWeights   map[embeddings.Axis]float64
	MaxCandidates int
}

// DefaultOptions returns the production weighting. Graph traversal
// results are folded in under the topical weight by the caller.
func DefaultOptions() Options {
	return Options{
		RankConstant: DefaultRankConstant,
		AxisWeights: map[embeddings.Axis]float64{
			embeddings.AxisTopical:   0.35,
			embeddings.AxisAffective: 0.25,
			embeddings.AxisStrategic: 0.25,
			embeddings.AxisTemporal:  0.15,
		},
		MaxCandidates: 100,
	}
}

// Fuse merges per-source ranked lists with weighted reciprocal rank
// fusion: score(c) = sum over sources of weight / (K + rank). Candidates
// surfaced by several sources accumulate score, so convergent evidence
// outranks any single strong hit. An empty list (a source that timed out
// or returned nothing) simply contributes no terms.
func Fuse(lists []SourceList, opts Options) []Fused {
	if opts.RankConstant <= 0 {
		opts.RankConstant = DefaultRankConstant
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = 100
	}

	merged := make(map[string]*Fused)
	for _, list := range lists {
		weight, ok := opts.AxisWeights[list.Axis]
		if !ok || weight <= 0 {
			continue
		}
		for rank, candidate := range list.Candidates {
			contribution := weight / float64(opts.RankConstant+rank+1)
			entry, seen := merged[candidate.ID]
			if !seen {
				entry = &Fused{ID: candidate.ID, Timestamp: candidate.Timestamp}
				merged[candidate.ID] = entry
			}
			entry.Score += contribution
			entry.Sources = append(entry.Sources, list.Axis)
			if candidate.Timestamp.After(entry.Timestamp) {
				entry.Timestamp = candidate.Timestamp
			}
		}
	}

	fused := make([]Fused, 0, len(merged))
	for _, entry := range merged {
		fused = append(fused, *entry)
	}

	// Equal scores break toward the more recent candidate, then by ID
	// so ordering stays deterministic
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		if !fused[i].Timestamp.Equal(fused[j].Timestamp) {
			return fused[i].Timestamp.After(fused[j].Timestamp)
		}
		return fused[i].ID < fused[j].ID
	})

	if len(fused) > opts.MaxCandidates {
		fused = fused[:opts.MaxCandidates]
	}
	return fused
}

// GraphList adapts graph traversal visits into a ranked source list.
// Shallower visits rank higher; the caller assigns the list an axis
// whose weight it should borrow.
func GraphList(axis embeddings.Axis, ids []string) SourceList {
	candidates := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		candidates = append(candidates, Candidate{ID: id})
	}
	return SourceList{Axis: axis, Candidates: candidates}
}
