// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deepmemory/deepmemory/internal/embeddings"
	"github.com/deepmemory/deepmemory/internal/fuse"
	"github.com/deepmemory/deepmemory/internal/graphstore"
	"github.com/deepmemory/deepmemory/internal/llm"
	"github.com/deepmemory/deepmemory/internal/store"
	"github.com/deepmemory/deepmemory/internal/vectorindex"
)

// GraphSourceName identifies the graph leg in degradation reports
const GraphSourceName = "graph"

// Hints let a caller steer retrieval without changing the query
type Hints struct {
	Entities   []string
	MaxResults int
}

// Item is one retrieved memory with its provenance
type Item struct {
	UtteranceID        string            `json:"utterance_id"`
	ConversationID     string            `json:"conversation_id"`
	Role               string            `json:"role"`
	Text               string            `json:"text"`
	Score              float64           `json:"score"`
	Sources            []embeddings.Axis `json:"sources"`
	Timestamp          time.Time         `json:"timestamp"`
	CoreferenceWarning bool              `json:"coreference_warning,omitempty"`
}

// Response is the full retrieval result
type Response struct {
	Items            []Item                    `json:"items"`
	Summaries        map[string]*store.Summary `json:"summaries,omitempty"`
	Degraded         []string                  `json:"degraded,omitempty"`
	InsufficientData bool                      `json:"insufficient_data"`
}

// Options tunes the fan-out
type Options struct {
	TopKPerAxis     int
	MaxResults      int
	MaxGraphDepth   int
	FanoutTimeout   time.Duration
	ConfidenceFloor float64
	Fusion          fuse.Options
}

// DefaultOptions returns the production fan-out settings
func DefaultOptions() Options {
	return Options{
		TopKPerAxis:     25,
		MaxResults:      10,
		MaxGraphDepth:   3,
		FanoutTimeout:   4 * time.Second,
		ConfidenceFloor: 0.001,
		Fusion:          fuse.DefaultOptions(),
	}
}

type queryEntities struct {
	Entities []string `json:"entities"`
}

// Orchestrator runs retrieval end to end: extract query entities, fan
// out to every axis namespace and the graph in parallel, fuse the
// ranked lists, hydrate the winners. A slow or failing source degrades
// to an empty list; it never fails the whole retrieval.
type Orchestrator struct {
	embedder *embeddings.Service
	index    vectorindex.Index
	graph    graphstore.Store
	repos    *store.Repos
	client   llm.Client
	opts     Options
	logger   *logrus.Logger
}

// NewOrchestrator wires the retrieval fan-out
func NewOrchestrator(embedder *embeddings.Service, index vectorindex.Index, graph graphstore.Store, repos *store.Repos, client llm.Client, opts Options, logger *logrus.Logger) *Orchestrator {
	if opts.TopKPerAxis <= 0 {
		opts.TopKPerAxis = 25
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 10
	}
	if opts.MaxGraphDepth <= 0 {
		opts.MaxGraphDepth = 3
	}
	if opts.FanoutTimeout <= 0 {
		opts.FanoutTimeout = 4 * time.Second
	}
	if opts.Fusion.AxisWeights == nil {
		opts.Fusion = fuse.DefaultOptions()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Orchestrator{
		embedder: embedder,
		index:    index,
		graph:    graph,
		repos:    repos,
		client:   client,
		opts:     opts,
		logger:   logger,
	}
}

// Retrieve answers a query against everything the system remembers
func (o *Orchestrator) Retrieve(ctx context.Context, query string, hints Hints) (*Response, error) {
	if query == "" {
		return nil, fmt.Errorf("retrieval: empty query")
	}

	entities := o.extractEntities(ctx, query)
	if len(entities) == 0 {
		entities = hints.Entities
	}

	lists, degraded := o.fanOut(ctx, query, entities)
	fused := fuse.Fuse(lists, o.opts.Fusion)

	maxResults := hints.MaxResults
	if maxResults <= 0 {
		maxResults = o.opts.MaxResults
	}
	if len(fused) > maxResults {
		fused = fused[:maxResults]
	}

	response := &Response{Degraded: degraded}
	scopes := make(map[string]bool)
	for _, f := range fused {
		u, err := o.repos.Utterances.Get(f.ID)
		if err != nil {
			o.logger.WithError(err).WithField("utterance_id", f.ID).
				Warn("Fused candidate missing from store")
			continue
		}
		text := u.ResolvedText
		if text == "" {
			text = u.RawText
		}
		response.Items = append(response.Items, Item{
			UtteranceID:        u.ID,
			ConversationID:     u.ConversationID,
			Role:               u.Role,
			Text:               text,
			Score:              f.Score,
			Sources:            f.Sources,
			Timestamp:          u.Timestamp,
			CoreferenceWarning: u.CoreferenceWarning,
		})
		scopes[u.ConversationID] = true
	}

	if len(scopes) > 0 {
		scopeIDs := make([]string, 0, len(scopes))
		for id := range scopes {
			scopeIDs = append(scopeIDs, id)
		}
		sort.Strings(scopeIDs)
		summaries, err := o.repos.Summaries.LatestPerLevel(scopeIDs)
		if err != nil {
			o.logger.WithError(err).Warn("Failed to attach summaries")
		} else if len(summaries) > 0 {
			response.Summaries = summaries
		}
	}

	response.InsufficientData = len(response.Items) == 0 ||
		response.Items[0].Score < o.opts.ConfidenceFloor
	return response, nil
}

// extractEntities pulls entity names out of the query for the graph leg
func (o *Orchestrator) extractEntities(ctx context.Context, query string) []string {
	if o.client == nil {
		return nil
	}
	prompt := fmt.Sprintf(`List the named entities in this query.

Query: %s

Return JSON with:
{"entities": ["Name1", "Name2"]}

Return an empty list if there are none.`, query)

	var result queryEntities
	err := llm.GenerateStruct(ctx, o.client, llm.Request{Prompt: prompt, Mode: llm.ModeFast}, &result)
	if err != nil {
		o.logger.WithError(err).Debug("Query entity extraction failed; relying on hints")
		return nil
	}
	return result.Entities
}

// fanOut queries every axis namespace and the graph concurrently. Each
// leg runs under its own timeout and degrades to an empty list.
func (o *Orchestrator) fanOut(ctx context.Context, query string, entities []string) ([]fuse.SourceList, []string) {
	axes := embeddings.AllAxes()
	lists := make([]fuse.SourceList, len(axes)+1)
	failed := make([]bool, len(axes)+1)

	var wg sync.WaitGroup
	for i, axis := range axes {
		wg.Add(1)
		go func(slot int, axis embeddings.Axis) {
			defer wg.Done()
			legCtx, cancel := context.WithTimeout(ctx, o.opts.FanoutTimeout)
			defer cancel()

			list, err := o.queryAxis(legCtx, axis, query)
			if err != nil {
				o.logger.WithError(err).WithField("axis", axis).
					Warn("Axis retrieval degraded to empty")
				lists[slot] = fuse.SourceList{Axis: axis}
				failed[slot] = true
				return
			}
			lists[slot] = list
		}(i, axis)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slot := len(axes)
		legCtx, cancel := context.WithTimeout(ctx, o.opts.FanoutTimeout)
		defer cancel()

		list, err := o.queryGraph(legCtx, entities)
		if err != nil {
			o.logger.WithError(err).Warn("Graph retrieval degraded to empty")
			lists[slot] = fuse.SourceList{Axis: embeddings.AxisTopical}
			failed[slot] = true
			return
		}
		lists[slot] = list
	}()
	wg.Wait()

	var degraded []string
	for i := range failed {
		if !failed[i] {
			continue
		}
		if i < len(axes) {
			degraded = append(degraded, string(axes[i]))
		} else {
			degraded = append(degraded, GraphSourceName)
		}
	}
	return lists, degraded
}

// queryAxis embeds the query on one axis and searches its namespace
func (o *Orchestrator) queryAxis(ctx context.Context, axis embeddings.Axis, query string) (fuse.SourceList, error) {
	vector, err := o.embedder.EmbedAxis(ctx, query, axis)
	if err != nil {
		return fuse.SourceList{}, fmt.Errorf("embedding query on %s: %w", axis, err)
	}
	matches, err := o.index.Query(ctx, string(axis), vector, o.opts.TopKPerAxis, nil)
	if err != nil {
		return fuse.SourceList{}, fmt.Errorf("querying %s namespace: %w", axis, err)
	}

	list := fuse.SourceList{Axis: axis}
	for _, m := range matches {
		list.Candidates = append(list.Candidates, fuse.Candidate{
			ID:        m.ID,
			Score:     float64(m.Score),
			Timestamp: m.Metadata.Timestamp,
		})
	}
	return list, nil
}

// queryGraph walks the relationship graph out from the query entities
// and ranks edge evidence by traversal depth. The resulting list borrows
// the topical weight in fusion.
func (o *Orchestrator) queryGraph(ctx context.Context, entities []string) (fuse.SourceList, error) {
	if len(entities) == 0 || o.graph == nil {
		return fuse.SourceList{Axis: embeddings.AxisTopical}, nil
	}

	visits, err := graphstore.Traverse(ctx, o.graph, entities, nil, o.opts.MaxGraphDepth)
	if err != nil {
		return fuse.SourceList{}, fmt.Errorf("graph traversal: %w", err)
	}

	// The query entities themselves are depth 0
	keys := make([]string, 0, len(entities)+len(visits))
	depth := make(map[string]int, len(entities)+len(visits))
	for _, e := range entities {
		keys = append(keys, e)
		depth[e] = 0
	}
	for _, v := range visits {
		keys = append(keys, v.Key)
		depth[v.Key] = v.Depth
	}

	edges, err := o.graph.EdgesFor(ctx, keys)
	if err != nil {
		return fuse.SourceList{}, fmt.Errorf("edge snapshot: %w", err)
	}

	// Evidence utterances surface ordered by how close their subject
	// sits to the query entities
	sort.SliceStable(edges, func(i, j int) bool {
		return depth[edges[i].Subject] < depth[edges[j].Subject]
	})

	seen := make(map[string]bool)
	var ids []string
	for _, edge := range edges {
		if edge.EvidenceRef == "" || seen[edge.EvidenceRef] {
			continue
		}
		seen[edge.EvidenceRef] = true
		ids = append(ids, edge.EvidenceRef)
	}
	return fuse.GraphList(embeddings.AxisTopical, ids), nil
}
