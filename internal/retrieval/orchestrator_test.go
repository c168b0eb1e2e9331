// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package retrieval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormlogger "gorm.io/gorm/logger"

	"github.com/deepmemory/deepmemory/internal/embeddings"
	"github.com/deepmemory/deepmemory/internal/graphstore"
	"github.com/deepmemory/deepmemory/internal/llm"
	"github.com/deepmemory/deepmemory/internal/store"
	"github.com/deepmemory/deepmemory/internal/vectorindex"
)

type fakeEmbedClient struct{}

func (fakeEmbedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, 8), nil
}

func (fakeEmbedClient) GetModelInfo() embeddings.ModelInfo {
	return embeddings.ModelInfo{Name: "fake", Version: "1", Dimensions: 8}
}

// fakeIndex serves canned matches per namespace, with optional failure
// and blocking behavior
type fakeIndex struct {
	matches map[string][]vectorindex.Match
	failNS  map[string]bool
	blockNS map[string]bool
}

func (f *fakeIndex) EnsureNamespaces(ctx context.Context, namespaces []string) error { return nil }

func (f *fakeIndex) Upsert(ctx context.Context, namespace, id string, vector []float32, meta vectorindex.Metadata) error {
	return nil
}

func (f *fakeIndex) Query(ctx context.Context, namespace string, vector []float32, topK int, filter *vectorindex.Filter) ([]vectorindex.Match, error) {
	if f.blockNS[namespace] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.failNS[namespace] {
		return nil, errors.New("namespace unavailable")
	}
	return f.matches[namespace], nil
}

// fakeGraph serves a fixed adjacency and edge set
type fakeGraph struct {
	neighbors map[string][]graphstore.Neighbor
	edges     []graphstore.Edge
	fail      bool
}

func (g *fakeGraph) UpsertNode(ctx context.Context, nodeType, key string, properties map[string]any) error {
	return nil
}

func (g *fakeGraph) UpsertEdge(ctx context.Context, edge graphstore.Edge) error { return nil }

func (g *fakeGraph) CurrentEdge(ctx context.Context, subject, predicate string) (*graphstore.Edge, error) {
	return nil, nil
}

func (g *fakeGraph) EdgesFor(ctx context.Context, subjects []string) ([]graphstore.Edge, error) {
	if g.fail {
		return nil, errors.New("graph unavailable")
	}
	allowed := make(map[string]bool, len(subjects))
	for _, s := range subjects {
		allowed[s] = true
	}
	var out []graphstore.Edge
	for _, e := range g.edges {
		if allowed[e.Subject] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (g *fakeGraph) Neighbors(ctx context.Context, key string, whitelist []string) ([]graphstore.Neighbor, error) {
	if g.fail {
		return nil, errors.New("graph unavailable")
	}
	return g.neighbors[key], nil
}

type entityClient struct {
	response string
	err      error
}

func (c *entityClient) Generate(ctx context.Context, req llm.Request) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return c.response, nil
}

func match(id string, score float32) vectorindex.Match {
	return vectorindex.Match{ID: id, Score: score, Metadata: vectorindex.Metadata{UtteranceID: id}}
}

type fixture struct {
	orchestrator *Orchestrator
	repos        *store.Repos
	convID       string
	utterances   map[string]string // label -> id
}

// newFixture seeds utterances A..D plus a graph evidence utterance and
// wires an orchestrator over canned sources
func newFixture(t *testing.T, index *fakeIndex, graph *fakeGraph, client llm.Client) *fixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "retrieval_test.db")
	db, err := store.Connect(&store.Config{Type: "sqlite", SQLitePath: dbPath, LogLevel: gormlogger.Silent})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	require.NoError(t, embeddings.MigrateEmbeddings(db))

	repos := store.NewRepos(db)
	conv := store.Conversation{ID: uuid.New().String(), Source: "test", Title: "retrieval"}
	require.NoError(t, repos.Utterances.CreateConversation(&conv))

	labels := []string{"A", "B", "C", "D", "G"}
	ids := make(map[string]string, len(labels))
	base := time.Now().Add(-time.Hour)
	var rows []store.Utterance
	for i, label := range labels {
		id := uuid.New().String()
		ids[label] = id
		rows = append(rows, store.Utterance{
			ID:             id,
			ConversationID: conv.ID,
			Role:           "user",
			RawText:        "memory " + label,
			ResolvedText:   "memory " + label,
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
		})
	}
	require.NoError(t, repos.Utterances.CreateBatch(rows))

	opts := DefaultOptions()
	opts.FanoutTimeout = 100 * time.Millisecond
	service := embeddings.NewService(db, fakeEmbedClient{})
	orchestrator := NewOrchestrator(service, index, graph, repos, client, opts, nil)
	return &fixture{orchestrator: orchestrator, repos: repos, convID: conv.ID, utterances: ids}
}

func (f *fixture) id(label string) string { return f.utterances[label] }

func TestRetrieveFusesConvergentEvidence(t *testing.T) {
	var fx *fixture
	index := &fakeIndex{}
	fx = newFixture(t, index, &fakeGraph{}, nil)
	index.matches = map[string][]vectorindex.Match{
		string(embeddings.AxisTopical):   {match(fx.id("A"), 0.9), match(fx.id("B"), 0.8), match(fx.id("C"), 0.7)},
		string(embeddings.AxisAffective): {match(fx.id("B"), 0.9), match(fx.id("A"), 0.8), match(fx.id("D"), 0.7)},
		string(embeddings.AxisTemporal):  {match(fx.id("A"), 0.9), match(fx.id("C"), 0.8)},
	}

	response, err := fx.orchestrator.Retrieve(context.Background(), "what happened with the launch", Hints{})
	require.NoError(t, err)
	require.NotEmpty(t, response.Items)

	assert.Equal(t, fx.id("A"), response.Items[0].UtteranceID)
	assert.Equal(t, "memory A", response.Items[0].Text)
	assert.Len(t, response.Items[0].Sources, 3)
	assert.False(t, response.InsufficientData)
}

func TestRetrieveDegradedSourceDoesNotFail(t *testing.T) {
	var fx *fixture
	index := &fakeIndex{failNS: map[string]bool{string(embeddings.AxisStrategic): true}}
	fx = newFixture(t, index, &fakeGraph{}, nil)
	index.matches = map[string][]vectorindex.Match{
		string(embeddings.AxisTopical): {match(fx.id("A"), 0.9)},
	}

	response, err := fx.orchestrator.Retrieve(context.Background(), "launch status", Hints{})
	require.NoError(t, err)
	assert.Contains(t, response.Degraded, string(embeddings.AxisStrategic))
	require.Len(t, response.Items, 1)
	assert.Equal(t, fx.id("A"), response.Items[0].UtteranceID)
}

func TestRetrieveSlowSourceTimesOut(t *testing.T) {
	var fx *fixture
	index := &fakeIndex{blockNS: map[string]bool{string(embeddings.AxisAffective): true}}
	fx = newFixture(t, index, &fakeGraph{}, nil)
	index.matches = map[string][]vectorindex.Match{
		string(embeddings.AxisTopical): {match(fx.id("A"), 0.9)},
	}

	start := time.Now()
	response, err := fx.orchestrator.Retrieve(context.Background(), "launch status", Hints{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Contains(t, response.Degraded, string(embeddings.AxisAffective))
	require.Len(t, response.Items, 1)
}

func TestRetrieveGraphContributesEvidence(t *testing.T) {
	var fx *fixture
	graph := &fakeGraph{
		neighbors: map[string][]graphstore.Neighbor{
			"Ella": {{Key: "Acme", Type: "organization", Predicate: "works_at"}},
		},
	}
	index := &fakeIndex{}
	fx = newFixture(t, index, graph, &entityClient{response: `{"entities": ["Ella"]}`})
	graph.edges = []graphstore.Edge{
		{Subject: "Ella", Predicate: "works_at", Object: "Acme", EvidenceRef: fx.id("G")},
	}

	response, err := fx.orchestrator.Retrieve(context.Background(), "where does Ella work", Hints{})
	require.NoError(t, err)
	require.Len(t, response.Items, 1)
	assert.Equal(t, fx.id("G"), response.Items[0].UtteranceID)
}

func TestRetrieveEntityExtractionFailureUsesHints(t *testing.T) {
	var fx *fixture
	graph := &fakeGraph{}
	index := &fakeIndex{}
	fx = newFixture(t, index, graph, &entityClient{err: errors.New("model down")})
	graph.edges = []graphstore.Edge{
		{Subject: "Ella", Predicate: "works_at", Object: "Acme", EvidenceRef: fx.id("G")},
	}

	response, err := fx.orchestrator.Retrieve(context.Background(), "where does she work",
		Hints{Entities: []string{"Ella"}})
	require.NoError(t, err)
	require.Len(t, response.Items, 1)
	assert.Equal(t, fx.id("G"), response.Items[0].UtteranceID)
}

func TestRetrieveAttachesSummaries(t *testing.T) {
	var fx *fixture
	index := &fakeIndex{}
	fx = newFixture(t, index, &fakeGraph{}, nil)
	index.matches = map[string][]vectorindex.Match{
		string(embeddings.AxisTopical): {match(fx.id("A"), 0.9)},
	}

	summary := store.Summary{
		Level:   store.LevelSession,
		ScopeID: fx.convID,
		Text:    "The session covered launch planning.",
	}
	require.NoError(t, summary.SetEvidence([]string{fx.id("A")}))
	require.NoError(t, fx.repos.Summaries.Create(&summary))

	response, err := fx.orchestrator.Retrieve(context.Background(), "launch", Hints{})
	require.NoError(t, err)
	require.Contains(t, response.Summaries, store.LevelSession)
	assert.Equal(t, "The session covered launch planning.", response.Summaries[store.LevelSession].Text)
}

func TestRetrieveEmptyEverywhereFlagsInsufficientData(t *testing.T) {
	fx := newFixture(t, &fakeIndex{}, &fakeGraph{}, nil)

	response, err := fx.orchestrator.Retrieve(context.Background(), "anything at all", Hints{})
	require.NoError(t, err)
	assert.Empty(t, response.Items)
	assert.True(t, response.InsufficientData)
}

func TestRetrieveEmptyQueryRejected(t *testing.T) {
	fx := newFixture(t, &fakeIndex{}, &fakeGraph{}, nil)
	_, err := fx.orchestrator.Retrieve(context.Background(), "", Hints{})
	assert.Error(t, err)
}

func TestRetrieveRespectsMaxResults(t *testing.T) {
	var fx *fixture
	index := &fakeIndex{}
	fx = newFixture(t, index, &fakeGraph{}, nil)
	index.matches = map[string][]vectorindex.Match{
		string(embeddings.AxisTopical): {
			match(fx.id("A"), 0.9), match(fx.id("B"), 0.8),
			match(fx.id("C"), 0.7), match(fx.id("D"), 0.6),
		},
	}

	response, err := fx.orchestrator.Retrieve(context.Background(), "everything", Hints{MaxResults: 2})
	require.NoError(t, err)
	assert.Len(t, response.Items, 2)
}
