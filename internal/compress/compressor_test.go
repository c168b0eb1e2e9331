// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package compress

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/deepmemory/deepmemory/internal/llm"
	"github.com/deepmemory/deepmemory/internal/store"
)

// summarizerStub returns a fixed summary and records its prompts
type summarizerStub struct {
	summary string
	prompts []string
	err     error
}

func (s *summarizerStub) Generate(ctx context.Context, req llm.Request) (string, error) {
	s.prompts = append(s.prompts, req.Prompt)
	if s.err != nil {
		return "", s.err
	}
	return s.summary, nil
}

func setupCompressDB(t *testing.T) *gorm.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "compress_test.db")
	db, err := store.Connect(&store.Config{Type: "sqlite", SQLitePath: dbPath, LogLevel: gormlogger.Silent})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	require.NoError(t, MigrateLocks(db))
	return db
}

// seedConversation inserts a conversation whose utterances total roughly
// the requested token count
func seedConversation(t *testing.T, db *gorm.DB, tokens int) string {
	t.Helper()
	repos := store.NewRepos(db)
	conv := store.Conversation{ID: uuid.New().String(), Source: "test", Title: "compression test"}
	require.NoError(t, repos.Utterances.CreateConversation(&conv))

	// Each utterance is 400 runes, about 100 tokens
	chunk := strings.TrimSpace(strings.Repeat("word ", 80)) + " end"
	count := tokens / 100
	base := time.Now().Add(-time.Hour)
	var utterances []store.Utterance
	for i := 0; i < count; i++ {
		utterances = append(utterances, store.Utterance{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			Role:           "user",
			RawText:        chunk,
			ResolvedText:   chunk,
			Timestamp:      base.Add(time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, repos.Utterances.CreateBatch(utterances))
	return conv.ID
}

func smallTier() Tier {
	return Tier{
		SourceLevel:     store.LevelRaw,
		TargetLevel:     store.LevelSession,
		ThresholdTokens: 1000,
		Ratio:           10,
	}
}

func newTestCompressor(db *gorm.DB, client llm.Client) *Compressor {
	opts := DefaultOptions()
	opts.SessionThresholdTokens = 1000
	return NewCompressor(db, store.NewRepos(db).Summaries, client, NewLockManager(db, time.Minute), opts, nil)
}

func TestCompressBelowThresholdAccumulates(t *testing.T) {
	db := setupCompressDB(t)
	stub := &summarizerStub{summary: "short"}
	compressor := newTestCompressor(db, stub)
	scopeID := seedConversation(t, db, 500)

	state, err := compressor.State(scopeID, smallTier())
	require.NoError(t, err)
	assert.Equal(t, StateAccumulating, state)

	ran, err := compressor.Compress(context.Background(), scopeID, smallTier())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Empty(t, stub.prompts)
}

func TestCompressCreatesSummaryWithEvidence(t *testing.T) {
	db := setupCompressDB(t)
	stub := &summarizerStub{summary: strings.Repeat("summary text ", 30)}
	compressor := newTestCompressor(db, stub)
	scopeID := seedConversation(t, db, 2000)

	state, err := compressor.State(scopeID, smallTier())
	require.NoError(t, err)
	assert.Equal(t, StateThresholdReached, state)

	ran, err := compressor.Compress(context.Background(), scopeID, smallTier())
	require.NoError(t, err)
	assert.True(t, ran)

	latest, err := store.NewRepos(db).Summaries.Latest(scopeID, store.LevelSession)
	require.NoError(t, err)
	require.NotNil(t, latest)

	evidence := latest.GetEvidence()
	assert.NotEmpty(t, evidence)
	assert.Greater(t, latest.SourceTokenCount, latest.TokenCount)
	assert.Greater(t, latest.CompressionRatio, 1.0)

	require.Len(t, stub.prompts, 1)
	assert.Contains(t, stub.prompts[0], "names, numbers, and dates")
}

func TestCompressNeverDeletesSources(t *testing.T) {
	db := setupCompressDB(t)
	stub := &summarizerStub{summary: "condensed"}
	compressor := newTestCompressor(db, stub)
	scopeID := seedConversation(t, db, 2000)

	var before int64
	require.NoError(t, db.Model(&store.Utterance{}).Count(&before).Error)

	_, err := compressor.Compress(context.Background(), scopeID, smallTier())
	require.NoError(t, err)

	var after int64
	require.NoError(t, db.Model(&store.Utterance{}).Count(&after).Error)
	assert.Equal(t, before, after)
}

func TestCompressRejectsOversizedSummary(t *testing.T) {
	db := setupCompressDB(t)
	// Summary longer than source / ratio * sanity factor
	stub := &summarizerStub{summary: strings.Repeat("bloated output ", 200)}
	compressor := newTestCompressor(db, stub)
	scopeID := seedConversation(t, db, 2000)

	ran, err := compressor.Compress(context.Background(), scopeID, smallTier())
	assert.False(t, ran)
	require.ErrorIs(t, err, ErrSummaryOverBudget)

	latest, err := store.NewRepos(db).Summaries.Latest(scopeID, store.LevelSession)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestCompressOnlyNewMaterialAfterCycle(t *testing.T) {
	db := setupCompressDB(t)
	stub := &summarizerStub{summary: "condensed"}
	compressor := newTestCompressor(db, stub)
	scopeID := seedConversation(t, db, 2000)

	ran, err := compressor.Compress(context.Background(), scopeID, smallTier())
	require.NoError(t, err)
	require.True(t, ran)

	// Everything is summarized; the scope goes back to accumulating
	state, err := compressor.State(scopeID, smallTier())
	require.NoError(t, err)
	assert.Equal(t, StateAccumulating, state)

	ran, err = compressor.Compress(context.Background(), scopeID, smallTier())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestCompressScopesAreIndependent(t *testing.T) {
	db := setupCompressDB(t)
	stub := &summarizerStub{summary: "project digest"}
	compressor := newTestCompressor(db, stub)
	repos := store.NewRepos(db)

	seedSummary := func(scopeID, text string) {
		s := store.Summary{Level: store.LevelSession, ScopeID: scopeID, Text: text, TokenCount: 600}
		require.NoError(t, s.SetEvidence([]string{uuid.New().String()}))
		require.NoError(t, repos.Summaries.Create(&s))
	}
	// 600 tokens per scope; only pooled across scopes would they
	// cross the threshold
	seedSummary("scope-a", "ALPHA session content")
	seedSummary("scope-b", "BRAVO session content")

	tier := Tier{
		SourceLevel:     store.LevelSession,
		TargetLevel:     store.LevelProject,
		ThresholdTokens: 1000,
		Ratio:           10,
	}
	ran, err := compressor.Compress(context.Background(), "scope-a", tier)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Empty(t, stub.prompts)

	// With enough material of its own the scope compresses alone
	seedSummary("scope-a", "ALPHA continued")
	ran, err = compressor.Compress(context.Background(), "scope-a", tier)
	require.NoError(t, err)
	require.True(t, ran)
	require.Len(t, stub.prompts, 1)
	assert.Contains(t, stub.prompts[0], "ALPHA")
	assert.NotContains(t, stub.prompts[0], "BRAVO")

	latest, err := repos.Summaries.Latest("scope-b", store.LevelProject)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestCompressFoldsInPriorSummary(t *testing.T) {
	db := setupCompressDB(t)
	stub := &summarizerStub{summary: "updated digest"}
	compressor := newTestCompressor(db, stub)
	scopeID := seedConversation(t, db, 2000)

	prior := store.Summary{
		Level:      store.LevelSession,
		ScopeID:    scopeID,
		Text:       "earlier digest of this session",
		TokenCount: 7,
		CreatedAt:  time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, prior.SetEvidence([]string{uuid.New().String()}))
	require.NoError(t, store.NewRepos(db).Summaries.Create(&prior))

	ran, err := compressor.Compress(context.Background(), scopeID, smallTier())
	require.NoError(t, err)
	require.True(t, ran)
	require.Len(t, stub.prompts, 1)
	assert.Contains(t, stub.prompts[0], "Previous digest at this level")
	assert.Contains(t, stub.prompts[0], "earlier digest of this session")
}

func TestCompressContendedScopeBacksOff(t *testing.T) {
	db := setupCompressDB(t)
	stub := &summarizerStub{summary: "condensed"}
	compressor := newTestCompressor(db, stub)
	scopeID := seedConversation(t, db, 2000)

	locks := NewLockManager(db, time.Minute)
	acquired, err := locks.Acquire(scopeID, store.LevelSession, "other-holder")
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = compressor.Compress(context.Background(), scopeID, smallTier())
	require.ErrorIs(t, err, ErrLocked)

	state, err := compressor.State(scopeID, smallTier())
	require.NoError(t, err)
	assert.Equal(t, StateCompressing, state)
}

func TestLockExpiryAllowsReacquire(t *testing.T) {
	db := setupCompressDB(t)
	stale := ScopeLock{
		ScopeID:   "scope",
		Level:     store.LevelSession,
		Holder:    "stale-holder",
		ExpiresAt: time.Now().Add(-time.Second),
	}
	require.NoError(t, db.Create(&stale).Error)

	locks := NewLockManager(db, time.Minute)
	acquired, err := locks.Acquire("scope", store.LevelSession, "new-holder")
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestCompressSummarizerFailureKeepsState(t *testing.T) {
	db := setupCompressDB(t)
	stub := &summarizerStub{err: errors.New("model down")}
	compressor := newTestCompressor(db, stub)
	scopeID := seedConversation(t, db, 2000)

	ran, err := compressor.Compress(context.Background(), scopeID, smallTier())
	assert.False(t, ran)
	require.Error(t, err)

	latest, err := store.NewRepos(db).Summaries.Latest(scopeID, store.LevelSession)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("hi"))
	assert.Equal(t, 100, EstimateTokens(strings.Repeat("a", 400)))
}

func TestRenderAndParseDigest(t *testing.T) {
	summary := &store.Summary{
		Level:            store.LevelSession,
		ScopeID:          "conv-1",
		Text:             "The session covered planning and a schedule slip.",
		TokenCount:       12,
		SourceTokenCount: 120,
		CompressionRatio: 10,
		CreatedAt:        time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, summary.SetEvidence([]string{"u1", "u2"}))

	rendered, err := RenderDigest(summary)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rendered, "---\n"))
	assert.Contains(t, rendered, "level: L1")

	fm, body, err := ParseDigest(rendered)
	require.NoError(t, err)
	require.NotNil(t, fm)
	assert.Equal(t, store.LevelSession, fm.Level)
	assert.Equal(t, "conv-1", fm.ScopeID)
	assert.Equal(t, 2, fm.EvidenceCount)
	assert.Equal(t, summary.Text, body)
}

func TestParseDigestWithoutFrontmatter(t *testing.T) {
	fm, body, err := ParseDigest("plain text digest")
	require.NoError(t, err)
	assert.Nil(t, fm)
	assert.Equal(t, "plain text digest", body)
}

func TestTiersLadder(t *testing.T) {
	tiers := Tiers(DefaultOptions())
	require.Len(t, tiers, 3)
	assert.Equal(t, store.LevelRaw, tiers[0].SourceLevel)
	assert.Equal(t, store.LevelIdentity, tiers[2].TargetLevel)
	for i := 1; i < len(tiers); i++ {
		assert.Greater(t, tiers[i].ThresholdTokens, tiers[i-1].ThresholdTokens)
	}
}
