// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, Migrate(db))
	return db
}

func seedConversation(t *testing.T, repos *Repos) (string, string) {
	convID := uuid.NewString()
	require.NoError(t, repos.Utterances.CreateConversation(&Conversation{
		ID:     convID,
		Source: "manual",
		Title:  "planning chat",
	}))

	uttID := uuid.NewString()
	require.NoError(t, repos.Utterances.CreateBatch([]Utterance{{
		ID:             uttID,
		ConversationID: convID,
		Role:           "user",
		RawText:        "I met Ella and Jordy yesterday.",
		Timestamp:      time.Now(),
	}}))
	return convID, uttID
}

func TestSaveResolutionPreservesRawText(t *testing.T) {
	repos := NewRepos(setupTestDB(t))
	_, uttID := seedConversation(t, repos)

	u, err := repos.Utterances.Get(uttID)
	require.NoError(t, err)

	u.ResolvedText = "I met Ella and Jordy yesterday."
	require.NoError(t, repos.Utterances.SaveResolution(u))

	after, err := repos.Utterances.Get(uttID)
	require.NoError(t, err)
	assert.Equal(t, "I met Ella and Jordy yesterday.", after.RawText)
	assert.Equal(t, "I met Ella and Jordy yesterday.", after.ResolvedText)
}

func TestSaveResolutionRejectsRawTextMutation(t *testing.T) {
	repos := NewRepos(setupTestDB(t))
	_, uttID := seedConversation(t, repos)

	u, err := repos.Utterances.Get(uttID)
	require.NoError(t, err)

	u.RawText = "tampered"
	u.ResolvedText = "tampered"
	err = repos.Utterances.SaveResolution(u)
	assert.ErrorIs(t, err, ErrRawTextMutation)
}

func TestEntityTouchDeduplicates(t *testing.T) {
	repos := NewRepos(setupTestDB(t))
	now := time.Now()

	require.NoError(t, repos.Entities.Touch("Ella", "person", now))
	require.NoError(t, repos.Entities.Touch("ella", "person", now.Add(time.Hour)))
	require.NoError(t, repos.Entities.Touch("  Ella ", "person", now.Add(2*time.Hour)))

	entities, err := repos.Entities.All()
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, 3, entities[0].MentionCount)
	assert.Equal(t, "ella", entities[0].NormalizedName)

	// Same name, different type is a distinct entity
	require.NoError(t, repos.Entities.Touch("Ella", "project", now))
	entities, err = repos.Entities.All()
	require.NoError(t, err)
	assert.Len(t, entities, 2)
}

func TestConflictRequiresEvidence(t *testing.T) {
	repos := NewRepos(setupTestDB(t))

	err := repos.Conflicts.Create(&Conflict{
		Subject:   "Jordy",
		Predicate: "prefers_timeline",
		OldObject: "aggressive",
		NewObject: "conservative",
	})
	assert.ErrorIs(t, err, ErrMissingEvidence)
}

func TestConflictLifecycle(t *testing.T) {
	repos := NewRepos(setupTestDB(t))
	_, uttID := seedConversation(t, repos)

	c := &Conflict{
		Subject:             "Jordy",
		Predicate:           "prefers_timeline",
		OldObject:           "aggressive",
		NewObject:           "conservative",
		EvidenceUtteranceID: uttID,
	}
	require.NoError(t, repos.Conflicts.Create(c))
	assert.Equal(t, SeverityModerate, c.Severity) // default

	unresolved, err := repos.Conflicts.Unresolved()
	require.NoError(t, err)
	require.Len(t, unresolved, 1)

	require.NoError(t, repos.Conflicts.Resolve(c.ID, "user confirmed conservative"))

	unresolved, err = repos.Conflicts.Unresolved()
	require.NoError(t, err)
	assert.Empty(t, unresolved)

	// Double resolution is rejected
	assert.Error(t, repos.Conflicts.Resolve(c.ID, "again"))
}

func TestSummaryRequiresScopeLevelEvidence(t *testing.T) {
	repos := NewRepos(setupTestDB(t))

	err := repos.Summaries.Create(&Summary{ScopeID: "conv-1", Level: LevelSession, Text: "digest"})
	assert.ErrorIs(t, err, ErrMissingEvidence)

	err = repos.Summaries.Create(&Summary{Level: LevelSession, Text: "digest", EvidenceUtteranceIDs: `["u1"]`})
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestSummaryLatestPerLevel(t *testing.T) {
	repos := NewRepos(setupTestDB(t))

	mk := func(scope, level, text string, at time.Time) {
		s := &Summary{ScopeID: scope, Level: level, Text: text, CreatedAt: at}
		require.NoError(t, s.SetEvidence([]string{"u1"}))
		require.NoError(t, repos.Summaries.Create(s))
	}

	base := time.Now().Add(-time.Hour)
	mk("conv-1", LevelSession, "old session", base)
	mk("conv-1", LevelSession, "new session", base.Add(30*time.Minute))
	mk("proj-1", LevelProject, "project digest", base)
	mk("global", LevelIdentity, "identity digest", base)

	perLevel, err := repos.Summaries.LatestPerLevel([]string{"conv-1", "proj-1", "global"})
	require.NoError(t, err)

	require.NotNil(t, perLevel[LevelSession])
	assert.Equal(t, "new session", perLevel[LevelSession].Text)
	assert.Equal(t, "project digest", perLevel[LevelProject].Text)
	assert.Equal(t, "identity digest", perLevel[LevelIdentity].Text)
}

func TestProfileUpsertBumpsVersion(t *testing.T) {
	repos := NewRepos(setupTestDB(t))
	_, uttID := seedConversation(t, repos)

	p := &ProfileSection{
		Subject:             "Ella",
		Section:             "traits",
		Payload:             `{"schema_version":1,"traits":[{"name":"curious","strength":0.8}]}`,
		Confidence:          0.8,
		EvidenceUtteranceID: uttID,
	}
	require.NoError(t, repos.Profiles.Upsert(p))

	p2 := &ProfileSection{
		Subject:             "Ella",
		Section:             "traits",
		Payload:             `{"schema_version":1,"traits":[{"name":"curious","strength":0.9}]}`,
		Confidence:          0.9,
		EvidenceUtteranceID: uttID,
	}
	require.NoError(t, repos.Profiles.Upsert(p2))

	current, err := repos.Profiles.Get("Ella", "traits")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, 2, current.Version)
	assert.Contains(t, current.Payload, "0.9")
}

func TestCascadeDeleteConversation(t *testing.T) {
	db := setupTestDB(t)
	repos := NewRepos(db)
	convID, _ := seedConversation(t, repos)

	require.NoError(t, db.Exec("PRAGMA foreign_keys = ON").Error)
	require.NoError(t, db.Delete(&Conversation{}, "id = ?", convID).Error)

	utterances, err := repos.Utterances.ByConversation(convID)
	require.NoError(t, err)
	assert.Empty(t, utterances)
}
