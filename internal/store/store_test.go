package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/hub/internal/core"
)

// ============================================================================
// ATOMIC REPLACE
// ============================================================================

func TestWriteFileAtomicConcurrent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	inputs := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		payload := fmt.Sprintf(`{"writer":%d}`, i)
		inputs[payload] = true
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			require.NoError(t, WriteFileAtomic(path, []byte(p), 0o600))
		}(payload)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, json.Valid(data), "destination must be well-formed JSON")
	assert.True(t, inputs[string(data)], "content must match one of the inputs")

	// No temp residue after success.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp.")
	}
}

// ============================================================================
// INBOX
// ============================================================================

func newTestInbox(t *testing.T) *MessageStore {
	t.Helper()
	ms, err := NewMessageStore(t.TempDir())
	require.NoError(t, err)
	return ms
}

func msgTo(to, content string) core.Message {
	return core.Message{
		ID:        content,
		From:      "alice",
		To:        to,
		Kind:      core.KindMessage,
		Content:   content,
		Timestamp: time.Now(),
	}
}

func TestCountUnreadIsNonDestructive(t *testing.T) {
	ms := newTestInbox(t)
	require.NoError(t, ms.Append(msgTo("bob", "one")))
	require.NoError(t, ms.Append(msgTo("bob", "two")))

	assert.Equal(t, 2, ms.CountUnread("bob"))
	assert.Equal(t, 2, ms.CountUnread("bob"), "count twice must match")

	got := ms.GetAll("bob", 0, 0)
	require.Len(t, got, 2)
	flipped, err := ms.MarkAllRead("bob")
	require.NoError(t, err)
	assert.Equal(t, 2, flipped)

	assert.Equal(t, 0, ms.CountUnread("bob"))
}

func TestInboxSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ms, err := NewMessageStore(dir)
	require.NoError(t, err)
	require.NoError(t, ms.Append(msgTo("bob", "persisted")))

	reopened, err := NewMessageStore(dir)
	require.NoError(t, err)
	got := reopened.GetAll("bob", 0, 0)
	require.Len(t, got, 1)
	assert.Equal(t, "persisted", got[0].Content)
	assert.False(t, got[0].Read)
}

func TestInboxPagination(t *testing.T) {
	ms := newTestInbox(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, ms.Append(msgTo("bob", fmt.Sprintf("m%d", i))))
	}

	page := ms.GetAll("bob", 2, 1)
	require.Len(t, page, 2)
	assert.Equal(t, "m1", page[0].Content)
	assert.Equal(t, "m2", page[1].Content)

	assert.Nil(t, ms.GetAll("bob", 10, 99))
}

func TestArchiveOlderThan(t *testing.T) {
	ms := newTestInbox(t)

	old := msgTo("bob", "old")
	old.Timestamp = time.Now().AddDate(0, 0, -10)
	old.Read = true
	require.NoError(t, ms.Append(old))
	require.NoError(t, ms.Append(msgTo("bob", "fresh")))

	archived, err := ms.ArchiveOlderThan("bob", 7)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "old", archived[0].Content)

	remaining := ms.GetAll("bob", 0, 0)
	require.Len(t, remaining, 1)
	assert.Equal(t, "fresh", remaining[0].Content)
}

// ============================================================================
// HANDOFF JOURNAL
// ============================================================================

func TestJournalWriteLoadArchive(t *testing.T) {
	j, err := NewHandoffJournal(t.TempDir())
	require.NoError(t, err)

	msg := msgTo("bob", "handoff-1")
	msg.Kind = core.KindHandoff
	msg.Payload = &core.HandoffPayload{
		Goal:               "do the thing",
		AcceptanceCriteria: []string{"done"},
		RunCommands:        []string{"true"},
		BlockedBy:          []string{"none"},
	}
	require.NoError(t, j.Write(msg))

	loaded, err := j.Load("handoff-1")
	require.NoError(t, err)
	assert.Equal(t, "do the thing", loaded.Payload.Goal)

	require.NoError(t, j.Archive("handoff-1"))
	_, err = j.Load("handoff-1")
	assert.ErrorIs(t, err, ErrHandoffNotFound)

	// Archived file still exists under archive/.
	assert.ErrorIs(t, j.Archive("handoff-1"), ErrHandoffNotFound)
}

// ============================================================================
// KNOWLEDGE / FTS
// ============================================================================

func newTestKnowledge(t *testing.T) *KnowledgeStore {
	t.Helper()
	ks, err := OpenKnowledgeStore(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ks.Close() })
	return ks
}

func TestSanitizeFTSQuery(t *testing.T) {
	assert.Equal(t, `"build" "rest" "api"`, SanitizeFTSQuery("build rest api"))
	// Quoting neutralizes operator keywords: "OR" is a literal term.
	assert.Equal(t, `"drop" "OR" "tables"`, SanitizeFTSQuery(`drop" OR~ -- tables`+" -"))
	assert.Equal(t, "", SanitizeFTSQuery(`"" '' ( ) * ^`))
	assert.Equal(t, "", SanitizeFTSQuery("   "))
}

func TestKnowledgeSearch(t *testing.T) {
	ks := newTestKnowledge(t)
	ctx := context.Background()

	require.NoError(t, ks.Index(ctx, KnowledgeEntry{
		ID: "k1", Category: CategoryHandoff, Title: "Build REST API",
		Content: "endpoints respond with JSON", AccountName: "codex",
	}))
	require.NoError(t, ks.Index(ctx, KnowledgeEntry{
		ID: "k2", Category: CategoryDecisionNote, Title: "Schema migration",
		Content: "moved to WAL mode", AccountName: "claude",
	}))

	hits, err := ks.Search(ctx, "endpoints", "", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "k1", hits[0].ID)

	hits, err = ks.Search(ctx, "endpoints", CategoryDecisionNote, 10)
	require.NoError(t, err)
	assert.Empty(t, hits, "category filter must apply")

	// Degenerate query returns zero rows, never the corpus.
	hits, err = ks.Search(ctx, `"" * ( )`, "", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestKnowledgeUpdateKeepsFTSInSync(t *testing.T) {
	ks := newTestKnowledge(t)
	ctx := context.Background()

	require.NoError(t, ks.Index(ctx, KnowledgeEntry{
		ID: "k1", Category: CategoryMessage, Title: "alpha", Content: "first version",
	}))
	require.NoError(t, ks.Index(ctx, KnowledgeEntry{
		ID: "k1", Category: CategoryMessage, Title: "alpha", Content: "second revision",
	}))

	hits, err := ks.Search(ctx, "first", "", 10)
	require.NoError(t, err)
	assert.Empty(t, hits, "stale FTS row must be gone after update")

	hits, err = ks.Search(ctx, "revision", "", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestSessionsAndLinks(t *testing.T) {
	ks := newTestKnowledge(t)
	ctx := context.Background()

	require.NoError(t, ks.SaveSession(ctx, Session{ID: "s1", Name: "refactor", Account: "alice"}))
	require.NoError(t, ks.SaveSession(ctx, Session{ID: "s1", Name: "refactor-2", Account: "alice"}))

	sessions, err := ks.ListSessions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "refactor-2", sessions[0].Name)

	require.NoError(t, ks.AddLink(ctx, Link{ID: "l1", Account: "alice", URL: "https://example.com/pr/1"}))
}

func TestSearchLimitDefault(t *testing.T) {
	ks := newTestKnowledge(t)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		require.NoError(t, ks.Index(ctx, KnowledgeEntry{
			ID: fmt.Sprintf("k%d", i), Category: CategoryTaskEvent,
			Title: "shared term", Content: strings.Repeat("filler ", i+1),
		}))
	}
	hits, err := ks.Search(ctx, "shared", "", 0)
	require.NoError(t, err)
	assert.Len(t, hits, 20)
}
