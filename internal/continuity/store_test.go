package continuity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviary-dev/aviary/internal/term"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(StoreConfig{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	return s
}

func TestCreateAndLoad(t *testing.T) {
	s := newTestStore(t)

	created, err := s.Create("alice", "claude", "sess-1", "id-1")
	require.NoError(t, err)
	assert.Equal(t, "id-1", created.AgentID)

	loaded, err := s.Load("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.AgentName)
	assert.Equal(t, "claude", loaded.CLI)
}

func TestCreatePreservesExistingAgentID(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Create("alice", "claude", "sess-1", "id-original")
	require.NoError(t, err)

	// Respawn with a new session must not mint a new identity.
	again, err := s.Create("alice", "claude", "sess-2", "id-should-be-ignored")
	require.NoError(t, err)
	assert.Equal(t, "id-original", again.AgentID)
	assert.Equal(t, "sess-2", again.SessionID)
}

func TestCreateRejectsUnusableNames(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Create("   ", "claude", "sess", "id")
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = s.Create("../../etc/passwd", "claude", "sess", "id")
	require.NoError(t, err)
	// Traversal characters are flattened, not honored.
	entries, err := os.ReadDir(s.cfg.Dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "..")
		assert.NotContains(t, e.Name(), "/")
	}
}

func TestSaveIsAtomicOnDisk(t *testing.T) {
	s := newTestStore(t)

	ledger, err := s.Create("alice", "claude", "sess", "id-1")
	require.NoError(t, err)
	ledger.CurrentTask = "refactor relay"
	require.NoError(t, s.Save("alice", ledger))

	file, err := ledgerFileName("alice")
	require.NoError(t, err)
	raw, err := os.ReadFile(filepath.Join(s.cfg.Dir, file))
	require.NoError(t, err)

	var reread Ledger
	require.NoError(t, json.Unmarshal(raw, &reread))
	assert.Equal(t, "refactor relay", reread.CurrentTask)
}

func TestUpdateMergesAndPreservesIdentity(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("alice", "claude", "sess", "id-1")
	require.NoError(t, err)

	ledger, err := s.Update("alice", &term.LedgerUpdate{
		CurrentTask: "ship relay",
		Completed:   []string{"login flow"},
	})
	require.NoError(t, err)
	assert.Equal(t, "id-1", ledger.AgentID)
	assert.Equal(t, "ship relay", ledger.CurrentTask)
	assert.Equal(t, []string{"login flow"}, ledger.Completed)
}

func TestAddToListIdempotent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("alice", "claude", "sess", "id-1")
	require.NoError(t, err)

	require.NoError(t, s.AddToList("alice", "completed", "wire parser"))
	require.NoError(t, s.AddToList("alice", "completed", "wire parser"))

	ledger, err := s.Load("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"wire parser"}, ledger.Completed)
}

func TestAddDecisionTimestamps(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("alice", "claude", "sess", "id-1")
	require.NoError(t, err)

	require.NoError(t, s.AddDecision("alice", "use cursor pagination"))

	ledger, err := s.Load("alice")
	require.NoError(t, err)
	require.Len(t, ledger.KeyDecisions, 1)
	assert.Equal(t, "use cursor pagination", ledger.KeyDecisions[0].Text)
	assert.False(t, ledger.KeyDecisions[0].Timestamp.IsZero())
}

func TestFindByAgentIDUsesIndex(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("alice", "claude", "sess", "id-1")
	require.NoError(t, err)

	ledger, err := s.FindByAgentID("id-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", ledger.AgentName)
}

func TestFindByAgentIDRecoversFromStaleIndex(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("alice", "claude", "sess", "id-1")
	require.NoError(t, err)

	// Poison the index: point the id at an agent with no ledger file.
	s.indexMu.Lock()
	s.index["id-1"] = "ghost"
	s.indexMu.Unlock()

	ledger, err := s.FindByAgentID("id-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", ledger.AgentName)

	// The fallback scan repaired the mapping.
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	assert.Equal(t, "alice", s.index["id-1"])
}

func TestRebuildIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(StoreConfig{Dir: dir}, nil)
	require.NoError(t, err)
	_, err = s.Create("alice", "claude", "sess", "id-1")
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, indexFileName)))

	reopened, err := NewStore(StoreConfig{Dir: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, reopened.RebuildIndex())

	ledger, err := reopened.FindByAgentID("id-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", ledger.AgentName)
}

func TestLockTimeout(t *testing.T) {
	s, err := NewStore(StoreConfig{Dir: t.TempDir(), LockTimeout: 300 * time.Millisecond}, nil)
	require.NoError(t, err)
	_, err = s.Create("alice", "claude", "sess", "id-1")
	require.NoError(t, err)

	mu, err := s.acquireLock("alice")
	require.NoError(t, err)

	_, err = s.Update("alice", &term.LedgerUpdate{CurrentTask: "blocked write"})
	assert.ErrorIs(t, err, ErrLockTimeout)

	mu.Unlock()
	_, err = s.Update("alice", &term.LedgerUpdate{CurrentTask: "unblocked write"})
	assert.NoError(t, err)
}

func TestLedgerFileNameStable(t *testing.T) {
	a, err := ledgerFileName("alice")
	require.NoError(t, err)
	b, err := ledgerFileName("alice")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := ledgerFileName("alice 2")
	require.NoError(t, err)
	assert.NotEqual(t, a, other)
}
