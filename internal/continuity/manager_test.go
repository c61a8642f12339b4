package continuity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviary-dev/aviary/internal/term"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := newTestStore(t)
	return NewManager(ManagerConfig{}, store, term.NewParser(term.ParserConfig{}), nil)
}

func saveMarker(body string) term.Marker {
	return term.Marker{Kind: term.MarkerContinuity, Verb: term.VerbSave, Body: body, Raw: "->continuity:save <<<" + body + ">>>"}
}

func TestDispatchSaveUpdatesLedger(t *testing.T) {
	m := newTestManager(t)
	_, err := m.store.Create("bob", "codex", "sess", "id-b")
	require.NoError(t, err)

	reply, err := m.Dispatch("bob", saveMarker("Current task: fix tests\n## Completed\n- relay wiring\n"))
	require.NoError(t, err)
	assert.Empty(t, reply)

	ledger, err := m.store.Load("bob")
	require.NoError(t, err)
	assert.Equal(t, "fix tests", ledger.CurrentTask)
	assert.Equal(t, []string{"relay wiring"}, ledger.Completed)
}

func TestDispatchSavePlaceholderOnlyLeavesLedgerUnchanged(t *testing.T) {
	m := newTestManager(t)
	_, err := m.store.Create("bob", "codex", "sess", "id-b")
	require.NoError(t, err)

	// All items are documentation placeholders.
	_, err = m.Dispatch("bob", saveMarker("Completed: task1, ..., [...]\n"))
	require.NoError(t, err)

	ledger, err := m.store.Load("bob")
	require.NoError(t, err)
	assert.Empty(t, ledger.Completed)
	assert.Empty(t, ledger.CurrentTask)
}

func TestDispatchDeduplicatesRedraws(t *testing.T) {
	m := newTestManager(t)
	_, err := m.store.Create("bob", "codex", "sess", "id-b")
	require.NoError(t, err)

	marker := saveMarker("## Completed\n- item one\n")
	_, err = m.Dispatch("bob", marker)
	require.NoError(t, err)
	_, err = m.Dispatch("bob", marker)
	require.NoError(t, err)

	ledger, err := m.store.Load("bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"item one"}, ledger.Completed)
}

func TestDispatchLoadReflectsSave(t *testing.T) {
	m := newTestManager(t)
	_, err := m.store.Create("bob", "codex", "sess", "id-b")
	require.NoError(t, err)

	_, err = m.Dispatch("bob", saveMarker("Current task: migrate store\n"))
	require.NoError(t, err)

	reply, err := m.Dispatch("bob", term.Marker{Kind: term.MarkerContinuity, Verb: term.VerbLoad, Raw: "->continuity:load"})
	require.NoError(t, err)
	assert.Contains(t, reply, "Current task: migrate store")
}

func TestDispatchLoadUnknownAgent(t *testing.T) {
	m := newTestManager(t)

	reply, err := m.Dispatch("ghost", term.Marker{Kind: term.MarkerContinuity, Verb: term.VerbLoad, Raw: "->continuity:load"})
	require.NoError(t, err)
	assert.Contains(t, reply, "no saved context")
}

func TestDispatchUncertain(t *testing.T) {
	m := newTestManager(t)
	_, err := m.store.Create("bob", "codex", "sess", "id-b")
	require.NoError(t, err)

	_, err = m.Dispatch("bob", term.Marker{
		Kind: term.MarkerContinuity, Verb: term.VerbUncertain,
		Item: "is the cache warm", Raw: `->continuity:uncertain "is the cache warm"`,
	})
	require.NoError(t, err)

	ledger, err := m.store.Load("bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"is the cache warm"}, ledger.UncertainItems)
}

func TestSearchRanksByRecency(t *testing.T) {
	m := newTestManager(t)

	older, err := m.store.Create("alice", "claude", "s1", "id-a")
	require.NoError(t, err)
	older.CurrentTask = "auth token refresh"
	older.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, m.store.Save("alice", older))

	newer, err := m.store.Create("bob", "codex", "s2", "id-b")
	require.NoError(t, err)
	newer.CurrentTask = "auth middleware"
	newer.UpdatedAt = time.Now().UTC()
	require.NoError(t, m.store.Save("bob", newer))

	reply, err := m.Dispatch("alice", term.Marker{
		Kind: term.MarkerContinuity, Verb: term.VerbSearch,
		Query: "auth", Raw: `->continuity:search "auth"`,
	})
	require.NoError(t, err)
	bobIdx := indexOf(reply, "== bob")
	aliceIdx := indexOf(reply, "== alice")
	require.GreaterOrEqual(t, bobIdx, 0)
	require.GreaterOrEqual(t, aliceIdx, 0)
	assert.Less(t, bobIdx, aliceIdx, "newer ledger should rank first:\n%s", reply)
}

func TestSearchNoMatches(t *testing.T) {
	m := newTestManager(t)

	reply, err := m.Dispatch("alice", term.Marker{
		Kind: term.MarkerContinuity, Verb: term.VerbSearch,
		Query: "nonexistent-topic", Raw: `->continuity:search "nonexistent-topic"`,
	})
	require.NoError(t, err)
	assert.Contains(t, reply, "no matches")
}

func TestApplySummaryMergesLedger(t *testing.T) {
	m := newTestManager(t)
	_, err := m.store.Create("alice", "claude", "sess", "id-a")
	require.NoError(t, err)

	require.NoError(t, m.ApplySummary("alice", "Current task: refactor\nCompleted: login\n"))

	ledger, err := m.store.Load("alice")
	require.NoError(t, err)
	assert.Equal(t, "refactor", ledger.CurrentTask)
	assert.Equal(t, []string{"login"}, ledger.Completed)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
