package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertAndGet(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, r.Upsert(AgentRecord{ID: "id-1", Name: "alice", Provider: "claude"}))

	rec, err := r.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "id-1", rec.ID)
	assert.Equal(t, "claude", rec.Provider)
	assert.False(t, rec.FirstSeen.IsZero())
}

func TestUpsertPreservesFirstSeenAndCounters(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, r.Upsert(AgentRecord{ID: "id-1", Name: "alice", Provider: "claude"}))
	require.NoError(t, r.RecordSent("alice"))
	first, err := r.Get("alice")
	require.NoError(t, err)

	require.NoError(t, r.Upsert(AgentRecord{ID: "id-1", Name: "alice", Provider: "codex"}))

	rec, err := r.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, first.FirstSeen, rec.FirstSeen)
	assert.Equal(t, uint64(1), rec.MessagesSent)
	assert.Equal(t, "codex", rec.Provider)
}

func TestCountersPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	r, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, r.Upsert(AgentRecord{ID: "id-1", Name: "alice"}))
	require.NoError(t, r.Upsert(AgentRecord{ID: "id-2", Name: "bob"}))
	require.NoError(t, r.RecordSent("alice"))
	require.NoError(t, r.RecordReceived("bob"))

	reopened, err := Open(dir, nil)
	require.NoError(t, err)

	alice, err := reopened.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), alice.MessagesSent)

	bob, err := reopened.Get("bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), bob.MessagesReceived)
}

func TestGetByID(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, r.Upsert(AgentRecord{ID: "id-9", Name: "carol"}))

	rec, err := r.GetByID("id-9")
	require.NoError(t, err)
	assert.Equal(t, "carol", rec.Name)

	_, err = r.GetByID("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemove(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, r.Upsert(AgentRecord{ID: "id-1", Name: "alice"}))

	require.NoError(t, r.Remove("alice"))
	_, err = r.Get("alice")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Remove("alice"), ErrNotFound)
}

func TestListSorted(t *testing.T) {
	r, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, r.Upsert(AgentRecord{ID: "1", Name: "zoe"}))
	require.NoError(t, r.Upsert(AgentRecord{ID: "2", Name: "alice"}))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alice", list[0].Name)
	assert.Equal(t, []string{"alice", "zoe"}, r.Names())
}
