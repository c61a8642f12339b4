package continuity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviary-dev/aviary/internal/term"
)

func TestMergeAppendsUniquely(t *testing.T) {
	l := &Ledger{AgentName: "alice", AgentID: "id-a"}
	now := time.Now().UTC()

	l.Merge(&term.LedgerUpdate{Completed: []string{"login", "signup"}}, now)
	l.Merge(&term.LedgerUpdate{Completed: []string{"login", "billing"}}, now.Add(time.Second))

	assert.Equal(t, []string{"login", "signup", "billing"}, l.Completed)
}

func TestMergeKeepsIdentity(t *testing.T) {
	l := &Ledger{AgentName: "alice", AgentID: "id-a"}
	l.Merge(&term.LedgerUpdate{CurrentTask: "ship"}, time.Now().UTC())

	assert.Equal(t, "alice", l.AgentName)
	assert.Equal(t, "id-a", l.AgentID)
}

func TestMergeUpdatedAtMonotonic(t *testing.T) {
	l := &Ledger{AgentName: "alice"}
	later := time.Now().UTC()
	earlier := later.Add(-time.Minute)

	l.Merge(&term.LedgerUpdate{CurrentTask: "one"}, later)
	l.Merge(&term.LedgerUpdate{CurrentTask: "two"}, earlier)

	assert.Equal(t, later, l.UpdatedAt)
	assert.Equal(t, "two", l.CurrentTask)
}

func TestMergeEmptyUpdateIsNoop(t *testing.T) {
	l := &Ledger{AgentName: "alice", CurrentTask: "keep me"}
	before := l.UpdatedAt

	l.Merge(&term.LedgerUpdate{}, time.Now().UTC())

	assert.Equal(t, "keep me", l.CurrentTask)
	assert.Equal(t, before, l.UpdatedAt)
}

func TestRenderBlockRoundTripsThroughParser(t *testing.T) {
	l := &Ledger{
		AgentName:   "alice",
		AgentID:     "id-a",
		CurrentTask: "refactor relay",
		Completed:   []string{"parser table tests"},
		InProgress:  []string{"relay queue bounds"},
	}

	rendered := l.RenderBlock(0)
	update := term.NewParser(term.ParserConfig{}).ParseSaveBlock(rendered)

	assert.Equal(t, "refactor relay", update.CurrentTask)
	assert.Equal(t, []string{"parser table tests"}, update.Completed)
	assert.Equal(t, []string{"relay queue bounds"}, update.InProgress)
}

func TestRenderBlockBoundsLists(t *testing.T) {
	l := &Ledger{AgentName: "alice"}
	for _, item := range []string{"a", "b", "c", "d"} {
		l.Completed = append(l.Completed, "done "+item)
	}

	rendered := l.RenderBlock(2)
	assert.NotContains(t, rendered, "done a")
	assert.Contains(t, rendered, "done c")
	assert.Contains(t, rendered, "done d")
}

func TestRenderBlockFileRefs(t *testing.T) {
	l := &Ledger{
		AgentName: "alice",
		FileContext: []term.FileRef{
			{Path: "internal/auth/session.go", StartLine: 42, EndLine: 88},
			{Path: "README.md"},
		},
	}

	rendered := l.RenderBlock(0)
	assert.Contains(t, rendered, "internal/auth/session.go:42-88")
	assert.Contains(t, rendered, "README.md")
	require.Contains(t, rendered, "Files:")
}
