package term

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinContinuationsReflowedCommand(t *testing.T) {
	lines := []string{
		"->relay:bob the build is green and",
		"   the deploy window opens at noon",
		"unrelated output",
	}
	joined := JoinContinuations(lines, "->relay:", "->continuity:")

	assert.Equal(t, []string{
		"->relay:bob the build is green and\nthe deploy window opens at noon",
		"unrelated output",
	}, joined)
}

func TestJoinContinuationsStopsAtBullet(t *testing.T) {
	lines := []string{
		"->continuity:save <<<",
		"   Completed: login",
		"  - a bullet ends the joining",
	}
	joined := JoinContinuations(lines, "->relay:", "->continuity:")

	assert.Equal(t, "->continuity:save <<<\nCompleted: login", joined[0])
	assert.Equal(t, "  - a bullet ends the joining", joined[1])
}

func TestJoinContinuationsStopsAtNewCommand(t *testing.T) {
	lines := []string{
		"->relay:bob part one",
		"   ->relay:carol separate message",
	}
	joined := JoinContinuations(lines, "->relay:")

	assert.Len(t, joined, 2)
}

func TestJoinContinuationsPlainLinesUntouched(t *testing.T) {
	lines := []string{"alpha", "  indented but no command above", "omega"}
	assert.Equal(t, lines, JoinContinuations(lines, "->relay:"))
}
