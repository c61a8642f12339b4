package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInsights(t *testing.T) *Insights {
	t.Helper()
	ins, err := NewInsights(t.TempDir(), 0, nil)
	require.NoError(t, err)
	return ins
}

func windowWithRSS(values ...int64) *memoryWindow {
	w := newMemoryWindow(len(values))
	base := time.Now().Add(-time.Duration(len(values)) * time.Second)
	for i, v := range values {
		w.add(MemorySample{Time: base.Add(time.Duration(i) * time.Second), RSS: v})
	}
	return w
}

func TestAnalyzeSigkillClassifiedAsOOM(t *testing.T) {
	ins := newTestInsights(t)

	rec := ins.Analyze(Crash{
		AgentName: "worker-1",
		PID:       4242,
		ExitCode:  137,
		Signal:    "killed",
		Window:    windowWithRSS(100<<20, 200<<20, 400<<20, 800<<20),
	})

	assert.Equal(t, CauseOOM, rec.Analysis.LikelyCause)
	assert.Equal(t, ConfidenceHigh, rec.Analysis.Confidence)
	assert.Equal(t, TrendRising, rec.Memory.Trend)
	assert.Equal(t, int64(800<<20), rec.Memory.PeakRSS)
}

func TestAnalyzeHeapExhaustionInTail(t *testing.T) {
	ins := newTestInsights(t)

	rec := ins.Analyze(Crash{
		AgentName:  "worker-1",
		ExitCode:   134,
		OutputTail: "FATAL ERROR: CALL_AND_RETRY_LAST Allocation failed - JavaScript heap out of memory",
	})

	assert.Equal(t, CauseOOM, rec.Analysis.LikelyCause)
	assert.Equal(t, ConfidenceHigh, rec.Analysis.Confidence)
}

func TestAnalyzeRisingTrendClassifiedAsLeak(t *testing.T) {
	ins := newTestInsights(t)

	rec := ins.Analyze(Crash{
		AgentName: "worker-1",
		ExitCode:  1,
		Window:    windowWithRSS(100<<20, 110<<20, 180<<20, 220<<20),
	})

	assert.Equal(t, CauseMemoryLeak, rec.Analysis.LikelyCause)
	assert.Equal(t, ConfidenceMedium, rec.Analysis.Confidence)
}

func TestAnalyzeSegfaultClassifiedAsError(t *testing.T) {
	ins := newTestInsights(t)

	rec := ins.Analyze(Crash{
		AgentName: "worker-1",
		ExitCode:  139,
		Signal:    "segmentation fault",
	})

	assert.Equal(t, CauseError, rec.Analysis.LikelyCause)
	assert.Equal(t, ConfidenceHigh, rec.Analysis.Confidence)
}

func TestAnalyzeCleanExitUnknown(t *testing.T) {
	ins := newTestInsights(t)

	rec := ins.Analyze(Crash{AgentName: "worker-1"})
	assert.Equal(t, CauseUnknown, rec.Analysis.LikelyCause)
}

func TestRelatedIDsLinkSameCause(t *testing.T) {
	ins := newTestInsights(t)

	first := ins.Analyze(Crash{AgentName: "worker-1", ExitCode: 137})
	second := ins.Analyze(Crash{AgentName: "worker-1", ExitCode: 137})

	assert.Empty(t, first.Analysis.RelatedIDs)
	assert.Equal(t, []string{first.ID}, second.Analysis.RelatedIDs)
}

func TestPatternsRequireThreeOccurrences(t *testing.T) {
	ins := newTestInsights(t)

	ins.Analyze(Crash{AgentName: "worker-1", ExitCode: 137})
	ins.Analyze(Crash{AgentName: "worker-1", ExitCode: 137})
	assert.Empty(t, ins.Patterns())

	ins.Analyze(Crash{AgentName: "worker-1", ExitCode: 137})
	patterns := ins.Patterns()
	require.Len(t, patterns, 1)
	assert.Equal(t, Pattern{AgentName: "worker-1", Cause: CauseOOM, Count: 3}, patterns[0])
}

func TestHealthScorePenalties(t *testing.T) {
	ins := newTestInsights(t)

	assert.Equal(t, 100, ins.HealthScore("worker-1"))

	ins.Analyze(Crash{AgentName: "worker-1", ExitCode: 137})
	assert.Equal(t, 85, ins.HealthScore("worker-1"))

	ins.Analyze(Crash{AgentName: "worker-1", ExitCode: 1, Signal: "terminated"})
	assert.Equal(t, 80, ins.HealthScore("worker-1"))

	// Other agents do not affect the score.
	ins.Analyze(Crash{AgentName: "worker-2", ExitCode: 137})
	assert.Equal(t, 80, ins.HealthScore("worker-1"))
}

func TestHealthScoreClampedAtZero(t *testing.T) {
	ins := newTestInsights(t)
	for i := 0; i < 10; i++ {
		ins.Analyze(Crash{AgentName: "worker-1", ExitCode: 137})
	}
	assert.Equal(t, 0, ins.HealthScore("worker-1"))
}

func TestHistoryPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ins, err := NewInsights(dir, 0, nil)
	require.NoError(t, err)
	rec := ins.Analyze(Crash{AgentName: "worker-1", ExitCode: 137, Signal: "killed"})

	reopened, err := NewInsights(dir, 0, nil)
	require.NoError(t, err)
	records := reopened.Records()
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)
	assert.Equal(t, CauseOOM, records[0].Analysis.LikelyCause)
}

func TestHistoryBounded(t *testing.T) {
	ins, err := NewInsights(t.TempDir(), 3, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		ins.Analyze(Crash{AgentName: "worker-1", ExitCode: 1})
	}
	assert.Len(t, ins.Records(), 3)
}

func TestMemoryWindowTrend(t *testing.T) {
	assert.Equal(t, TrendUnknown, windowWithRSS(1, 2).trend())
	assert.Equal(t, TrendStable, windowWithRSS(100, 100, 101, 99).trend())
	assert.Equal(t, TrendRising, windowWithRSS(100, 100, 150, 160).trend())
	assert.Equal(t, TrendFalling, windowWithRSS(160, 150, 100, 100).trend())
}
