package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aviary-dev/aviary/internal/common/fsutil"
	"github.com/aviary-dev/aviary/internal/common/logger"
)

// Likely crash causes, ordered roughly by diagnostic value.
const (
	CauseOOM         = "oom"
	CauseMemoryLeak  = "memory_leak"
	CauseSuddenSpike = "sudden_spike"
	CauseError       = "error"
	CauseSignal      = "signal"
	CauseUnknown     = "unknown"
)

// Confidence levels attached to a crash analysis.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

const historyFileName = "crash_history.json"

// MemoryContext summarises the sampler window at crash time.
type MemoryContext struct {
	PeakRSS  int64          `json:"peak_rss_bytes"`
	Baseline int64          `json:"baseline_rss_bytes"`
	Trend    string         `json:"trend"`
	Samples  []MemorySample `json:"samples,omitempty"`
}

// Analysis is the classifier's verdict for one crash.
type Analysis struct {
	LikelyCause     string   `json:"likely_cause"`
	Confidence      string   `json:"confidence"`
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations,omitempty"`
	RelatedIDs      []string `json:"related_ids,omitempty"`
}

// CrashRecord is one analysed crash, persisted to the bounded history.
type CrashRecord struct {
	ID         string        `json:"id"`
	AgentName  string        `json:"agent_name"`
	PID        int           `json:"pid"`
	CrashTime  time.Time     `json:"crash_time"`
	ExitCode   int           `json:"exit_code"`
	Signal     string        `json:"signal,omitempty"`
	Memory     MemoryContext `json:"memory"`
	OutputTail string        `json:"output_tail,omitempty"`
	Analysis   Analysis      `json:"analysis"`
}

// Pattern is a recurring cause for one agent.
type Pattern struct {
	AgentName string `json:"agent_name"`
	Cause     string `json:"cause"`
	Count     int    `json:"count"`
}

// Crash carries the raw facts handed to the analyser.
type Crash struct {
	AgentName  string
	PID        int
	ExitCode   int
	Signal     string
	OutputTail string
	Window     *memoryWindow
}

// Insights classifies crashes and keeps a bounded persistent history.
type Insights struct {
	mu      sync.Mutex
	path    string
	cap     int
	records []CrashRecord
	log     *logger.Logger
}

type historyFile struct {
	Records []CrashRecord `json:"records"`
}

// NewInsights loads (or initialises) the crash history under dataDir.
func NewInsights(dataDir string, cap int, log *logger.Logger) (*Insights, error) {
	if log == nil {
		log = logger.Default()
	}
	if cap <= 0 {
		cap = 1000
	}
	ins := &Insights{
		path: filepath.Join(dataDir, historyFileName),
		cap:  cap,
		log:  log.WithFields(zap.String("component", "supervisor.insights")),
	}
	raw, err := os.ReadFile(ins.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ins, nil
		}
		return nil, err
	}
	var file historyFile
	if err := json.Unmarshal(raw, &file); err != nil {
		// A corrupt history should not block supervision; start fresh.
		ins.log.Warn("crash history unreadable, starting empty", zap.Error(err))
		return ins, nil
	}
	ins.records = file.Records
	return ins, nil
}

// Analyze classifies a crash, records it, and persists the history.
func (i *Insights) Analyze(c Crash) CrashRecord {
	rec := CrashRecord{
		ID:         uuid.NewString(),
		AgentName:  c.AgentName,
		PID:        c.PID,
		CrashTime:  time.Now().UTC(),
		ExitCode:   c.ExitCode,
		Signal:     c.Signal,
		OutputTail: c.OutputTail,
	}
	if c.Window != nil {
		rec.Memory = MemoryContext{
			PeakRSS:  c.Window.peak(),
			Baseline: c.Window.baseline(),
			Trend:    c.Window.trend(),
			Samples:  tailSamples(c.Window.snapshot(), 20),
		}
	} else {
		rec.Memory.Trend = TrendUnknown
	}
	rec.Analysis = classify(c, rec.Memory)

	i.mu.Lock()
	rec.Analysis.RelatedIDs = i.relatedLocked(rec)
	i.records = append(i.records, rec)
	if len(i.records) > i.cap {
		i.records = i.records[len(i.records)-i.cap:]
	}
	i.persistLocked()
	i.mu.Unlock()

	i.log.Info("crash analysed",
		zap.String("agent", rec.AgentName),
		zap.String("cause", rec.Analysis.LikelyCause),
		zap.String("confidence", rec.Analysis.Confidence),
		zap.Int("exit_code", rec.ExitCode),
		zap.String("signal", rec.Signal))
	return rec
}

// Records returns a copy of the history, newest last.
func (i *Insights) Records() []CrashRecord {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]CrashRecord, len(i.records))
	copy(out, i.records)
	return out
}

// RecordsFor returns the history for one agent.
func (i *Insights) RecordsFor(agentName string) []CrashRecord {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []CrashRecord
	for _, r := range i.records {
		if r.AgentName == agentName {
			out = append(out, r)
		}
	}
	return out
}

// Patterns lists causes that recurred at least three times for an agent.
func (i *Insights) Patterns() []Pattern {
	i.mu.Lock()
	defer i.mu.Unlock()
	counts := map[string]int{}
	for _, r := range i.records {
		counts[r.AgentName+"\x00"+r.Analysis.LikelyCause]++
	}
	var out []Pattern
	for key, n := range counts {
		if n < 3 {
			continue
		}
		agent, cause, _ := strings.Cut(key, "\x00")
		out = append(out, Pattern{AgentName: agent, Cause: cause, Count: n})
	}
	return out
}

// HealthScore aggregates crash history into a 0..100 score. Memory
// failures weigh heavier than ordinary errors, and a recurring pattern
// costs extra.
func (i *Insights) HealthScore(agentName string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	score := 100
	causeCounts := map[string]int{}
	for _, r := range i.records {
		if r.AgentName != agentName {
			continue
		}
		causeCounts[r.Analysis.LikelyCause]++
		switch r.Analysis.LikelyCause {
		case CauseOOM:
			score -= 15
		case CauseMemoryLeak:
			score -= 10
		default:
			score -= 5
		}
	}
	for _, n := range causeCounts {
		if n >= 3 {
			score -= 8
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

// relatedLocked collects ids of prior crashes of the same agent with the
// same likely cause.
func (i *Insights) relatedLocked(rec CrashRecord) []string {
	var out []string
	for _, r := range i.records {
		if r.AgentName == rec.AgentName && r.Analysis.LikelyCause == rec.Analysis.LikelyCause {
			out = append(out, r.ID)
		}
	}
	if len(out) > 10 {
		out = out[len(out)-10:]
	}
	return out
}

func (i *Insights) persistLocked() {
	data, err := json.MarshalIndent(historyFile{Records: i.records}, "", "  ")
	if err != nil {
		i.log.Error("marshal crash history", zap.Error(err))
		return
	}
	if err := fsutil.WriteFileAtomic(i.path, data, 0o644); err != nil {
		i.log.Error("persist crash history", zap.Error(err))
	}
}

// classify maps exit status, output tail, and the memory window onto a
// likely cause.
func classify(c Crash, mem MemoryContext) Analysis {
	tail := strings.ToLower(c.OutputTail)
	// Signals surface either as syscall names or as Signal.String()
	// phrases like "killed" and "segmentation fault".
	sig := strings.ToLower(c.Signal)

	switch {
	case sig == "sigkill" || sig == "killed" || c.ExitCode == 137:
		return Analysis{
			LikelyCause: CauseOOM,
			Confidence:  ConfidenceHigh,
			Summary:     "process was killed, consistent with the kernel OOM killer",
			Recommendations: []string{
				"check dmesg for oom-killer entries",
				"raise the agent's memory limit or reduce concurrent agents",
			},
		}
	case strings.Contains(tail, "call_and_retry_last") || strings.Contains(tail, "javascript heap out of memory"):
		return Analysis{
			LikelyCause: CauseOOM,
			Confidence:  ConfidenceHigh,
			Summary:     "runtime reported heap exhaustion before exit",
			Recommendations: []string{
				"increase the runtime heap limit",
			},
		}
	case mem.Trend == TrendRising && mem.Baseline > 0 && mem.PeakRSS > mem.Baseline*3/2:
		return Analysis{
			LikelyCause: CauseMemoryLeak,
			Confidence:  ConfidenceMedium,
			Summary:     "resident memory grew steadily up to the crash",
			Recommendations: []string{
				"restart the agent periodically until the leak is found",
			},
		}
	case lastSampleSpiked(mem):
		return Analysis{
			LikelyCause: CauseSuddenSpike,
			Confidence:  ConfidenceMedium,
			Summary:     "resident memory more than doubled shortly before the crash",
		}
	case faultSignal(sig) || strings.Contains(tail, "segmentation fault"):
		return Analysis{
			LikelyCause: CauseError,
			Confidence:  ConfidenceHigh,
			Summary:     "process faulted on an invalid memory access",
		}
	case sig != "":
		return Analysis{
			LikelyCause: CauseSignal,
			Confidence:  ConfidenceMedium,
			Summary:     "process terminated by signal " + c.Signal,
		}
	case c.ExitCode != 0:
		return Analysis{
			LikelyCause: CauseError,
			Confidence:  ConfidenceLow,
			Summary:     "process exited non-zero without a clearer indicator",
		}
	default:
		return Analysis{
			LikelyCause: CauseUnknown,
			Confidence:  ConfidenceLow,
			Summary:     "no failure indicators found",
		}
	}
}

func faultSignal(sig string) bool {
	switch sig {
	case "sigsegv", "segmentation fault", "sigill", "illegal instruction", "sigbus", "bus error":
		return true
	}
	return false
}

func lastSampleSpiked(mem MemoryContext) bool {
	if mem.Baseline <= 0 || len(mem.Samples) == 0 {
		return false
	}
	return mem.Samples[len(mem.Samples)-1].RSS > mem.Baseline*2
}

func tailSamples(samples []MemorySample, n int) []MemorySample {
	if len(samples) <= n {
		return samples
	}
	return samples[len(samples)-n:]
}
