package pty

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tuzig/vt10x"

	"github.com/aviary-dev/aviary/internal/term"
)

// ErrIdleTimeout is returned by WaitForIdle when the deadline passes
// before the agent settles.
var ErrIdleTimeout = errors.New("timed out waiting for agent to become idle")

// IdleConfig tunes the idle detector.
type IdleConfig struct {
	// MinSilence is the hard gate: an agent is never idle while output
	// arrived more recently than this.
	MinSilence time.Duration
	// Threshold is the confidence an idle verdict requires, in [0,1].
	Threshold float64
	// Poll is the re-check interval used by WaitForIdle.
	Poll time.Duration
	// UseProcState enables the /proc scheduler-state signal (Linux only).
	UseProcState bool
	// PromptPatterns override the built-in prompt heuristics. Matched
	// against the bottom-most non-blank virtual terminal row.
	PromptPatterns []*regexp.Regexp
}

func (c *IdleConfig) applyDefaults() {
	if c.MinSilence <= 0 {
		c.MinSilence = 1500 * time.Millisecond
	}
	if c.Threshold <= 0 {
		c.Threshold = 0.7
	}
	if c.Poll <= 0 {
		c.Poll = 250 * time.Millisecond
	}
	if len(c.PromptPatterns) == 0 {
		c.PromptPatterns = defaultPromptPatterns
	}
}

// defaultPromptPatterns match the resting input line of the common
// interactive coding CLIs: a boxed "│ > " input field, or a bare shell
// style prompt ending the line.
var defaultPromptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[│|]\s*>`),
	regexp.MustCompile(`[>$#%❯›]\s*$`),
}

// DefaultPromptPatterns returns a copy of the built-in prompt
// heuristics, for callers that want to extend rather than replace them.
func DefaultPromptPatterns() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(defaultPromptPatterns))
	copy(out, defaultPromptPatterns)
	return out
}

// Signal is one weighted contribution to an idle verdict.
type Signal struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Score  float64 `json:"score"`
}

// IdleResult is a point-in-time idle verdict.
type IdleResult struct {
	Idle       bool          `json:"idle"`
	Confidence float64       `json:"confidence"`
	Silence    time.Duration `json:"silence"`
	Signals    []Signal      `json:"signals,omitempty"`
}

// IdleDetector decides whether an interactive agent is waiting for input.
// It combines output silence, the rendered screen state from a vt10x
// virtual terminal, the kernel scheduler state of the child process, and
// the recent absence of cursor-movement escape sequences.
//
// Silence below MinSilence is a hard gate regardless of the other
// signals; past the gate, the weighted sum of all signals is compared
// against the confidence threshold.
type IdleDetector struct {
	mu   sync.Mutex
	cfg  IdleConfig
	term vt10x.Terminal
	rows int
	cols int

	lastOutput  time.Time
	lastDrawing time.Time

	// pid is resolved lazily: the session sets it once the child starts.
	pid func() int

	now func() time.Time
}

// NewIdleDetector builds a detector with its own virtual terminal of the
// given dimensions. pid returns the child PID, or 0 while unknown.
func NewIdleDetector(cfg IdleConfig, cols, rows int, pid func() int) *IdleDetector {
	cfg.applyDefaults()
	if cols <= 0 {
		cols = 120
	}
	if rows <= 0 {
		rows = 30
	}
	if pid == nil {
		pid = func() int { return 0 }
	}
	now := time.Now()
	return &IdleDetector{
		cfg:         cfg,
		term:        vt10x.New(vt10x.WithSize(cols, rows)),
		cols:        cols,
		rows:        rows,
		lastOutput:  now,
		lastDrawing: now.Add(-time.Hour),
		pid:         pid,
		now:         time.Now,
	}
}

// Observe feeds one chunk of raw PTY output into the detector.
func (d *IdleDetector) Observe(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastOutput = d.now()
	_, _ = d.term.Write(data)
	if term.ContainsDrawingActivity(data) {
		d.lastDrawing = d.lastOutput
	}
}

// Resize adjusts the virtual terminal to the new PTY dimensions.
func (d *IdleDetector) Resize(cols, rows int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cols > 0 && rows > 0 {
		d.term.Resize(cols, rows)
		d.cols, d.rows = cols, rows
	}
}

// Check returns the current idle verdict.
func (d *IdleDetector) Check() IdleResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	silence := now.Sub(d.lastOutput)

	if silence < d.cfg.MinSilence {
		// Hard gate: confidence scales with how close we are, but the
		// verdict is always "busy".
		frac := float64(silence) / float64(d.cfg.MinSilence)
		return IdleResult{Idle: false, Confidence: 0.3 * frac, Silence: silence}
	}

	signals := []Signal{
		{Name: "silence", Weight: 0.4, Score: clamp01(float64(silence) / float64(3*d.cfg.MinSilence))},
		{Name: "prompt", Weight: 0.3, Score: d.promptScore()},
		{Name: "proc_state", Weight: 0.2, Score: d.procScore()},
		{Name: "screen_quiet", Weight: 0.1, Score: d.quietScore(now)},
	}

	confidence := 0.0
	for _, s := range signals {
		confidence += s.Weight * s.Score
	}

	return IdleResult{
		Idle:       confidence >= d.cfg.Threshold,
		Confidence: confidence,
		Silence:    silence,
		Signals:    signals,
	}
}

// WaitForIdle polls Check until the agent is idle, the timeout passes,
// or ctx is cancelled. On timeout the last verdict is returned with
// ErrIdleTimeout.
func (d *IdleDetector) WaitForIdle(ctx context.Context, timeout time.Duration) (IdleResult, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.cfg.Poll)
	defer ticker.Stop()

	last := d.Check()
	if last.Idle {
		return last, nil
	}
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			return last, ErrIdleTimeout
		case <-ticker.C:
			last = d.Check()
			if last.Idle {
				return last, nil
			}
		}
	}
}

// promptScore inspects the bottom-most non-blank row of the virtual
// screen for a resting input prompt.
func (d *IdleDetector) promptScore() float64 {
	line := d.bottomLine()
	if line == "" {
		return 0
	}
	for _, re := range d.cfg.PromptPatterns {
		if re.MatchString(line) {
			return 1
		}
	}
	return 0
}

func (d *IdleDetector) bottomLine() string {
	for row := d.rows - 1; row >= 0; row-- {
		var chars []rune
		for col := 0; col < d.cols; col++ {
			g := d.term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		line := strings.TrimRight(string(chars), " ")
		if strings.TrimSpace(line) != "" {
			return line
		}
	}
	return ""
}

// procScore reads the child's scheduler state: sleeping scores full,
// running scores zero, unknown is neutral.
func (d *IdleDetector) procScore() float64 {
	if !d.cfg.UseProcState {
		return 0.5
	}
	pid := d.pid()
	state, err := readProcState(pid)
	if err != nil {
		return 0.5
	}
	switch state {
	case 'S', 'I':
		return 1
	case 'R', 'D':
		return 0
	default:
		return 0.5
	}
}

// quietScore reports whether cursor-movement escapes have been absent
// for a while. The window is wider than the silence gate so a spinner
// that stopped just before the gate opened still reads as busy.
func (d *IdleDetector) quietScore(now time.Time) float64 {
	if now.Sub(d.lastDrawing) >= 2*d.cfg.MinSilence {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
