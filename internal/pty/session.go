package pty

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aviary-dev/aviary/internal/common/logger"
	"github.com/aviary-dev/aviary/internal/term"
)

// State is the lifecycle state of a PTY session.
type State string

const (
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateInjecting State = "injecting"
	StateStopping  State = "stopping"
	StateExited    State = "exited"
)

var (
	// ErrNotRunning is returned by writes against a session whose PTY is
	// gone or not yet started.
	ErrNotRunning = errors.New("session is not running")
	// ErrWriteTimeout is returned when a PTY write does not complete in
	// time; the child has likely stopped draining its input.
	ErrWriteTimeout = errors.New("pty write timed out")
	// ErrAlreadyStarted guards double Start calls.
	ErrAlreadyStarted = errors.New("session already started")
)

// Sink receives everything a session produces. Callbacks are invoked
// from the session's reader goroutine and must not block.
type Sink interface {
	// Output delivers one raw PTY chunk.
	Output(data []byte)
	// Marker delivers one deduplicated marker parsed from the output.
	Marker(m term.Marker)
	// Exited fires exactly once when the child process ends.
	Exited(code int, signal string, err error)
	// AuthRevoked fires at most once when the output matches the
	// provider's credential-revocation pattern.
	AuthRevoked(line string)
}

type nopSink struct{}

func (nopSink) Output([]byte)                {}
func (nopSink) Marker(term.Marker)           {}
func (nopSink) Exited(int, string, error)    {}
func (nopSink) AuthRevoked(string)           {}

// Config describes one agent session.
type Config struct {
	AgentID   string
	AgentName string

	Command []string
	Dir     string
	Env     map[string]string

	Term string
	Cols int
	Rows int

	BufferBytes   int
	WriteTimeout  time.Duration
	StopGrace     time.Duration
	EventLogDepth int

	// Parser extracts markers from the output stream. Required.
	Parser *term.Parser
	// AuthRevokedPattern, when set, is matched against stripped output
	// lines to detect credential revocation.
	AuthRevokedPattern *regexp.Regexp

	Idle IdleConfig

	Sink   Sink
	Logger *logger.Logger
}

func (c *Config) applyDefaults() {
	if c.Cols <= 0 {
		c.Cols = 120
	}
	if c.Rows <= 0 {
		c.Rows = 30
	}
	if c.BufferBytes <= 0 {
		c.BufferBytes = 64 * 1024
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.EventLogDepth <= 0 {
		c.EventLogDepth = 256
	}
	if c.Sink == nil {
		c.Sink = nopSink{}
	}
	if c.Parser == nil {
		c.Parser = term.NewParser(term.ParserConfig{})
	}
	if c.Logger == nil {
		c.Logger = logger.Default()
	}
}

// MarkerEvent is one entry of the session's bounded structured event log,
// kept for post-mortem inspection of what the parser saw and emitted.
type MarkerEvent struct {
	Time  time.Time `json:"time"`
	Kind  string    `json:"kind"`
	Raw   string    `json:"raw"`
	Deduped bool    `json:"deduped,omitempty"`
}

// parseWindowBytes bounds the rolling raw-output window the marker
// parser runs over. Large enough for a full fenced block plus TUI
// redraw noise.
const parseWindowBytes = 8192

// Session supervises one interactive CLI agent inside a pseudo-terminal:
// it owns the child process, buffers its output, answers terminal
// queries the way a real terminal would, and runs the marker parser
// over a rolling window of the stream.
type Session struct {
	cfg    Config
	log    *logger.Logger

	mu     sync.Mutex
	state  State
	cmd    *exec.Cmd
	ptmx   PtyHandle
	exitCode int
	exitSignal string

	buffer *ringBuffer
	idle   *IdleDetector

	// Marker pipeline state, touched only by the reader goroutine.
	window      string
	seen        *boundedSet
	lastSummary string
	sessionEnded bool
	authRevoked  bool

	eventMu  sync.Mutex
	events   []MarkerEvent

	idleSuppressed atomic.Bool

	started    bool
	stopOnce   sync.Once
	stopSignal chan struct{}
	waitDone   chan struct{}
}

// NewSession builds a session; the child is not spawned until Start.
func NewSession(cfg Config) *Session {
	cfg.applyDefaults()
	s := &Session{
		cfg:        cfg,
		log:        cfg.Logger.WithFields(zap.String("component", "pty_session"), zap.String("agent_id", cfg.AgentID), zap.String("agent_name", cfg.AgentName)),
		state:      StateStarting,
		buffer:     newRingBuffer(cfg.BufferBytes),
		seen:       newBoundedSet(128),
		stopSignal: make(chan struct{}),
		waitDone:   make(chan struct{}),
	}
	s.idle = NewIdleDetector(cfg.Idle, cfg.Cols, cfg.Rows, s.PID)
	return s
}

// Start spawns the agent command inside a PTY and begins reading.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if len(s.cfg.Command) == 0 {
		s.mu.Unlock()
		return errors.New("command is required")
	}
	s.started = true
	s.mu.Unlock()

	if _, err := exec.LookPath(s.cfg.Command[0]); err != nil {
		return fmt.Errorf("agent binary %q not found: %w", s.cfg.Command[0], err)
	}

	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	if s.cfg.Dir != "" {
		cmd.Dir = s.cfg.Dir
	}
	cmd.Env = mergeEnv(s.cfg.Env, s.cfg.Term)
	// Do NOT set Setpgid when using a PTY, it conflicts with terminal
	// control. The PTY session handles process group management.

	ptmx, err := startPTYWithSize(cmd, s.cfg.Cols, s.cfg.Rows)
	if err != nil {
		return fmt.Errorf("failed to start pty: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.ptmx = ptmx
	s.state = StateRunning
	s.mu.Unlock()

	s.log.Info("agent session started",
		zap.Strings("command", s.cfg.Command),
		zap.String("working_dir", s.cfg.Dir),
		zap.Int("cols", s.cfg.Cols),
		zap.Int("rows", s.cfg.Rows),
		zap.Int("pid", s.PID()))

	go s.readOutput()
	go s.wait()
	return nil
}

// PID returns the child's process ID, or 0 before start / after exit.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning && s.idleSuppressed.Load() {
		return StateInjecting
	}
	return s.state
}

// Alive reports whether the child process is still running.
func (s *Session) Alive() bool {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	select {
	case <-s.waitDone:
		return false
	default:
		return true
	}
}

// ExitStatus returns the recorded exit code and signal after Alive turns
// false; zero values while the process lives.
func (s *Session) ExitStatus() (code int, signal string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.exitSignal
}

// Done is closed when the child process has been reaped.
func (s *Session) Done() <-chan struct{} { return s.waitDone }

// Idle exposes the session's idle detector.
func (s *Session) Idle() *IdleDetector { return s.idle }

// Output returns a copy of the buffered scrollback.
func (s *Session) Output() []byte { return s.buffer.Bytes() }

// OutputTail returns up to n trailing bytes of the scrollback.
func (s *Session) OutputTail(n int) []byte { return s.buffer.Tail(n) }

// Events returns a copy of the structured marker event log.
func (s *Session) Events() []MarkerEvent {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	out := make([]MarkerEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Write sends raw bytes to the agent's terminal. The write is bounded
// by the configured timeout so a wedged child cannot hang callers.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return ErrNotRunning
	}

	done := make(chan error, 1)
	go func() {
		_, err := ptmx.Write(data)
		done <- err
	}()

	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("pty write failed: %w", err)
		}
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	}
}

// Interrupt sends Ctrl-C to the agent.
func (s *Session) Interrupt() error {
	return s.Write([]byte{0x03})
}

// Resize changes the PTY dimensions and the idle detector's screen.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return ErrNotRunning
	}
	if err := ptmx.Resize(uint16(cols), uint16(rows)); err != nil {
		return err
	}
	s.idle.Resize(cols, rows)
	return nil
}

// beginInjection marks the session as injecting: output keeps flowing
// into the buffer and parser, but no longer resets the idle clock, so
// the echo of our own keystrokes cannot starve the injection engine.
func (s *Session) beginInjection() { s.idleSuppressed.Store(true) }
func (s *Session) endInjection()   { s.idleSuppressed.Store(false) }

// Stop terminates the session: close the PTY (the child receives
// SIGHUP), send SIGTERM, and escalate to SIGKILL after the grace
// period. Idempotent.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stopSignal)
	})

	s.mu.Lock()
	if s.state != StateExited {
		s.state = StateStopping
	}
	ptmx := s.ptmx
	cmd := s.cmd
	s.mu.Unlock()

	if ptmx != nil {
		_ = ptmx.Close()
	}

	if cmd != nil && cmd.Process != nil {
		_ = terminateProcess(cmd.Process)

		grace := time.NewTimer(s.cfg.StopGrace)
		defer grace.Stop()
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		case <-grace.C:
			s.log.Warn("agent did not exit within grace period, killing",
				zap.Duration("grace", s.cfg.StopGrace))
			_ = cmd.Process.Kill()
		case <-s.waitDone:
			// Exited cleanly.
		}
	}
	return nil
}

// Kill force-terminates the child immediately.
func (s *Session) Kill() error {
	s.stopOnce.Do(func() {
		close(s.stopSignal)
	})
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return ErrNotRunning
	}
	return cmd.Process.Kill()
}

func (s *Session) readOutput() {
	buf := make([]byte, 32768)

	for {
		select {
		case <-s.stopSignal:
			return
		default:
		}

		s.mu.Lock()
		ptmx := s.ptmx
		s.mu.Unlock()
		if ptmx == nil {
			return
		}

		n, err := ptmx.Read(buf)
		if n > 0 {
			s.processChunk(ptmx, buf[:n])
		}
		if err != nil {
			s.log.Debug("pty read ended", zap.Error(err))
			return
		}
	}
}

// processChunk handles one chunk of PTY output: answer terminal queries,
// buffer, feed the idle detector, and run the marker pipeline over the
// rolling window.
func (s *Session) processChunk(ptmx PtyHandle, data []byte) {
	s.respondToTerminalQueries(ptmx, data)

	s.buffer.Write(data)
	if !s.idleSuppressed.Load() {
		s.idle.Observe(data)
	} else {
		// Screen state still matters for the prompt signal.
		s.idle.mu.Lock()
		_, _ = s.idle.term.Write(data)
		s.idle.mu.Unlock()
	}
	s.cfg.Sink.Output(data)

	s.window = appendWindow(s.window, string(data), parseWindowBytes)
	s.scanWindow()
}

// respondToTerminalQueries sends synthetic terminal responses (DSR/DA1)
// to the PTY. Some CLIs query cursor position on startup with \e[6n and
// expect \e[row;colR back; without it they time out and exit.
func (s *Session) respondToTerminalQueries(ptmx PtyHandle, data []byte) {
	if containsDSRQuery(data) {
		if _, err := ptmx.Write([]byte("\x1b[1;1R")); err != nil {
			s.log.Debug("failed to respond to cursor position query", zap.Error(err))
		}
	}
	if containsDA1Query(data) {
		if _, err := ptmx.Write([]byte("\x1b[?1;2c")); err != nil {
			s.log.Debug("failed to respond to device attributes query", zap.Error(err))
		}
	}
}

// scanWindow strips terminal noise from the rolling window, rejoins
// wrapped marker lines, and emits every marker not already seen.
func (s *Session) scanWindow() {
	stripped := term.StripANSI(s.window)
	lines := strings.Split(stripped, "\n")
	joined := term.JoinContinuations(lines, s.cfg.Parser.Prefixes()...)
	text := strings.Join(joined, "\n")

	s.checkAuthRevocation(lines)

	for _, m := range s.cfg.Parser.Extract(text) {
		if s.shouldDrop(m) {
			continue
		}
		s.logMarker(m, false)
		s.cfg.Sink.Marker(m)
	}
}

// shouldDrop applies the per-session dedupe rules. TUI redraws replay
// the same screen content many times; every marker class has a guard.
func (s *Session) shouldDrop(m term.Marker) bool {
	switch m.Kind {
	case term.MarkerSummary:
		if m.Body == s.lastSummary {
			return true
		}
		s.lastSummary = m.Body
		return false
	case term.MarkerSessionEnd:
		if s.sessionEnded {
			return true
		}
		s.sessionEnded = true
		return false
	default:
		if s.seen.Has(m.DedupeKey()) {
			return true
		}
		s.seen.Add(m.DedupeKey())
		return false
	}
}

func (s *Session) checkAuthRevocation(lines []string) {
	if s.cfg.AuthRevokedPattern == nil || s.authRevoked {
		return
	}
	for _, line := range lines {
		if s.cfg.AuthRevokedPattern.MatchString(line) {
			s.authRevoked = true
			s.log.Warn("credential revocation detected", zap.String("line", strings.TrimSpace(line)))
			s.cfg.Sink.AuthRevoked(strings.TrimSpace(line))
			return
		}
	}
}

func (s *Session) logMarker(m term.Marker, deduped bool) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	s.events = append(s.events, MarkerEvent{
		Time:    time.Now().UTC(),
		Kind:    string(m.Kind),
		Raw:     m.Raw,
		Deduped: deduped,
	})
	if len(s.events) > s.cfg.EventLogDepth {
		s.events = s.events[len(s.events)-s.cfg.EventLogDepth:]
	}
}

// wait reaps the child and publishes the exit exactly once.
// cmd.Wait() is intentionally blocking: reaping is required to avoid
// zombies, and stuck processes are handled by Stop's kill escalation.
func (s *Session) wait() {
	defer close(s.waitDone)

	s.mu.Lock()
	cmd := s.cmd
	ptmx := s.ptmx
	s.mu.Unlock()

	exitCode, signalName, err := waitPtyProcess(cmd, ptmx)

	s.log.Info("agent session exited",
		zap.Int("exit_code", exitCode),
		zap.String("signal", signalName),
		zap.Error(err))

	s.mu.Lock()
	s.state = StateExited
	s.exitCode = exitCode
	s.exitSignal = signalName
	if s.ptmx != nil {
		_ = s.ptmx.Close()
		s.ptmx = nil
	}
	s.mu.Unlock()

	s.cfg.Sink.Exited(exitCode, signalName, err)
}

// appendWindow appends chunk to window keeping at most max bytes.
func appendWindow(window, chunk string, max int) string {
	if len(chunk) >= max {
		return chunk[len(chunk)-max:]
	}
	if len(window)+len(chunk) > max {
		window = window[len(window)+len(chunk)-max:]
	}
	return window + chunk
}

// boundedSet is a FIFO set used for marker dedupe keys.
type boundedSet struct {
	set   map[string]struct{}
	order []string
	cap   int
}

func newBoundedSet(cap int) *boundedSet {
	return &boundedSet{set: make(map[string]struct{}, cap), cap: cap}
}

func (b *boundedSet) Has(key string) bool {
	_, ok := b.set[key]
	return ok
}

func (b *boundedSet) Add(key string) {
	if _, ok := b.set[key]; ok {
		return
	}
	b.set[key] = struct{}{}
	b.order = append(b.order, key)
	if len(b.order) > b.cap {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.set, oldest)
	}
}
