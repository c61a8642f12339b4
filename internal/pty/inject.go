package pty

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aviary-dev/aviary/internal/common/logger"
)

// ErrQueueFull is returned when a non-urgent message cannot displace
// anything in a full queue.
var ErrQueueFull = errors.New("injection queue is full")

// Message is one unit of text waiting to be typed into an agent's
// terminal. Rendered is the final on-screen form including any relay
// framing; the injector never rewrites it.
type Message struct {
	ID       string
	Rendered string
	Urgent   bool

	Attempts   int
	EnqueuedAt time.Time
}

// InjectorConfig tunes one agent's injection engine.
type InjectorConfig struct {
	QueueCap    int
	MaxAttempts int
	// Timeout bounds each idle wait before an attempt is charged.
	Timeout time.Duration
	// SubmitDelay separates typing the body from pressing enter, giving
	// TUI input boxes time to register the paste.
	SubmitDelay time.Duration
	// BackoffCap bounds the exponential retry backoff.
	BackoffCap time.Duration
	// BracketedPaste wraps the body in ESC[200~ / ESC[201~ so multi-line
	// bodies are not interpreted as individual submissions.
	BracketedPaste bool

	// Failed is invoked when a message exhausts its attempts or the
	// session dies with the message still queued. Optional.
	Failed func(msg Message, reason string)
}

func (c *InjectorConfig) applyDefaults() {
	if c.QueueCap <= 0 {
		c.QueueCap = 200
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.SubmitDelay <= 0 {
		c.SubmitDelay = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 2 * time.Second
	}
}

// Metrics counts injection outcomes for one agent.
type Metrics struct {
	mu               sync.Mutex
	total            uint64
	successFirstTry  uint64
	successWithRetry uint64
	failed           uint64
	dropped          uint64
	retries          uint64
	totalWait        time.Duration
	delivered        uint64
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Total            uint64  `json:"total"`
	SuccessFirstTry  uint64  `json:"success_first_try"`
	SuccessWithRetry uint64  `json:"success_with_retry"`
	Failed           uint64  `json:"failed"`
	Dropped          uint64  `json:"dropped"`
	Retries          uint64  `json:"retries"`
	AverageWaitMs    int64   `json:"average_wait_ms"`
	SuccessRate      float64 `json:"success_rate"`
}

func (m *Metrics) recordSuccess(attempts int, wait time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	m.delivered++
	m.totalWait += wait
	if attempts <= 1 {
		m.successFirstTry++
	} else {
		m.successWithRetry++
	}
}

func (m *Metrics) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	m.failed++
}

func (m *Metrics) recordDrop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

func (m *Metrics) recordRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := MetricsSnapshot{
		Total:            m.total,
		SuccessFirstTry:  m.successFirstTry,
		SuccessWithRetry: m.successWithRetry,
		Failed:           m.failed,
		Dropped:          m.dropped,
		Retries:          m.retries,
	}
	if m.delivered > 0 {
		snap.AverageWaitMs = (m.totalWait / time.Duration(m.delivered)).Milliseconds()
	}
	if m.total > 0 {
		snap.SuccessRate = float64(m.delivered) / float64(m.total)
	}
	return snap
}

// Injector types queued messages into a session's terminal, strictly
// one at a time, and only when the idle detector says the agent is
// waiting for input. Delivery order is FIFO per agent.
type Injector struct {
	session *Session
	cfg     InjectorConfig
	log     *logger.Logger
	metrics Metrics

	mu    sync.Mutex
	queue []*Message

	// notify wakes the run loop when work arrives; capacity 1 makes
	// Enqueue non-blocking.
	notify chan struct{}
}

// NewInjector builds the engine for one session. Call Run to start it.
func NewInjector(session *Session, cfg InjectorConfig, log *logger.Logger) *Injector {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Default()
	}
	return &Injector{
		session: session,
		cfg:     cfg,
		log: log.WithFields(
			zap.String("component", "injector"),
			zap.String("agent_id", session.cfg.AgentID)),
		notify: make(chan struct{}, 1),
	}
}

// Metrics returns the engine's counters.
func (in *Injector) Metrics() MetricsSnapshot { return in.metrics.Snapshot() }

// QueueDepth returns the number of waiting messages.
func (in *Injector) QueueDepth() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}

// Enqueue appends a message. When the queue is full the oldest
// non-urgent message is dropped to make room; a non-urgent newcomer is
// rejected outright if every queued message is urgent.
func (in *Injector) Enqueue(msg Message) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}

	in.mu.Lock()
	if len(in.queue) >= in.cfg.QueueCap {
		victim := -1
		for i, q := range in.queue {
			if !q.Urgent {
				victim = i
				break
			}
		}
		if victim < 0 && !msg.Urgent {
			in.mu.Unlock()
			in.metrics.recordDrop()
			return ErrQueueFull
		}
		if victim < 0 {
			victim = 0
		}
		dropped := in.queue[victim]
		in.queue = append(in.queue[:victim], in.queue[victim+1:]...)
		in.mu.Unlock()
		in.metrics.recordDrop()

		in.log.Warn("injection queue full, dropping oldest message",
			zap.String("dropped_id", dropped.ID),
			zap.Int("queue_cap", in.cfg.QueueCap))
		if in.cfg.Failed != nil {
			in.cfg.Failed(*dropped, "queue_overflow")
		}
		in.mu.Lock()
	}
	in.queue = append(in.queue, &msg)
	in.mu.Unlock()

	select {
	case in.notify <- struct{}{}:
	default:
	}
	return nil
}

// Run drains the queue until ctx is cancelled or the session exits.
// Undeliverable messages left at shutdown are reported as failed.
func (in *Injector) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			in.failRemaining("shutdown")
			return
		case <-in.session.Done():
			in.failRemaining("session_exited")
			return
		case <-in.notify:
		}
		in.drain(ctx)
	}
}

func (in *Injector) drain(ctx context.Context) {
	for {
		msg := in.peek()
		if msg == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-in.session.Done():
			return
		default:
		}

		res, err := in.session.Idle().WaitForIdle(ctx, in.cfg.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			in.chargeAttempt(msg, res)
			continue
		}

		if err := in.inject(msg); err != nil {
			in.log.Warn("injection write failed",
				zap.String("message_id", msg.ID),
				zap.Error(err))
			in.chargeAttempt(msg, res)
			continue
		}

		in.pop(msg)
		in.metrics.recordSuccess(msg.Attempts+1, time.Since(msg.EnqueuedAt))
		in.log.Debug("message injected",
			zap.String("message_id", msg.ID),
			zap.Int("attempts", msg.Attempts+1),
			zap.Float64("idle_confidence", res.Confidence),
			zap.Duration("queued_for", time.Since(msg.EnqueuedAt)))
	}
}

// inject performs the actual typing under the session's injection flag,
// so echoed output cannot reset the idle clock mid-write.
func (in *Injector) inject(msg *Message) error {
	in.session.beginInjection()
	defer in.session.endInjection()

	body := msg.Rendered
	if in.cfg.BracketedPaste {
		body = "\x1b[200~" + body + "\x1b[201~"
	}
	if err := in.session.Write([]byte(body)); err != nil {
		return err
	}
	time.Sleep(in.cfg.SubmitDelay)
	return in.session.Write([]byte("\r"))
}

// chargeAttempt counts one failed attempt and either drops the message
// or backs off before the next try.
func (in *Injector) chargeAttempt(msg *Message, last IdleResult) {
	msg.Attempts++
	if msg.Attempts >= in.cfg.MaxAttempts {
		in.pop(msg)
		in.metrics.recordFailure()
		in.log.Warn("message failed after max injection attempts",
			zap.String("message_id", msg.ID),
			zap.Int("attempts", msg.Attempts),
			zap.Float64("last_confidence", last.Confidence))
		if in.cfg.Failed != nil {
			in.cfg.Failed(*msg, "max_attempts")
		}
		return
	}

	in.metrics.recordRetry()
	backoff := time.Duration(1<<uint(msg.Attempts-1)) * 100 * time.Millisecond
	if backoff > in.cfg.BackoffCap {
		backoff = in.cfg.BackoffCap
	}
	time.Sleep(backoff)
}

func (in *Injector) peek() *Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.queue) == 0 {
		return nil
	}
	return in.queue[0]
}

func (in *Injector) pop(msg *Message) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for i, q := range in.queue {
		if q == msg {
			in.queue = append(in.queue[:i], in.queue[i+1:]...)
			return
		}
	}
}

func (in *Injector) failRemaining(reason string) {
	in.mu.Lock()
	remaining := in.queue
	in.queue = nil
	in.mu.Unlock()

	for _, msg := range remaining {
		in.metrics.recordFailure()
		if in.cfg.Failed != nil {
			in.cfg.Failed(*msg, reason)
		}
	}
	if len(remaining) > 0 {
		in.log.Info("failed undeliverable queued messages",
			zap.Int("count", len(remaining)),
			zap.String("reason", reason))
	}
}
