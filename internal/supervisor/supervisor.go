package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aviary-dev/aviary/internal/common/logger"
)

// Policy controls whether and how a crashed agent is restarted.
type Policy struct {
	AutoRestart        bool
	RestartOnCleanExit bool
	MaxRestarts        int
	BackoffWindow      time.Duration
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	ProbeInterval      time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxRestarts <= 0 {
		p.MaxRestarts = 5
	}
	if p.BackoffWindow <= 0 {
		p.BackoffWindow = time.Minute
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = time.Second
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = 30 * time.Second
	}
	if p.ProbeInterval <= 0 {
		p.ProbeInterval = 2 * time.Second
	}
	return p
}

// Decision is the supervisor's verdict after an agent exit.
type Decision struct {
	Restart         bool
	Backoff         time.Duration
	PermanentlyDead bool
	Reason          string
}

// Supervisor tracks restart history for one agent and applies the
// restart policy. The agent manager invokes Decide on every exit and
// acts on the returned decision.
type Supervisor struct {
	agentName string
	policy    Policy
	log       *logger.Logger

	mu              sync.Mutex
	restarts        []time.Time
	permanentlyDead bool
	now             func() time.Time
}

// New builds a supervisor for one named agent.
func New(agentName string, policy Policy, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Default()
	}
	return &Supervisor{
		agentName: agentName,
		policy:    policy.withDefaults(),
		log:       log.WithFields(zap.String("component", "supervisor"), zap.String("agent", agentName)),
		now:       time.Now,
	}
}

// Decide evaluates an exit against the restart policy. userStop marks
// exits the operator asked for; those never restart and never count
// against the restart budget.
func (s *Supervisor) Decide(exitCode int, signal string, userStop bool) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if userStop {
		return Decision{Reason: "stopped by user"}
	}
	if s.permanentlyDead {
		return Decision{PermanentlyDead: true, Reason: "restart budget exhausted"}
	}

	clean := exitCode == 0 && signal == ""
	if clean && !s.policy.RestartOnCleanExit {
		return Decision{Reason: "clean exit"}
	}
	if !s.policy.AutoRestart {
		return Decision{Reason: "auto restart disabled"}
	}

	now := s.now()
	s.pruneLocked(now)
	if len(s.restarts) >= s.policy.MaxRestarts {
		s.permanentlyDead = true
		s.log.Warn("restart budget exhausted",
			zap.Int("max_restarts", s.policy.MaxRestarts),
			zap.Duration("window", s.policy.BackoffWindow))
		return Decision{PermanentlyDead: true, Reason: "restart budget exhausted"}
	}

	backoff := s.policy.BackoffBase << len(s.restarts)
	if backoff > s.policy.BackoffCap {
		backoff = s.policy.BackoffCap
	}
	s.restarts = append(s.restarts, now)
	s.log.Info("restart scheduled",
		zap.Int("attempt", len(s.restarts)),
		zap.Duration("backoff", backoff),
		zap.Int("exit_code", exitCode),
		zap.String("signal", signal))
	return Decision{Restart: true, Backoff: backoff, Reason: "crash"}
}

// PermanentlyDead reports whether the restart budget is exhausted.
func (s *Supervisor) PermanentlyDead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permanentlyDead
}

// RestartCount returns the restarts inside the current backoff window.
func (s *Supervisor) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	return len(s.restarts)
}

// Reset clears restart history, for an operator-driven fresh start.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts = nil
	s.permanentlyDead = false
}

func (s *Supervisor) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.policy.BackoffWindow)
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = kept
}

// Probe watches a liveness predicate on the policy cadence and invokes
// onDeath once when it first reports false. It backstops the exit
// callback for processes that wedge without exiting their wait.
func (s *Supervisor) Probe(ctx context.Context, alive func() bool, onDeath func()) {
	ticker := time.NewTicker(s.policy.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if alive() {
				continue
			}
			s.log.Debug("liveness probe failed")
			if onDeath != nil {
				onDeath()
			}
			return
		}
	}
}
