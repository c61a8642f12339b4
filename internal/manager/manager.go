// Package manager is the top-level orchestrator: it owns the mapping
// from agent ids to live PTY sessions, enforces spawn policy, routes
// parsed markers to the relay and the continuity manager, and drives
// the restart cycle with context reinjection.
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aviary-dev/aviary/internal/common/config"
	"github.com/aviary-dev/aviary/internal/common/logger"
	"github.com/aviary-dev/aviary/internal/continuity"
	"github.com/aviary-dev/aviary/internal/events"
	"github.com/aviary-dev/aviary/internal/events/bus"
	"github.com/aviary-dev/aviary/internal/pty"
	"github.com/aviary-dev/aviary/internal/registry"
	"github.com/aviary-dev/aviary/internal/relay"
	"github.com/aviary-dev/aviary/internal/supervisor"
	"github.com/aviary-dev/aviary/internal/term"
)

var (
	// ErrNameInUse rejects a spawn whose (workspace, name) pair already
	// maps to a live agent.
	ErrNameInUse = errors.New("agent name already in use in this workspace")
	// ErrAgentNotFound is returned for operations on unknown agent ids.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrSpawnLimit rejects a spawn that would exceed the workspace's
	// policy limit.
	ErrSpawnLimit = errors.New("workspace spawn limit reached")
	// ErrShuttingDown rejects spawns during coordinated shutdown.
	ErrShuttingDown = errors.New("manager is shutting down")
)

// Deps are the collaborators the manager wires together.
type Deps struct {
	Registry   *registry.Registry
	Continuity *continuity.Manager
	Relay      *relay.Switchboard
	Insights   *supervisor.Insights
	Bus        bus.EventBus
	Cloud      CloudSink
	Policy     PolicySource
	Catalog    *Catalog
	Logger     *logger.Logger
}

// SpawnRequest describes one agent to start.
type SpawnRequest struct {
	Name          string
	Provider      string
	Task          string
	ResumeAgentID string
}

// Manager owns every live agent in the daemon.
type Manager struct {
	cfg    *config.Config
	deps   Deps
	parser *term.Parser
	log    *logger.Logger

	rootCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	agents map[string]*runtimeAgent // by agent id
	names  map[string]string        // workspace+"/"+name -> agent id
	closed bool
}

// runtimeAgent binds an Agent to its current session, injector, and
// supervision state. The session-scoped fields are replaced on restart.
type runtimeAgent struct {
	agent   *Agent
	profile Profile
	sup     *supervisor.Supervisor

	mu       sync.Mutex
	session  *pty.Session
	injector *pty.Injector
	mem      *supervisor.MemoryMonitor
	cancel   context.CancelFunc
	exitOnce *sync.Once

	stopRequested atomic.Bool
}

func (ra *runtimeAgent) current() (*pty.Session, *pty.Injector) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.session, ra.injector
}

// NewManager wires a manager; optional deps (Bus, Cloud, Policy,
// Catalog) default to no-ops and the built-in catalog.
func NewManager(cfg *config.Config, deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}
	if deps.Cloud == nil {
		deps.Cloud = NopCloudSink{}
	}
	if deps.Policy == nil {
		deps.Policy = NopPolicySource{}
	}
	if deps.Catalog == nil {
		deps.Catalog = DefaultCatalog()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:  cfg,
		deps: deps,
		parser: term.NewParser(term.ParserConfig{
			RelayPrefix:      cfg.Parser.RelayPrefix,
			ContinuityPrefix: cfg.Parser.ContinuityPrefix,
			ExtraPlaceholder: cfg.Parser.Placeholders,
		}),
		log:     deps.Logger.WithFields(zap.String("component", "manager")),
		rootCtx: ctx,
		cancel:  cancel,
		agents:  map[string]*runtimeAgent{},
		names:   map[string]string{},
	}
}

// Parser exposes the shared marker vocabulary.
func (m *Manager) Parser() *term.Parser { return m.parser }

func nameKey(workspaceID, name string) string { return workspaceID + "/" + name }

// Spawn starts a new agent. The returned Agent carries the stable id;
// failures are synchronous and leave no registered state behind.
func (m *Manager) Spawn(workspaceID, cwd string, req SpawnRequest) (*Agent, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("agent name must not be empty")
	}
	profile, err := m.deps.Catalog.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	agentID := m.resolveAgentID(req)
	agent := &Agent{
		ID:          agentID,
		Name:        req.Name,
		Provider:    req.Provider,
		WorkspaceID: workspaceID,
		WorkingDir:  cwd,
		Task:        req.Task,
		status:      StatusStarting,
		spawnedAt:   time.Now().UTC(),
	}
	ra := &runtimeAgent{
		agent:   agent,
		profile: profile,
		sup: supervisor.New(req.Name, supervisor.Policy{
			AutoRestart:        m.cfg.Supervisor.AutoRestart,
			RestartOnCleanExit: m.cfg.Supervisor.RestartOnCleanExit,
			MaxRestarts:        m.cfg.Supervisor.MaxRestarts,
			BackoffWindow:      m.cfg.Supervisor.BackoffWindow(),
			BackoffBase:        m.cfg.Supervisor.BackoffBase(),
			BackoffCap:         m.cfg.Supervisor.BackoffCap(),
			ProbeInterval:      m.cfg.Supervisor.ProbeInterval(),
		}, m.deps.Logger),
	}

	key := nameKey(workspaceID, req.Name)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if existingID, exists := m.names[key]; exists {
		// A stopped or crashed agent releases its name; the stable id
		// is recovered from the ledger so identity survives respawn.
		old := m.agents[existingID]
		if old == nil || (old.agent.Status() != StatusStopped && old.agent.Status() != StatusCrashed) {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrNameInUse, req.Name)
		}
		delete(m.agents, existingID)
		delete(m.names, key)
	}
	if err := m.checkPolicyLocked(workspaceID); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.names[key] = agentID
	m.agents[agentID] = ra
	m.mu.Unlock()

	if err := m.prepareLedgerAndRegistry(agent); err != nil {
		m.forget(ra)
		return nil, err
	}
	if err := m.startSession(ra, false); err != nil {
		m.forget(ra)
		m.emitError(events.KindSpawnError, agentID, err.Error(), map[string]string{"name": req.Name})
		return nil, err
	}

	m.emit(events.AgentSpawned, map[string]interface{}{
		"agent_id": agentID,
		"name":     req.Name,
		"provider": req.Provider,
		"pid":      agent.PID(),
	})
	return agent, nil
}

// resolveAgentID keeps the UUID stable: an explicit resume id wins,
// then the ledger on disk, then the registry, then a fresh id.
func (m *Manager) resolveAgentID(req SpawnRequest) string {
	if req.ResumeAgentID != "" {
		return req.ResumeAgentID
	}
	if led, err := m.deps.Continuity.Store().Load(req.Name); err == nil && led.AgentID != "" {
		return led.AgentID
	}
	if rec, err := m.deps.Registry.Get(req.Name); err == nil && rec.ID != "" {
		return rec.ID
	}
	return uuid.NewString()
}

func (m *Manager) checkPolicyLocked(workspaceID string) error {
	policy, err := m.deps.Policy.WorkspacePolicy(workspaceID)
	if err != nil {
		// A broken policy source must not take spawning down with it.
		m.log.Warn("policy lookup failed, allowing spawn", zap.Error(err))
		return nil
	}
	if policy.MaxAgents <= 0 {
		return nil
	}
	live := 0
	for _, ra := range m.agents {
		if ra.agent.WorkspaceID != workspaceID {
			continue
		}
		switch ra.agent.Status() {
		case StatusStopped, StatusCrashed:
		default:
			live++
		}
	}
	if live >= policy.MaxAgents {
		return fmt.Errorf("%w: %d agents allowed", ErrSpawnLimit, policy.MaxAgents)
	}
	return nil
}

func (m *Manager) prepareLedgerAndRegistry(agent *Agent) error {
	sessionID := uuid.NewString()
	if _, err := m.deps.Continuity.Store().Create(agent.Name, agent.Provider, sessionID, agent.ID); err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}
	if err := m.deps.Registry.Upsert(registry.AgentRecord{
		ID:          agent.ID,
		Name:        agent.Name,
		Provider:    agent.Provider,
		WorkspaceID: agent.WorkspaceID,
		WorkingDir:  agent.WorkingDir,
	}); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	return nil
}

// startSession builds and starts a PTY session for the agent, wiring
// the injector, memory sampler, liveness probe, and relay subscription.
// On restart the continuity block is enqueued before the subscription
// flushes queued relay traffic, so restored context always lands first.
func (m *Manager) startSession(ra *runtimeAgent, restart bool) error {
	agent := ra.agent

	promptRe, err := ra.profile.promptRegexp()
	if err != nil {
		return fmt.Errorf("profile prompt pattern: %w", err)
	}
	authRe, err := ra.profile.authRegexp()
	if err != nil {
		return fmt.Errorf("profile auth pattern: %w", err)
	}
	idleCfg := pty.IdleConfig{
		MinSilence:   m.cfg.Idle.MinSilence(),
		Threshold:    m.cfg.Idle.ConfidenceThreshold,
		Poll:         m.cfg.Idle.Poll(),
		UseProcState: m.cfg.Idle.ProcStateSignal,
	}
	if promptRe != nil {
		idleCfg.PromptPatterns = append(pty.DefaultPromptPatterns(), promptRe)
	}

	sink := &agentSink{m: m, ra: ra}
	session := pty.NewSession(pty.Config{
		AgentID:            agent.ID,
		AgentName:          agent.Name,
		Command:            ra.profile.BuildCommand(agent.Task),
		Dir:                agent.WorkingDir,
		Env:                ra.profile.Env,
		Term:               m.cfg.PTY.Term,
		Cols:               m.cfg.PTY.Cols,
		Rows:               m.cfg.PTY.Rows,
		BufferBytes:        m.cfg.PTY.BufferBytes,
		WriteTimeout:       m.cfg.PTY.WriteTimeout(),
		StopGrace:          m.cfg.PTY.StopGrace(),
		EventLogDepth:      m.cfg.PTY.EventLogDepth,
		Parser:             m.parser,
		AuthRevokedPattern: authRe,
		Idle:               idleCfg,
		Sink:               sink,
		Logger:             m.deps.Logger,
	})

	sink.session = session

	injector := pty.NewInjector(session, pty.InjectorConfig{
		QueueCap:       m.cfg.Inject.QueueCap,
		MaxAttempts:    m.cfg.Inject.MaxAttempts,
		Timeout:        m.cfg.Inject.Timeout(),
		SubmitDelay:    m.cfg.Inject.SubmitDelay(),
		BackoffCap:     m.cfg.Inject.BackoffCap(),
		BracketedPaste: m.cfg.Inject.BracketedPaste,
		Failed: func(msg pty.Message, reason string) {
			m.onInjectionFailed(ra, msg, reason)
		},
	}, m.deps.Logger)

	sctx, cancel := context.WithCancel(m.rootCtx)
	mem := supervisor.NewMemoryMonitor(m.cfg.Supervisor.MemorySampleInterval(), session.PID)

	ra.mu.Lock()
	ra.session = session
	ra.injector = injector
	ra.mem = mem
	ra.cancel = cancel
	ra.exitOnce = &sync.Once{}
	ra.mu.Unlock()

	if err := session.Start(); err != nil {
		cancel()
		return err
	}
	agent.setPID(session.PID())
	agent.setStatus(StatusRunning)

	go injector.Run(sctx)
	go mem.Run(sctx)
	go ra.sup.Probe(sctx, session.Alive, func() { m.handleExit(ra, session) })

	if restart && m.cfg.Continuity.AutoInjectOnRestart {
		m.enqueueRestoredContext(ra)
	}
	m.deps.Relay.Subscribe(agent.Name, &injectorSubscriber{in: injector})
	return nil
}

func (m *Manager) enqueueRestoredContext(ra *runtimeAgent) {
	led, err := m.deps.Continuity.Store().Load(ra.agent.Name)
	if err != nil {
		m.log.Warn("no ledger for restart reinjection",
			zap.String("agent", ra.agent.Name), zap.Error(err))
		return
	}
	block := restoredContextBlock(led)
	if block == "" {
		return
	}
	_, injector := ra.current()
	if err := injector.Enqueue(pty.Message{
		ID:       uuid.NewString(),
		Rendered: block,
		Urgent:   true,
	}); err != nil {
		m.log.Warn("context reinjection enqueue failed",
			zap.String("agent", ra.agent.Name), zap.Error(err))
	}
}

// restoredContextBlock renders the restart briefing: the task, the last
// three completed items, open work, and unresolved uncertainties.
func restoredContextBlock(led *continuity.Ledger) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[continuity] restored context for %s\n", led.AgentName)
	wrote := false
	if led.CurrentTask != "" {
		fmt.Fprintf(&b, "Current task: %s\n", led.CurrentTask)
		wrote = true
	}
	completed := led.Completed
	if len(completed) > 3 {
		completed = completed[len(completed)-3:]
	}
	wrote = writeSection(&b, "Recently completed", completed) || wrote
	wrote = writeSection(&b, "In progress", led.InProgress) || wrote
	wrote = writeSection(&b, "Uncertain", led.UncertainItems) || wrote
	if !wrote {
		return ""
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeSection(b *strings.Builder, title string, items []string) bool {
	if len(items) == 0 {
		return false
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
	return true
}

// handleExit runs at most once per session, whether reported by the
// session's waiter or by the liveness probe.
func (m *Manager) handleExit(ra *runtimeAgent, session *pty.Session) {
	ra.mu.Lock()
	if ra.session != session || ra.exitOnce == nil {
		ra.mu.Unlock()
		return
	}
	once := ra.exitOnce
	cancel := ra.cancel
	mem := ra.mem
	ra.mu.Unlock()

	once.Do(func() {
		agent := ra.agent
		m.deps.Relay.Unsubscribe(agent.Name)
		cancel()
		pid := agent.PID()
		agent.setPID(0)
		code, signal := session.ExitStatus()

		if ra.stopRequested.Load() {
			agent.setStatus(StatusStopped)
			m.emit(events.AgentStopped, map[string]interface{}{
				"agent_id": agent.ID, "name": agent.Name, "exit_code": code,
			})
			return
		}

		crashed := code != 0 || signal != ""
		if crashed {
			data := map[string]interface{}{
				"agent_id":  agent.ID,
				"name":      agent.Name,
				"exit_code": code,
				"signal":    signal,
			}
			if m.deps.Insights != nil {
				rec := m.deps.Insights.Analyze(supervisor.Crash{
					AgentName:  agent.Name,
					PID:        pid,
					ExitCode:   code,
					Signal:     signal,
					OutputTail: string(session.OutputTail(2048)),
					Window:     mem.Window(),
				})
				data["likely_cause"] = rec.Analysis.LikelyCause
				data["confidence"] = rec.Analysis.Confidence
				m.emitError(events.KindCrashDetected, agent.ID, rec.Analysis.Summary, map[string]string{
					"likely_cause": rec.Analysis.LikelyCause,
				})
			}
			m.emit(events.AgentCrashed, data)
		}

		if agent.AuthRevoked() {
			agent.setStatus(StatusCrashed)
			return
		}

		decision := ra.sup.Decide(code, signal, false)
		switch {
		case decision.Restart:
			agent.setStatus(StatusRestarting)
			agent.bumpRestartCount()
			go m.restartAfter(ra, decision.Backoff)
		case decision.PermanentlyDead:
			agent.setStatus(StatusCrashed)
		case crashed:
			agent.setStatus(StatusCrashed)
		default:
			agent.setStatus(StatusStopped)
			m.emit(events.AgentStopped, map[string]interface{}{
				"agent_id": agent.ID, "name": agent.Name, "exit_code": code,
			})
		}
	})
}

func (m *Manager) restartAfter(ra *runtimeAgent, backoff time.Duration) {
	select {
	case <-m.rootCtx.Done():
		return
	case <-time.After(backoff):
	}
	if ra.stopRequested.Load() {
		return
	}
	if err := m.startSession(ra, true); err != nil {
		ra.agent.setStatus(StatusCrashed)
		m.emitError(events.KindSpawnError, ra.agent.ID, "restart failed: "+err.Error(), nil)
		return
	}
	m.emit(events.AgentRestarted, map[string]interface{}{
		"agent_id":      ra.agent.ID,
		"name":          ra.agent.Name,
		"restart_count": ra.agent.RestartCount(),
		"pid":           ra.agent.PID(),
	})
}

// Stop terminates one agent cooperatively. The agent stays queryable
// with status stopped.
func (m *Manager) Stop(ctx context.Context, id string) error {
	ra, err := m.lookup(id)
	if err != nil {
		return err
	}
	ra.stopRequested.Store(true)
	session, _ := ra.current()
	if session == nil {
		ra.agent.setStatus(StatusStopped)
		return nil
	}
	return session.Stop(ctx)
}

// StopAllInWorkspace stops every live agent in one workspace.
func (m *Manager) StopAllInWorkspace(ctx context.Context, workspaceID string) error {
	var firstErr error
	for _, ra := range m.list() {
		if ra.agent.WorkspaceID != workspaceID {
			continue
		}
		if err := m.Stop(ctx, ra.agent.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendInput writes raw bytes to an agent's terminal.
func (m *Manager) SendInput(id string, data []byte) error {
	ra, err := m.lookup(id)
	if err != nil {
		return err
	}
	session, _ := ra.current()
	if session == nil {
		return pty.ErrNotRunning
	}
	return session.Write(data)
}

// Interrupt sends Ctrl-C to an agent's terminal.
func (m *Manager) Interrupt(id string) error {
	ra, err := m.lookup(id)
	if err != nil {
		return err
	}
	session, _ := ra.current()
	if session == nil {
		return pty.ErrNotRunning
	}
	return session.Interrupt()
}

// GetOutput returns the agent's rolling output, or its last limit bytes
// when limit is positive.
func (m *Manager) GetOutput(id string, limit int) ([]byte, error) {
	ra, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	session, _ := ra.current()
	if session == nil {
		return nil, pty.ErrNotRunning
	}
	if limit > 0 {
		return session.OutputTail(limit), nil
	}
	return session.Output(), nil
}

// InjectionMetrics returns the injection counters for one agent.
func (m *Manager) InjectionMetrics(id string) (pty.MetricsSnapshot, error) {
	ra, err := m.lookup(id)
	if err != nil {
		return pty.MetricsSnapshot{}, err
	}
	_, injector := ra.current()
	if injector == nil {
		return pty.MetricsSnapshot{}, pty.ErrNotRunning
	}
	return injector.Metrics(), nil
}

// Get returns a snapshot of one agent.
func (m *Manager) Get(id string) (Info, error) {
	ra, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return m.snapshot(ra), nil
}

// GetByName resolves an agent by workspace and name.
func (m *Manager) GetByName(workspaceID, name string) (Info, error) {
	m.mu.Lock()
	id, ok := m.names[nameKey(workspaceID, name)]
	m.mu.Unlock()
	if !ok {
		return Info{}, ErrAgentNotFound
	}
	return m.Get(id)
}

// Agents snapshots every known agent.
func (m *Manager) Agents() []Info {
	ras := m.list()
	out := make([]Info, 0, len(ras))
	for _, ra := range ras {
		out = append(out, m.snapshot(ra))
	}
	return out
}

// snapshot refines a running status to idle when the detector agrees.
func (m *Manager) snapshot(ra *runtimeAgent) Info {
	info := ra.agent.Snapshot()
	if info.Status != StatusRunning {
		return info
	}
	session, _ := ra.current()
	if session != nil && session.Idle().Check().Idle {
		info.Status = StatusIdle
	}
	return info
}

// Run blocks until ctx is cancelled, then performs coordinated
// shutdown: stop every agent, flush ledgers, release the relay.
func (m *Manager) Run(ctx context.Context) error {
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), m.cfg.PTY.StopGrace()+5*time.Second)
	defer cancel()
	return m.Shutdown(shutdownCtx)
}

// Shutdown stops all agents and flushes their ledgers.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, ra := range m.list() {
		wg.Add(1)
		go func(ra *runtimeAgent) {
			defer wg.Done()
			ra.stopRequested.Store(true)
			session, _ := ra.current()
			if session != nil {
				if err := session.Stop(ctx); err != nil {
					m.log.Warn("session stop during shutdown",
						zap.String("agent", ra.agent.Name), zap.Error(err))
				}
			}
			m.flushLedger(ra.agent.Name)
		}(ra)
	}
	wg.Wait()
	m.cancel()
	m.log.Info("manager shut down", zap.Int("agents", len(m.list())))
	return nil
}

// flushLedger bumps the agent's ledger one final time so updatedAt
// reflects the shutdown.
func (m *Manager) flushLedger(name string) {
	store := m.deps.Continuity.Store()
	led, err := store.Load(name)
	if err != nil {
		return
	}
	if now := time.Now().UTC(); now.After(led.UpdatedAt) {
		led.UpdatedAt = now
	}
	if err := store.Save(name, led); err != nil {
		m.log.Warn("final ledger flush failed", zap.String("agent", name), zap.Error(err))
	}
}

func (m *Manager) lookup(id string) (*runtimeAgent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ra, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return ra, nil
}

func (m *Manager) list() []*runtimeAgent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*runtimeAgent, 0, len(m.agents))
	for _, ra := range m.agents {
		out = append(out, ra)
	}
	return out
}

func (m *Manager) forget(ra *runtimeAgent) {
	m.mu.Lock()
	delete(m.agents, ra.agent.ID)
	delete(m.names, nameKey(ra.agent.WorkspaceID, ra.agent.Name))
	m.mu.Unlock()
}

func (m *Manager) onInjectionFailed(ra *runtimeAgent, msg pty.Message, reason string) {
	m.emit(events.InjectionFailed, map[string]interface{}{
		"agent_id":   ra.agent.ID,
		"name":       ra.agent.Name,
		"message_id": msg.ID,
		"reason":     reason,
	})
	if reason == "max_attempts" {
		m.emitError(events.KindInjectionTimeout, ra.agent.ID,
			"message exhausted injection attempts", map[string]string{"message_id": msg.ID})
	}
}

func (m *Manager) emit(eventType string, data map[string]interface{}) {
	if m.deps.Bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "manager", data)
	if err := m.deps.Bus.Publish(context.Background(), eventType, ev); err != nil {
		m.log.Debug("event publish failed", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (m *Manager) emitError(kind, agentID, message string, extra map[string]string) {
	m.log.Warn("agent error",
		zap.String("kind", kind), zap.String("agent_id", agentID), zap.String("error", message))
	if m.deps.Bus == nil {
		return
	}
	payload := events.ErrorEvent{
		Timestamp: time.Now().UTC(),
		Component: "manager",
		AgentID:   agentID,
		Kind:      kind,
		Message:   message,
		Context:   extra,
	}
	data := map[string]interface{}{
		"timestamp": payload.Timestamp,
		"component": payload.Component,
		"agent_id":  payload.AgentID,
		"kind":      payload.Kind,
		"message":   payload.Message,
	}
	for k, v := range extra {
		data[k] = v
	}
	ev := bus.NewEvent(events.ErrorRaised, "manager", data)
	if err := m.deps.Bus.Publish(context.Background(), events.ErrorRaised, ev); err != nil {
		m.log.Debug("error event publish failed", zap.Error(err))
	}
}
