package manager

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aviary-dev/aviary/internal/continuity"
	"github.com/aviary-dev/aviary/internal/events"
	"github.com/aviary-dev/aviary/internal/pty"
	"github.com/aviary-dev/aviary/internal/relay"
	"github.com/aviary-dev/aviary/internal/term"
)

// agentSink receives one session's output artifacts and routes them
// into the relay, the continuity manager, and the event stream. It runs
// on the session's reader goroutine, so nothing here may block.
type agentSink struct {
	m  *Manager
	ra *runtimeAgent
	// session is the session this sink belongs to, set before Start.
	// Exited must report against it, not whatever session is current.
	session *pty.Session
}

func (s *agentSink) Output([]byte) {}

func (s *agentSink) Marker(mk term.Marker) {
	s.m.handleMarker(s.ra, mk)
}

func (s *agentSink) Exited(code int, signal string, err error) {
	s.m.handleExit(s.ra, s.session)
}

func (s *agentSink) AuthRevoked(line string) {
	agent := s.ra.agent
	agent.markAuthRevoked()
	s.m.emit(events.AgentAuthRevoked, map[string]interface{}{
		"agent_id": agent.ID,
		"name":     agent.Name,
	})
	s.m.emitError(events.KindAuthRevocation, agent.ID, line, nil)
}

func (m *Manager) handleMarker(ra *runtimeAgent, mk term.Marker) {
	agent := ra.agent
	switch mk.Kind {
	case term.MarkerRelay:
		m.handleRelayMarker(ra, mk)
	case term.MarkerSpawn:
		m.handleSpawnMarker(ra, mk)
	case term.MarkerRelease:
		m.handleReleaseMarker(ra, mk)
	case term.MarkerContinuity:
		m.handleContinuityMarker(ra, mk)
	case term.MarkerSummary:
		if err := m.deps.Continuity.ApplySummary(agent.Name, mk.Body); err != nil {
			m.log.Warn("summary merge failed", zap.String("agent", agent.Name), zap.Error(err))
		}
		if err := m.deps.Cloud.OnSummary(agent.ID, mk.Body); err != nil {
			m.log.Warn("cloud summary sink failed", zap.String("agent", agent.Name), zap.Error(err))
		}
		m.emit(events.AgentSummary, map[string]interface{}{
			"agent_id": agent.ID, "name": agent.Name, "body": mk.Body,
		})
	case term.MarkerSessionEnd:
		if err := m.deps.Cloud.OnSessionEnd(agent.ID, mk.Body); err != nil {
			m.log.Warn("cloud session-end sink failed", zap.String("agent", agent.Name), zap.Error(err))
		}
		m.emit(events.AgentSessionEnd, map[string]interface{}{
			"agent_id": agent.ID, "name": agent.Name, "body": mk.Body,
		})
	}
}

func (m *Manager) handleRelayMarker(ra *runtimeAgent, mk term.Marker) {
	env := relay.NewEnvelope(ra.agent.Name, mk.To, mk.Body)
	if err := m.deps.Relay.Publish(env); err != nil {
		if errors.Is(err, relay.ErrUnknownRecipient) {
			m.log.Debug("relay to unknown recipient dropped",
				zap.String("from", ra.agent.Name), zap.String("to", mk.To))
			return
		}
		m.log.Warn("relay publish failed",
			zap.String("from", ra.agent.Name), zap.String("to", mk.To), zap.Error(err))
	}
}

// handleSpawnMarker lets one agent start another, subject to the same
// uniqueness and policy checks as the public API.
func (m *Manager) handleSpawnMarker(ra *runtimeAgent, mk term.Marker) {
	agent := ra.agent
	spawned, err := m.Spawn(agent.WorkspaceID, agent.WorkingDir, SpawnRequest{
		Name:     mk.Name,
		Provider: mk.CLI,
		Task:     mk.Task,
	})
	if err != nil {
		m.log.Warn("agent-requested spawn rejected",
			zap.String("requester", agent.Name), zap.String("name", mk.Name), zap.Error(err))
		m.notify(ra, "spawn of "+mk.Name+" failed: "+err.Error())
		return
	}
	m.log.Info("agent-requested spawn",
		zap.String("requester", agent.Name),
		zap.String("name", spawned.Name), zap.String("provider", spawned.Provider))
}

func (m *Manager) handleReleaseMarker(ra *runtimeAgent, mk term.Marker) {
	info, err := m.GetByName(ra.agent.WorkspaceID, mk.Name)
	if err != nil {
		m.log.Debug("release of unknown agent ignored",
			zap.String("requester", ra.agent.Name), zap.String("name", mk.Name))
		return
	}
	ctx, cancel := context.WithTimeout(m.rootCtx, m.cfg.PTY.StopGrace()+time.Second)
	defer cancel()
	if err := m.Stop(ctx, info.ID); err != nil {
		m.log.Warn("agent-requested release failed",
			zap.String("requester", ra.agent.Name), zap.String("name", mk.Name), zap.Error(err))
	}
}

func (m *Manager) handleContinuityMarker(ra *runtimeAgent, mk term.Marker) {
	agent := ra.agent
	reply, err := m.deps.Continuity.Dispatch(agent.Name, mk)
	if err != nil {
		if errors.Is(err, continuity.ErrLockTimeout) {
			m.emitError(events.KindLockTimeout, agent.ID,
				"ledger update dropped: lock timeout", map[string]string{"verb": string(mk.Verb)})
			return
		}
		m.log.Warn("continuity dispatch failed",
			zap.String("agent", agent.Name), zap.String("verb", string(mk.Verb)), zap.Error(err))
		return
	}
	if reply == "" {
		return
	}
	m.notify(ra, reply)
}

// notify enqueues a system line into the agent's own terminal.
func (m *Manager) notify(ra *runtimeAgent, rendered string) {
	_, injector := ra.current()
	if injector == nil {
		return
	}
	if err := injector.Enqueue(pty.Message{ID: uuid.NewString(), Rendered: rendered}); err != nil {
		m.log.Warn("system notice enqueue failed",
			zap.String("agent", ra.agent.Name), zap.Error(err))
	}
}

// injectorSubscriber adapts an agent's injection queue to the relay's
// delivery interface. The envelope arrives pre-routed; Render fixes the
// on-screen framing once so retries never rewrite it.
type injectorSubscriber struct {
	in *pty.Injector
}

func (s *injectorSubscriber) Deliver(env relay.Envelope) error {
	return s.in.Enqueue(pty.Message{
		ID:       env.ID,
		Rendered: relay.Render(env),
		Urgent:   env.Urgent(),
	})
}

func (s *injectorSubscriber) Pending() int { return s.in.QueueDepth() }
