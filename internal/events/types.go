// Package events provides event types and utilities for the Aviary event stream.
package events

import "time"

// Event types for agent lifecycle
const (
	AgentSpawned      = "agent.spawned"
	AgentStopped      = "agent.stopped"
	AgentRestarted    = "agent.restarted"
	AgentCrashed      = "agent.crashed"
	AgentStateChanged = "agent.state_changed"
	AgentAuthRevoked  = "agent.auth_revoked"
)

// Event types for structured markers
const (
	AgentSummary    = "agent.summary"
	AgentSessionEnd = "agent.session_end"
)

// Event types for message delivery
const (
	MessagePublished = "relay.message.published"
	MessageDelivered = "relay.message.delivered"
	MessageDropped   = "relay.message.dropped"
	InjectionFailed  = "relay.injection_failed"
	RelayOverflow    = "relay.overflow"
)

// Event types for continuity
const (
	LedgerSaved   = "continuity.ledger.saved"
	LedgerLoaded  = "continuity.ledger.loaded"
	HandoffSaved  = "continuity.handoff.saved"
	UncertainItem = "continuity.uncertain.added"
)

// Event types for errors
const (
	ErrorRaised = "error.raised"
)

// ErrorEvent is the payload carried by error.raised events.
// Every runtime error surfaced on the stream has this shape.
type ErrorEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Component string            `json:"component"`
	AgentID   string            `json:"agent_id,omitempty"`
	Kind      string            `json:"kind"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
}

// Error kinds, mirroring the error taxonomy of the core.
const (
	KindSpawnError       = "spawn_error"
	KindInjectionTimeout = "injection_timeout"
	KindPTYWriteError    = "pty_write_error"
	KindLockTimeout      = "lock_timeout"
	KindParseRejection   = "parse_rejection"
	KindRelayOverflow    = "relay_overflow"
	KindCrashDetected    = "crash_detected"
	KindAuthRevocation   = "auth_revocation"
)
