package manager

import (
	"sync"
	"time"
)

// Status is an agent's lifecycle state. Transitions form a DAG with
// crashed -> restarting -> running as the only retry cycle.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusIdle       Status = "idle"
	StatusInjecting  Status = "injecting"
	StatusRestarting Status = "restarting"
	StatusCrashed    Status = "crashed"
	StatusStopped    Status = "stopped"
)

// Agent is the durable identity and live state of one supervised CLI
// process. The UUID is assigned on first spawn and survives restarts;
// the PID and status track the current session.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	WorkspaceID string `json:"workspace_id"`
	WorkingDir  string `json:"working_dir"`
	Task        string `json:"task,omitempty"`

	mu           sync.Mutex
	status       Status
	pid          int
	spawnedAt    time.Time
	restartCount int
	authRevoked  bool
}

// Status returns the current lifecycle state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Agent) setStatus(s Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

// PID returns the current session's process id, 0 when not running.
func (a *Agent) PID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pid
}

func (a *Agent) setPID(pid int) {
	a.mu.Lock()
	a.pid = pid
	a.mu.Unlock()
}

// RestartCount returns how many times this agent has been restarted.
func (a *Agent) RestartCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.restartCount
}

func (a *Agent) bumpRestartCount() {
	a.mu.Lock()
	a.restartCount++
	a.mu.Unlock()
}

// AuthRevoked reports whether the session hit a credential-revocation
// pattern; such agents are never auto-restarted.
func (a *Agent) AuthRevoked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authRevoked
}

func (a *Agent) markAuthRevoked() {
	a.mu.Lock()
	a.authRevoked = true
	a.mu.Unlock()
}

// Info is an immutable snapshot for API consumers.
type Info struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Provider     string    `json:"provider"`
	WorkspaceID  string    `json:"workspace_id"`
	WorkingDir   string    `json:"working_dir"`
	Task         string    `json:"task,omitempty"`
	Status       Status    `json:"status"`
	PID          int       `json:"pid,omitempty"`
	SpawnedAt    time.Time `json:"spawned_at"`
	RestartCount int       `json:"restart_count"`
}

// Snapshot returns the agent's current state as a value.
func (a *Agent) Snapshot() Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Info{
		ID:           a.ID,
		Name:         a.Name,
		Provider:     a.Provider,
		WorkspaceID:  a.WorkspaceID,
		WorkingDir:   a.WorkingDir,
		Task:         a.Task,
		Status:       a.status,
		PID:          a.pid,
		SpawnedAt:    a.spawnedAt,
		RestartCount: a.restartCount,
	}
}
