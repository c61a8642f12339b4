// Package registry persists the process-wide mapping from agent names to
// their durable records: identity, provider, message counters, and
// first/last-seen timestamps. State lives in agents.json under the data
// dir and is rebuilt on startup.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aviary-dev/aviary/internal/common/fsutil"
	"github.com/aviary-dev/aviary/internal/common/logger"
)

// ErrNotFound is returned for lookups of unknown agents.
var ErrNotFound = errors.New("agent not found in registry")

const fileName = "agents.json"

// AgentRecord is one registered agent.
type AgentRecord struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Provider         string    `json:"provider"`
	WorkspaceID      string    `json:"workspace_id,omitempty"`
	WorkingDir       string    `json:"working_dir,omitempty"`
	Profile          string    `json:"profile,omitempty"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	MessagesSent     uint64    `json:"messages_sent"`
	MessagesReceived uint64    `json:"messages_received"`
}

// fileSchema is the on-disk shape of agents.json.
type fileSchema struct {
	Agents []AgentRecord `json:"agents"`
}

// Registry is the in-memory view with write-through persistence. All
// mutations persist before returning.
type Registry struct {
	mu     sync.Mutex
	path   string
	agents map[string]*AgentRecord
	log    *logger.Logger
}

// Open loads agents.json from dataDir, creating an empty registry when
// the file does not exist yet.
func Open(dataDir string, log *logger.Logger) (*Registry, error) {
	if log == nil {
		log = logger.Default()
	}
	r := &Registry{
		path:   filepath.Join(dataDir, fileName),
		agents: make(map[string]*AgentRecord),
		log:    log.WithFields(zap.String("component", "registry")),
	}

	raw, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var file fileSchema
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", r.path, err)
	}
	for i := range file.Agents {
		rec := file.Agents[i]
		r.agents[rec.Name] = &rec
	}
	r.log.Info("registry loaded", zap.Int("agents", len(r.agents)))
	return r, nil
}

// Upsert inserts or updates a record by name. FirstSeen and counters of
// an existing record are preserved; identity fields are refreshed.
func (r *Registry) Upsert(rec AgentRecord) error {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[rec.Name]; ok {
		if rec.ID != "" {
			existing.ID = rec.ID
		}
		if rec.Provider != "" {
			existing.Provider = rec.Provider
		}
		if rec.WorkspaceID != "" {
			existing.WorkspaceID = rec.WorkspaceID
		}
		if rec.WorkingDir != "" {
			existing.WorkingDir = rec.WorkingDir
		}
		if rec.Profile != "" {
			existing.Profile = rec.Profile
		}
		existing.LastSeen = now
	} else {
		if rec.FirstSeen.IsZero() {
			rec.FirstSeen = now
		}
		rec.LastSeen = now
		r.agents[rec.Name] = &rec
	}
	return r.persistLocked()
}

// Get returns the record for name.
func (r *Registry) Get(name string) (AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[name]
	if !ok {
		return AgentRecord{}, ErrNotFound
	}
	return *rec, nil
}

// GetByID returns the record whose stable agent id matches.
func (r *Registry) GetByID(id string) (AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.agents {
		if rec.ID == id {
			return *rec, nil
		}
	}
	return AgentRecord{}, ErrNotFound
}

// List returns all records sorted by name.
func (r *Registry) List() []AgentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns all registered agent names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.agents))
	for name := range r.agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RecordSent bumps the sender's counter and refreshes last-seen.
func (r *Registry) RecordSent(name string) error {
	return r.bump(name, func(rec *AgentRecord) { rec.MessagesSent++ })
}

// RecordReceived bumps the recipient's counter and refreshes last-seen.
func (r *Registry) RecordReceived(name string) error {
	return r.bump(name, func(rec *AgentRecord) { rec.MessagesReceived++ })
}

// Touch refreshes last-seen only.
func (r *Registry) Touch(name string) error {
	return r.bump(name, func(*AgentRecord) {})
}

func (r *Registry) bump(name string, apply func(*AgentRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[name]
	if !ok {
		return ErrNotFound
	}
	apply(rec)
	rec.LastSeen = time.Now().UTC()
	return r.persistLocked()
}

// Remove deletes a record.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[name]; !ok {
		return ErrNotFound
	}
	delete(r.agents, name)
	return r.persistLocked()
}

func (r *Registry) persistLocked() error {
	file := fileSchema{Agents: make([]AgentRecord, 0, len(r.agents))}
	for _, rec := range r.agents {
		file.Agents = append(file.Agents, *rec)
	}
	sort.Slice(file.Agents, func(i, j int) bool { return file.Agents[i].Name < file.Agents[j].Name })

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := fsutil.WriteFileAtomic(r.path, data, 0o644); err != nil {
		return fmt.Errorf("persist registry: %w", err)
	}
	return nil
}
