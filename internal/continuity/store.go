package continuity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aviary-dev/aviary/internal/common/fsutil"
	"github.com/aviary-dev/aviary/internal/common/logger"
	"github.com/aviary-dev/aviary/internal/term"
)

var (
	// ErrLockTimeout is returned when the per-agent write lock cannot be
	// acquired within the configured deadline.
	ErrLockTimeout = errors.New("timed out acquiring ledger lock")
	// ErrInvalidName is returned for agent names that sanitise to
	// nothing or attempt path traversal.
	ErrInvalidName = errors.New("invalid agent name")
	// ErrNotFound is returned when no ledger exists for the agent.
	ErrNotFound = errors.New("ledger not found")
)

const indexFileName = "_agent-id-index.json"

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// sanitiseName reduces an agent name to a filesystem-safe token.
func sanitiseName(name string) string {
	return unsafeNameChars.ReplaceAllString(strings.TrimSpace(name), "_")
}

// ledgerFileName builds `<sanitised-name>_<sha256-prefix-8>.json`. The
// hash of the raw name disambiguates names that collide after
// sanitisation.
func ledgerFileName(name string) (string, error) {
	clean := sanitiseName(name)
	if clean == "" || strings.Trim(clean, "_") == "" {
		return "", ErrInvalidName
	}
	sum := sha256.Sum256([]byte(name))
	return fmt.Sprintf("%s_%s.json", clean, hex.EncodeToString(sum[:])[:8]), nil
}

// StoreConfig tunes the ledger store.
type StoreConfig struct {
	Dir string
	// LockTimeout bounds total lock acquisition time.
	LockTimeout time.Duration
}

func (c *StoreConfig) applyDefaults() {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 10 * time.Second
	}
}

// Store persists one JSON ledger file per agent plus an agentId index
// for O(1) resume-by-id. Writes are atomic and serialised per agent by
// an in-process advisory lock acquired with exponential backoff.
type Store struct {
	cfg StoreConfig
	log *logger.Logger

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	indexMu sync.Mutex
	index   map[string]string // agentId -> agentName
}

// NewStore opens (and creates if needed) the ledger directory and loads
// the id index.
func NewStore(cfg StoreConfig, log *logger.Logger) (*Store, error) {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Default()
	}
	if cfg.Dir == "" {
		return nil, errors.New("ledger dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	s := &Store{
		cfg:   cfg,
		log:   log.WithFields(zap.String("component", "continuity_store")),
		locks: make(map[string]*sync.Mutex),
		index: make(map[string]string),
	}
	s.loadIndex()
	return s, nil
}

func (s *Store) loadIndex() {
	raw, err := os.ReadFile(filepath.Join(s.cfg.Dir, indexFileName))
	if err != nil {
		return
	}
	var idx map[string]string
	if err := json.Unmarshal(raw, &idx); err != nil {
		s.log.Warn("agent id index unreadable, will rebuild lazily", zap.Error(err))
		return
	}
	s.indexMu.Lock()
	s.index = idx
	s.indexMu.Unlock()
}

func (s *Store) persistIndex() {
	s.indexMu.Lock()
	data, err := json.MarshalIndent(s.index, "", "  ")
	s.indexMu.Unlock()
	if err != nil {
		return
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(s.cfg.Dir, indexFileName), data, 0o644); err != nil {
		s.log.Warn("failed to persist agent id index", zap.Error(err))
	}
}

func (s *Store) setIndex(agentID, name string) {
	if agentID == "" {
		return
	}
	s.indexMu.Lock()
	s.index[agentID] = name
	s.indexMu.Unlock()
	s.persistIndex()
}

func (s *Store) dropIndex(agentID string) {
	s.indexMu.Lock()
	delete(s.index, agentID)
	s.indexMu.Unlock()
	s.persistIndex()
}

// acquireLock takes the per-agent advisory lock with exponential
// backoff (base 100ms, capped at 2s) until the configured deadline.
func (s *Store) acquireLock(name string) (*sync.Mutex, error) {
	s.lockMu.Lock()
	mu, ok := s.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[name] = mu
	}
	s.lockMu.Unlock()

	deadline := time.Now().Add(s.cfg.LockTimeout)
	backoff := 100 * time.Millisecond
	for {
		if mu.TryLock() {
			return mu, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > 2*time.Second {
			backoff = 2 * time.Second
		}
	}
}

// Create writes an empty ledger for the agent. An existing ledger is
// returned as-is so an agent id is never clobbered by a respawn.
func (s *Store) Create(name, cli, sessionID, agentID string) (*Ledger, error) {
	mu, err := s.acquireLock(name)
	if err != nil {
		return nil, err
	}
	defer mu.Unlock()

	if existing, err := s.loadLocked(name); err == nil {
		if sessionID != "" && existing.SessionID != sessionID {
			existing.SessionID = sessionID
			existing.touch(time.Now().UTC())
			if err := s.saveLocked(name, existing); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}

	ledger := &Ledger{
		AgentName: name,
		AgentID:   agentID,
		SessionID: sessionID,
		CLI:       cli,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.saveLocked(name, ledger); err != nil {
		return nil, err
	}
	return ledger, nil
}

// Save atomically replaces the agent's ledger file and updates the index.
func (s *Store) Save(name string, ledger *Ledger) error {
	mu, err := s.acquireLock(name)
	if err != nil {
		return err
	}
	defer mu.Unlock()
	return s.saveLocked(name, ledger)
}

func (s *Store) saveLocked(name string, ledger *Ledger) error {
	file, err := ledgerFileName(name)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(ledger, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(s.cfg.Dir, file), data, 0o644); err != nil {
		return fmt.Errorf("persist ledger for %s: %w", name, err)
	}
	s.setIndex(ledger.AgentID, name)
	return nil
}

// Load reads the agent's ledger.
func (s *Store) Load(name string) (*Ledger, error) {
	return s.loadLocked(name)
}

func (s *Store) loadLocked(name string) (*Ledger, error) {
	file, err := ledgerFileName(name)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(s.cfg.Dir, file))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read ledger for %s: %w", name, err)
	}
	var ledger Ledger
	if err := json.Unmarshal(raw, &ledger); err != nil {
		return nil, fmt.Errorf("parse ledger for %s: %w", name, err)
	}
	return &ledger, nil
}

// Update loads, applies the parsed save-block update under the agent's
// lock, and saves. Identity fields are preserved by Merge.
func (s *Store) Update(name string, update *term.LedgerUpdate) (*Ledger, error) {
	mu, err := s.acquireLock(name)
	if err != nil {
		return nil, err
	}
	defer mu.Unlock()

	ledger, err := s.loadLocked(name)
	if err != nil {
		return nil, err
	}
	ledger.Merge(update, time.Now().UTC())
	if err := s.saveLocked(name, ledger); err != nil {
		return nil, err
	}
	return ledger, nil
}

// AddToList appends one item idempotently to a list field
// (completed, in_progress, blocked, uncertain_items).
func (s *Store) AddToList(name, field, item string) error {
	mu, err := s.acquireLock(name)
	if err != nil {
		return err
	}
	defer mu.Unlock()

	ledger, err := s.loadLocked(name)
	if err != nil {
		return err
	}
	switch field {
	case "completed":
		ledger.Completed = appendUnique(ledger.Completed, []string{item})
	case "in_progress":
		ledger.InProgress = appendUnique(ledger.InProgress, []string{item})
	case "blocked":
		ledger.Blocked = appendUnique(ledger.Blocked, []string{item})
	case "uncertain_items":
		ledger.UncertainItems = appendUnique(ledger.UncertainItems, []string{item})
	default:
		return fmt.Errorf("unknown list field %q", field)
	}
	ledger.touch(time.Now().UTC())
	return s.saveLocked(name, ledger)
}

// AddDecision appends a timestamped key decision.
func (s *Store) AddDecision(name, text string) error {
	mu, err := s.acquireLock(name)
	if err != nil {
		return err
	}
	defer mu.Unlock()

	ledger, err := s.loadLocked(name)
	if err != nil {
		return err
	}
	if !ledger.hasDecision(text) {
		ledger.KeyDecisions = append(ledger.KeyDecisions, Decision{Text: text, Timestamp: time.Now().UTC()})
	}
	ledger.touch(time.Now().UTC())
	return s.saveLocked(name, ledger)
}

// FindByAgentID resolves an agent id to its ledger via the index. A
// stale index entry (file missing or id mismatched) is evicted and a
// full scan rebuilds the mapping.
func (s *Store) FindByAgentID(agentID string) (*Ledger, error) {
	s.indexMu.Lock()
	name, ok := s.index[agentID]
	s.indexMu.Unlock()

	if ok {
		ledger, err := s.loadLocked(name)
		if err == nil && ledger.AgentID == agentID {
			return ledger, nil
		}
		s.dropIndex(agentID)
	}

	ledgers, err := s.scanAll()
	if err != nil {
		return nil, err
	}
	for _, ledger := range ledgers {
		if ledger.AgentID == agentID {
			s.setIndex(agentID, ledger.AgentName)
			return ledger, nil
		}
	}
	return nil, ErrNotFound
}

// RebuildIndex scans every ledger file and rewrites the id index.
func (s *Store) RebuildIndex() error {
	ledgers, err := s.scanAll()
	if err != nil {
		return err
	}
	idx := make(map[string]string, len(ledgers))
	for _, ledger := range ledgers {
		if ledger.AgentID != "" {
			idx[ledger.AgentID] = ledger.AgentName
		}
	}
	s.indexMu.Lock()
	s.index = idx
	s.indexMu.Unlock()
	s.persistIndex()
	return nil
}

// All returns every ledger in the store.
func (s *Store) All() ([]*Ledger, error) {
	return s.scanAll()
}

func (s *Store) scanAll() ([]*Ledger, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("scan ledger dir: %w", err)
	}
	var out []*Ledger
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == indexFileName || !strings.HasSuffix(name, ".json") || strings.Contains(name, ".tmp.") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.cfg.Dir, name))
		if err != nil {
			continue
		}
		var ledger Ledger
		if err := json.Unmarshal(raw, &ledger); err != nil {
			s.log.Warn("skipping unreadable ledger file", zap.String("file", name), zap.Error(err))
			continue
		}
		out = append(out, &ledger)
	}
	return out, nil
}
