package continuity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/aviary-dev/aviary/internal/common/logger"
	"github.com/aviary-dev/aviary/internal/term"
)

// ManagerConfig tunes command dispatch.
type ManagerConfig struct {
	// SearchLimit bounds ->continuity:search results.
	SearchLimit int
	// DedupeCap bounds the per-manager set of already-dispatched
	// command keys.
	DedupeCap int
	// RenderMax bounds list lengths in rendered context blocks.
	RenderMax int
}

func (c *ManagerConfig) applyDefaults() {
	if c.SearchLimit <= 0 {
		c.SearchLimit = 5
	}
	if c.DedupeCap <= 0 {
		c.DedupeCap = 100
	}
	if c.RenderMax <= 0 {
		c.RenderMax = 10
	}
}

// Manager mediates between the parser (which produces continuity
// markers) and the store. Dispatch returns the text to inject back into
// the requesting agent, when the verb asks for one.
type Manager struct {
	cfg    ManagerConfig
	store  *Store
	parser *term.Parser
	log    *logger.Logger

	// seen guards against TUI redraws re-dispatching the same command.
	seen *dedupeSet
}

// NewManager wires the store and the parser used for save-block bodies.
func NewManager(cfg ManagerConfig, store *Store, parser *term.Parser, log *logger.Logger) *Manager {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Default()
	}
	if parser == nil {
		parser = term.NewParser(term.ParserConfig{})
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		parser: parser,
		log:    log.WithFields(zap.String("component", "continuity")),
		seen:   newDedupeSet(cfg.DedupeCap),
	}
}

// Store exposes the underlying ledger store.
func (m *Manager) Store() *Store { return m.store }

// Dispatch executes one continuity marker for the named agent. The
// returned reply is non-empty for load and search; the caller owns
// injecting it. A redraw-duplicated command returns ("", nil).
func (m *Manager) Dispatch(agentName string, marker term.Marker) (reply string, err error) {
	if marker.Kind != term.MarkerContinuity {
		return "", fmt.Errorf("not a continuity marker: %s", marker.Kind)
	}

	key := dedupeKey(agentName, marker)
	if m.seen.Seen(key) {
		return "", nil
	}

	switch marker.Verb {
	case term.VerbSave, term.VerbHandoff:
		return "", m.applySave(agentName, marker)
	case term.VerbLoad:
		return m.renderLoad(agentName)
	case term.VerbSearch:
		return m.search(marker.Query)
	case term.VerbUncertain:
		return "", m.store.AddToList(agentName, "uncertain_items", marker.Item)
	default:
		return "", fmt.Errorf("unknown continuity verb %q", marker.Verb)
	}
}

// ApplySummary merges a [[SUMMARY]] block body into the agent's ledger.
func (m *Manager) ApplySummary(agentName, body string) error {
	update := m.parser.ParseSaveBlock(body)
	if update.IsEmpty() {
		return nil
	}
	_, err := m.store.Update(agentName, update)
	return err
}

func (m *Manager) applySave(agentName string, marker term.Marker) error {
	update := m.parser.ParseSaveBlock(marker.Body)
	if update.IsEmpty() {
		// Placeholder-only bodies are a parse rejection, not an error.
		m.log.Debug("save block carried no accepted content",
			zap.String("agent_name", agentName))
		return nil
	}
	ledger, err := m.store.Update(agentName, update)
	if err != nil {
		return err
	}
	m.log.Info("ledger updated",
		zap.String("agent_name", agentName),
		zap.Bool("handoff", marker.Handoff),
		zap.Int("completed", len(ledger.Completed)),
		zap.Int("in_progress", len(ledger.InProgress)))
	return nil
}

func (m *Manager) renderLoad(agentName string) (string, error) {
	ledger, err := m.store.Load(agentName)
	if err != nil {
		if err == ErrNotFound {
			return "[continuity] no saved context for " + agentName, nil
		}
		return "", err
	}
	return ledger.RenderBlock(m.cfg.RenderMax), nil
}

// search runs a case-insensitive substring match across every ledger,
// ranked by last-update recency.
func (m *Manager) search(query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", nil
	}
	ledgers, err := m.store.All()
	if err != nil {
		return "", err
	}

	needle := strings.ToLower(query)
	var hits []*Ledger
	for _, l := range ledgers {
		if ledgerMatches(l, needle) {
			hits = append(hits, l)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].UpdatedAt.After(hits[j].UpdatedAt) })
	if len(hits) > m.cfg.SearchLimit {
		hits = hits[:m.cfg.SearchLimit]
	}

	if len(hits) == 0 {
		return fmt.Sprintf("[continuity] no matches for %q", query), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[continuity] %d match(es) for %q\n", len(hits), query)
	for _, l := range hits {
		fmt.Fprintf(&b, "== %s (updated %s)\n", l.AgentName, l.UpdatedAt.Format("2006-01-02 15:04"))
		b.WriteString(l.RenderBlock(3) + "\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func ledgerMatches(l *Ledger, needle string) bool {
	if strings.Contains(strings.ToLower(l.AgentName), needle) ||
		strings.Contains(strings.ToLower(l.CurrentTask), needle) {
		return true
	}
	for _, lists := range [][]string{l.Completed, l.InProgress, l.Blocked, l.UncertainItems} {
		for _, item := range lists {
			if strings.Contains(strings.ToLower(item), needle) {
				return true
			}
		}
	}
	for _, d := range l.KeyDecisions {
		if strings.Contains(strings.ToLower(d.Text), needle) {
			return true
		}
	}
	for _, f := range l.FileContext {
		if strings.Contains(strings.ToLower(f.Path), needle) {
			return true
		}
	}
	return false
}

// dedupeKey is `<agent>:<verb>:<body-hash>`; the hash covers whichever
// payload the verb carries.
func dedupeKey(agentName string, m term.Marker) string {
	payload := m.Body + m.Query + m.Item
	sum := sha256.Sum256([]byte(payload))
	return fmt.Sprintf("%s:%s:%s", agentName, m.Verb, hex.EncodeToString(sum[:])[:16])
}

// dedupeSet is a bounded FIFO set, safe for concurrent sessions.
type dedupeSet struct {
	mu    sync.Mutex
	set   map[string]struct{}
	order []string
	cap   int
}

func newDedupeSet(cap int) *dedupeSet {
	return &dedupeSet{set: make(map[string]struct{}, cap), cap: cap}
}

// Seen reports whether key was already recorded, recording it if not.
func (d *dedupeSet) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.set[key]; ok {
		return true
	}
	d.set[key] = struct{}{}
	d.order = append(d.order, key)
	if len(d.order) > d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.set, oldest)
	}
	return false
}
