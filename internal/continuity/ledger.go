// Package continuity persists per-agent work ledgers: what an agent was
// doing, what it finished, what blocked it, and the decisions it made.
// Ledgers survive crashes and feed restart-time context reinjection.
package continuity

import (
	"fmt"
	"strings"
	"time"

	"github.com/aviary-dev/aviary/internal/term"
)

// Decision is one timestamped entry of a ledger's key decisions.
type Decision struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Ledger is the durable per-agent record.
type Ledger struct {
	AgentName      string         `json:"agent_name"`
	AgentID        string         `json:"agent_id"`
	SessionID      string         `json:"session_id,omitempty"`
	CLI            string         `json:"cli,omitempty"`
	CurrentTask    string         `json:"current_task,omitempty"`
	Completed      []string       `json:"completed,omitempty"`
	InProgress     []string       `json:"in_progress,omitempty"`
	Blocked        []string       `json:"blocked,omitempty"`
	UncertainItems []string       `json:"uncertain_items,omitempty"`
	FileContext    []term.FileRef `json:"file_context,omitempty"`
	KeyDecisions   []Decision     `json:"key_decisions,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Merge applies a parsed save-block update. Lists grow idempotently,
// the current task is replaced only when the update carries one, and
// decisions are stamped with now. AgentID and AgentName never change.
func (l *Ledger) Merge(u *term.LedgerUpdate, now time.Time) {
	if u == nil || u.IsEmpty() {
		return
	}
	if u.CurrentTask != "" {
		l.CurrentTask = u.CurrentTask
	}
	l.Completed = appendUnique(l.Completed, u.Completed)
	l.InProgress = appendUnique(l.InProgress, u.InProgress)
	l.Blocked = appendUnique(l.Blocked, u.Blocked)
	l.UncertainItems = appendUnique(l.UncertainItems, u.Uncertain)
	for _, d := range u.Decisions {
		if !l.hasDecision(d) {
			l.KeyDecisions = append(l.KeyDecisions, Decision{Text: d, Timestamp: now})
		}
	}
	for _, f := range u.Files {
		if !l.hasFile(f) {
			l.FileContext = append(l.FileContext, f)
		}
	}
	l.touch(now)
}

// touch advances UpdatedAt, keeping it monotonically non-decreasing.
func (l *Ledger) touch(now time.Time) {
	if now.After(l.UpdatedAt) {
		l.UpdatedAt = now
	}
}

func (l *Ledger) hasDecision(text string) bool {
	for _, d := range l.KeyDecisions {
		if d.Text == text {
			return true
		}
	}
	return false
}

func (l *Ledger) hasFile(f term.FileRef) bool {
	for _, existing := range l.FileContext {
		if existing == f {
			return true
		}
	}
	return false
}

// RenderBlock formats the ledger as the compact human-readable context
// block injected on `->continuity:load` and on restart reinjection.
// maxPerList bounds each list; 0 means everything.
func (l *Ledger) RenderBlock(maxPerList int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[continuity] context for %s\n", l.AgentName)
	if l.CurrentTask != "" {
		fmt.Fprintf(&b, "Current task: %s\n", l.CurrentTask)
	}
	renderList(&b, "Completed", l.Completed, maxPerList)
	renderList(&b, "In progress", l.InProgress, maxPerList)
	renderList(&b, "Blocked", l.Blocked, maxPerList)
	renderList(&b, "Uncertain", l.UncertainItems, maxPerList)
	if len(l.KeyDecisions) > 0 {
		b.WriteString("Key decisions:\n")
		for _, d := range tailDecisions(l.KeyDecisions, maxPerList) {
			fmt.Fprintf(&b, "- %s\n", d.Text)
		}
	}
	if len(l.FileContext) > 0 {
		b.WriteString("Files:\n")
		for _, f := range l.FileContext {
			b.WriteString("- " + formatFileRef(f) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderList(b *strings.Builder, title string, items []string, max int) {
	if len(items) == 0 {
		return
	}
	if max > 0 && len(items) > max {
		items = items[len(items)-max:]
	}
	b.WriteString(title + ":\n")
	for _, it := range items {
		b.WriteString("- " + it + "\n")
	}
}

func tailDecisions(ds []Decision, max int) []Decision {
	if max > 0 && len(ds) > max {
		return ds[len(ds)-max:]
	}
	return ds
}

func formatFileRef(f term.FileRef) string {
	switch {
	case f.StartLine > 0 && f.EndLine > 0:
		return fmt.Sprintf("%s:%d-%d", f.Path, f.StartLine, f.EndLine)
	case f.StartLine > 0:
		return fmt.Sprintf("%s:%d", f.Path, f.StartLine)
	default:
		return f.Path
	}
}

func appendUnique(dst []string, items []string) []string {
	for _, it := range items {
		found := false
		for _, existing := range dst {
			if existing == it {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, it)
		}
	}
	return dst
}
