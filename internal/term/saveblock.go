package term

import (
	"regexp"
	"strconv"
	"strings"
)

// LedgerUpdate is the parsed content of a continuity save or handoff body,
// or of a summary block. Empty fields mean "no change".
type LedgerUpdate struct {
	CurrentTask string
	Completed   []string
	InProgress  []string
	Blocked     []string
	Uncertain   []string
	Decisions   []string
	Files       []FileRef
}

// FileRef is one entry of a ledger's file context.
type FileRef struct {
	Path      string `json:"path"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
}

// IsEmpty reports whether the update carries no accepted content.
func (u *LedgerUpdate) IsEmpty() bool {
	return u.CurrentTask == "" &&
		len(u.Completed) == 0 &&
		len(u.InProgress) == 0 &&
		len(u.Blocked) == 0 &&
		len(u.Uncertain) == 0 &&
		len(u.Decisions) == 0 &&
		len(u.Files) == 0
}

// ledger slot identifiers used by the field map
type slot int

const (
	slotNone slot = iota
	slotCurrentTask
	slotCompleted
	slotInProgress
	slotBlocked
	slotDecisions
	slotUncertain
	slotFiles
)

// fieldSlots routes normalised (lowercased) field and section names to
// ledger slots.
var fieldSlots = map[string]slot{
	"current task":         slotCurrentTask,
	"task":                 slotCurrentTask,
	"working on":           slotCurrentTask,
	"completed":            slotCompleted,
	"done":                 slotCompleted,
	"finished":             slotCompleted,
	"previously completed": slotCompleted,
	"in progress":          slotInProgress,
	"working":              slotInProgress,
	"ongoing":              slotInProgress,
	"next":                 slotInProgress,
	"next steps":           slotInProgress,
	"todo":                 slotInProgress,
	"blocked":              slotBlocked,
	"blockers":             slotBlocked,
	"stuck":                slotBlocked,
	"key decision":         slotDecisions,
	"key decisions":        slotDecisions,
	"decisions":            slotDecisions,
	"decided":              slotDecisions,
	"prior decisions":      slotDecisions,
	"uncertain":            slotUncertain,
	"unconfirmed":          slotUncertain,
	"needs verification":   slotUncertain,
	"to verify":            slotUncertain,
	"files":                slotFiles,
	"file context":         slotFiles,
	"relevant files":       slotFiles,
	"key files":            slotFiles,
}

var (
	sectionRe  = regexp.MustCompile(`^#{2,3}\s+(.+?)\s*$`)
	bulletRe   = regexp.MustCompile(`^-\s+(.*)$`)
	boldKVRe   = regexp.MustCompile(`^\*\*([^*]+?)\*\*\s*:\s*(.*)$|^\*\*([^*]+?):\*\*\s*(.*)$`)
	plainKVRe  = regexp.MustCompile(`^([^:]{2,}?)\s*:\s*(.*)$`)
	fileLineRe = regexp.MustCompile(`^(.*?):(\d+)(?:-(\d+))?$`)
)

// bullet glyphs agents decorate list items with; stripped before filtering
var bulletGlyphs = []string{"✓", "✔", "⚠", "❓", "✗", "✘", "•"}

// ParseSaveBlock applies the save-block grammar to a continuity save,
// handoff, or summary body and returns the accepted ledger update.
// Placeholder items are discarded; a field whose entire value is a
// placeholder yields no change for that field.
func (p *Parser) ParseSaveBlock(body string) *LedgerUpdate {
	update := &LedgerUpdate{}
	current := slotNone

	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimRight(raw, " \t")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if m := sectionRe.FindStringSubmatch(trimmed); m != nil {
			current = lookupSlot(m[1])
			continue
		}

		if m := bulletRe.FindStringSubmatch(trimmed); m != nil {
			item := stripGlyphs(m[1])
			p.acceptItem(update, current, item)
			continue
		}

		if m := boldKVRe.FindStringSubmatch(trimmed); m != nil {
			field, value := boldParts(m)
			current = slotNone // bold key/value resets the active section
			p.acceptValue(update, lookupSlot(field), value)
			continue
		}

		if m := plainKVRe.FindStringSubmatch(trimmed); m != nil {
			field := strings.TrimSpace(m[1])
			if validPlainField(field) {
				s := lookupSlot(field)
				value := strings.TrimSpace(m[2])
				switch {
				case s != slotNone && value == "":
					// "Completed:" on its own line opens a section for
					// the bullets that follow.
					current = s
				case s != slotNone:
					p.acceptValue(update, s, value)
				}
				// Unknown but well-formed fields are ignored rather than
				// misfiled into the active section.
				continue
			}
		}

		// Bare line inside a section: treat like a bullet.
		if current != slotNone {
			p.acceptItem(update, current, stripGlyphs(trimmed))
		}
	}

	return update
}

func boldParts(m []string) (field, value string) {
	// boldKVRe has two alternatives: **Field**: value and **Field:** value
	if m[1] != "" || m[2] != "" {
		return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
	}
	return strings.TrimSpace(m[3]), strings.TrimSpace(m[4])
}

// validPlainField rejects keys that are really paths or code fragments.
func validPlainField(field string) bool {
	if len(field) < 2 {
		return false
	}
	return !strings.ContainsAny(field, "/\\`")
}

func lookupSlot(name string) slot {
	key := strings.ToLower(strings.TrimSpace(name))
	if s, ok := fieldSlots[key]; ok {
		return s
	}
	return slotNone
}

func stripGlyphs(s string) string {
	s = strings.TrimSpace(s)
	for _, g := range bulletGlyphs {
		if strings.HasPrefix(s, g) {
			s = strings.TrimSpace(strings.TrimPrefix(s, g))
			break
		}
	}
	return s
}

// acceptItem adds one list item to the slot, subject to the denylist.
func (p *Parser) acceptItem(u *LedgerUpdate, s slot, item string) {
	if s == slotNone || p.denylist.Matches(item) {
		return
	}
	switch s {
	case slotCurrentTask:
		if u.CurrentTask == "" {
			u.CurrentTask = item
		}
	case slotCompleted:
		u.Completed = append(u.Completed, item)
	case slotInProgress:
		u.InProgress = append(u.InProgress, item)
	case slotBlocked:
		u.Blocked = append(u.Blocked, item)
	case slotDecisions:
		u.Decisions = append(u.Decisions, item)
	case slotUncertain:
		u.Uncertain = append(u.Uncertain, item)
	case slotFiles:
		if ref, ok := parseFileRef(item); ok {
			u.Files = append(u.Files, ref)
		}
	}
}

// acceptValue routes a key/value's value into the slot. List-valued slots
// accept comma-separated values; each element is filtered independently.
func (p *Parser) acceptValue(u *LedgerUpdate, s slot, value string) {
	value = strings.TrimSpace(value)
	if s == slotNone || value == "" {
		return
	}
	if s == slotCurrentTask {
		if !p.denylist.Matches(value) {
			u.CurrentTask = value
		}
		return
	}
	for _, part := range strings.Split(value, ",") {
		p.acceptItem(u, s, strings.TrimSpace(part))
	}
}

// parseFileRef parses "<path>[:<startLine>[-<endLine>]]".
func parseFileRef(item string) (FileRef, bool) {
	item = strings.TrimSpace(item)
	if item == "" {
		return FileRef{}, false
	}
	if m := fileLineRe.FindStringSubmatch(item); m != nil && m[1] != "" {
		start, err := strconv.Atoi(m[2])
		if err == nil {
			ref := FileRef{Path: m[1], StartLine: start}
			if m[3] != "" {
				if end, err := strconv.Atoi(m[3]); err == nil {
					ref.EndLine = end
				}
			}
			return ref, true
		}
	}
	return FileRef{Path: item}, true
}
