package term

import (
	"fmt"
	"regexp"
	"strings"
)

// MarkerKind identifies the family of a structured marker.
type MarkerKind string

const (
	MarkerRelay      MarkerKind = "relay"
	MarkerSpawn      MarkerKind = "spawn"
	MarkerRelease    MarkerKind = "release"
	MarkerContinuity MarkerKind = "continuity"
	MarkerSummary    MarkerKind = "summary"
	MarkerSessionEnd MarkerKind = "session_end"
)

// ContinuityVerb is the sub-command of a continuity marker.
type ContinuityVerb string

const (
	VerbSave      ContinuityVerb = "save"
	VerbLoad      ContinuityVerb = "load"
	VerbSearch    ContinuityVerb = "search"
	VerbUncertain ContinuityVerb = "uncertain"
	VerbHandoff   ContinuityVerb = "handoff"
)

// Marker is one structured artifact extracted from agent output.
type Marker struct {
	Kind MarkerKind

	// Relay fields
	To   string // agent name, "*", "#channel", "dm:a:b", "private:name"
	Body string // message body, fence stripped

	// Spawn/release fields
	Name string
	CLI  string
	Task string

	// Continuity fields
	Verb    ContinuityVerb
	Handoff bool // save --handoff
	Query   string
	Item    string

	// Raw is the exact matched text, used as a dedupe key upstream.
	Raw string
}

// DedupeKey returns a stable key identifying this marker's content.
func (m *Marker) DedupeKey() string {
	return fmt.Sprintf("%s:%s", m.Kind, m.Raw)
}

// Parser extracts structured markers from cleaned terminal output.
// The marker wire format is bit-exact and case-sensitive; the prefixes are
// configurable so embedders can namespace their own vocabulary.
type Parser struct {
	relayPrefix      string
	continuityPrefix string
	denylist         *Denylist

	summaryRe     *regexp.Regexp
	sessionEndRe  *regexp.Regexp
	relayFencedRe *regexp.Regexp
	relayLineRe   *regexp.Regexp
	spawnRe       *regexp.Regexp
	spawnFencedRe *regexp.Regexp
	releaseRe     *regexp.Regexp
	contFencedRe  *regexp.Regexp
	contSearchRe  *regexp.Regexp
	contSrchFenRe *regexp.Regexp
	contUncertRe  *regexp.Regexp
	contLoadRe    *regexp.Regexp
}

// ParserConfig configures the marker vocabulary.
type ParserConfig struct {
	RelayPrefix      string   // default "->relay:"
	ContinuityPrefix string   // default "->continuity:"
	ExtraPlaceholder []string // merged over the built-in denylist
}

// NewParser builds a Parser for the given vocabulary.
func NewParser(cfg ParserConfig) *Parser {
	relay := cfg.RelayPrefix
	if relay == "" {
		relay = "->relay:"
	}
	cont := cfg.ContinuityPrefix
	if cont == "" {
		cont = "->continuity:"
	}

	qr := regexp.QuoteMeta(relay)
	qc := regexp.QuoteMeta(cont)

	return &Parser{
		relayPrefix:      relay,
		continuityPrefix: cont,
		denylist:         NewDenylist(cfg.ExtraPlaceholder),

		summaryRe:    regexp.MustCompile(`(?s)\[\[SUMMARY\]\]\n?(.*?)\n?\[\[/SUMMARY\]\]`),
		sessionEndRe: regexp.MustCompile(`(?s)\[\[SESSION_END\]\]\n?(.*?)\n?\[\[/SESSION_END\]\]`),

		// Fenced form first: body may span joined lines.
		relayFencedRe: regexp.MustCompile(`(?s)` + qr + `([^\s<]+)\s*<<<\n?(.*?)\n?>>>`),
		relayLineRe:   regexp.MustCompile(`(?m)^` + qr + `(\S+)[ \t]+(.+?)[ \t]*$`),

		spawnRe:       regexp.MustCompile(`(?m)^` + qr + `spawn[ \t]+(\S+)[ \t]+(\S+)[ \t]+"([^"]*)"[ \t]*$`),
		spawnFencedRe: regexp.MustCompile(`(?s)` + qr + `spawn[ \t]+(\S+)[ \t]+(\S+)\s*<<<\n?(.*?)\n?>>>`),
		releaseRe:     regexp.MustCompile(`(?m)^` + qr + `release[ \t]+(\S+)[ \t]*$`),

		contFencedRe: regexp.MustCompile(`(?s)` + qc + `(save|handoff)((?:[ \t]+--handoff)?)\s*<<<\n?(.*?)\n?>>>`),
		contSearchRe: regexp.MustCompile(`(?m)^` + qc + `search[ \t]+"([^"]*)"[ \t]*$`),
		contSrchFenRe: regexp.MustCompile(`(?s)` + qc + `search\s*<<<\n?(.*?)\n?>>>`),
		contUncertRe: regexp.MustCompile(`(?m)^` + qc + `uncertain[ \t]+"([^"]*)"[ \t]*$`),
		contLoadRe:   regexp.MustCompile(`(?m)^` + qc + `load[ \t]*$`),
	}
}

// RelayPrefix returns the configured relay command prefix.
func (p *Parser) RelayPrefix() string { return p.relayPrefix }

// ContinuityPrefix returns the configured continuity command prefix.
func (p *Parser) ContinuityPrefix() string { return p.continuityPrefix }

// Denylist exposes the placeholder filter shared with the save-block grammar.
func (p *Parser) Denylist() *Denylist { return p.denylist }

// Prefixes returns both marker prefixes, for continuation joining.
func (p *Parser) Prefixes() []string {
	return []string{p.relayPrefix, p.continuityPrefix}
}

// Extract scans cleaned (ANSI-stripped, continuation-joined) output text and
// returns every structured marker found, in document order of family.
// Placeholder and documentation examples are rejected: a relay command with
// an empty or placeholder-only body yields no marker.
func (p *Parser) Extract(text string) []Marker {
	var out []Marker

	for _, m := range p.summaryRe.FindAllStringSubmatch(text, -1) {
		out = append(out, Marker{Kind: MarkerSummary, Body: m[1], Raw: m[0]})
	}
	for _, m := range p.sessionEndRe.FindAllStringSubmatch(text, -1) {
		out = append(out, Marker{Kind: MarkerSessionEnd, Body: m[1], Raw: m[0]})
	}

	// Spawn and release claim their reserved targets before generic relay
	// matching; track claimed spans so the generic patterns skip them.
	claimed := newSpanSet()

	for _, idx := range p.spawnRe.FindAllStringSubmatchIndex(text, -1) {
		raw := text[idx[0]:idx[1]]
		name := text[idx[2]:idx[3]]
		cli := text[idx[4]:idx[5]]
		task := text[idx[6]:idx[7]]
		claimed.add(idx[0], idx[1])
		out = append(out, Marker{Kind: MarkerSpawn, Name: name, CLI: cli, Task: task, Raw: raw})
	}
	for _, idx := range p.spawnFencedRe.FindAllStringSubmatchIndex(text, -1) {
		if claimed.overlaps(idx[0], idx[1]) {
			continue
		}
		raw := text[idx[0]:idx[1]]
		claimed.add(idx[0], idx[1])
		out = append(out, Marker{
			Kind: MarkerSpawn,
			Name: text[idx[2]:idx[3]],
			CLI:  text[idx[4]:idx[5]],
			Task: text[idx[6]:idx[7]],
			Raw:  raw,
		})
	}
	for _, idx := range p.releaseRe.FindAllStringSubmatchIndex(text, -1) {
		raw := text[idx[0]:idx[1]]
		claimed.add(idx[0], idx[1])
		out = append(out, Marker{Kind: MarkerRelease, Name: text[idx[2]:idx[3]], Raw: raw})
	}

	for _, idx := range p.relayFencedRe.FindAllStringSubmatchIndex(text, -1) {
		if claimed.overlaps(idx[0], idx[1]) {
			continue
		}
		to := text[idx[2]:idx[3]]
		if to == "spawn" || to == "release" {
			continue
		}
		body := text[idx[4]:idx[5]]
		if p.rejectBody(body) {
			continue
		}
		claimed.add(idx[0], idx[1])
		out = append(out, Marker{Kind: MarkerRelay, To: to, Body: body, Raw: text[idx[0]:idx[1]]})
	}
	for _, idx := range p.relayLineRe.FindAllStringSubmatchIndex(text, -1) {
		if claimed.overlaps(idx[0], idx[1]) {
			continue
		}
		to := text[idx[2]:idx[3]]
		if to == "spawn" || to == "release" {
			continue
		}
		body := strings.TrimSpace(text[idx[4]:idx[5]])
		// A single-line match that is actually the head of a fenced form
		// has already been claimed by the fenced pattern above.
		if strings.HasPrefix(body, "<<<") {
			continue
		}
		if p.rejectBody(body) {
			continue
		}
		out = append(out, Marker{Kind: MarkerRelay, To: to, Body: body, Raw: text[idx[0]:idx[1]]})
	}

	out = append(out, p.extractContinuity(text)...)
	return out
}

func (p *Parser) extractContinuity(text string) []Marker {
	var out []Marker

	for _, m := range p.contFencedRe.FindAllStringSubmatch(text, -1) {
		verb := ContinuityVerb(m[1])
		handoff := verb == VerbHandoff || strings.Contains(m[2], "--handoff")
		body := m[3]
		if strings.TrimSpace(body) == "" {
			continue
		}
		out = append(out, Marker{Kind: MarkerContinuity, Verb: verb, Handoff: handoff, Body: body, Raw: m[0]})
	}
	for _, m := range p.contLoadRe.FindAllStringSubmatch(text, -1) {
		out = append(out, Marker{Kind: MarkerContinuity, Verb: VerbLoad, Raw: m[0]})
	}
	for _, m := range p.contSearchRe.FindAllStringSubmatch(text, -1) {
		if strings.TrimSpace(m[1]) == "" {
			continue
		}
		out = append(out, Marker{Kind: MarkerContinuity, Verb: VerbSearch, Query: m[1], Raw: m[0]})
	}
	for _, m := range p.contSrchFenRe.FindAllStringSubmatch(text, -1) {
		q := strings.TrimSpace(m[1])
		if q == "" {
			continue
		}
		out = append(out, Marker{Kind: MarkerContinuity, Verb: VerbSearch, Query: q, Raw: m[0]})
	}
	for _, m := range p.contUncertRe.FindAllStringSubmatch(text, -1) {
		item := strings.TrimSpace(m[1])
		if item == "" || p.denylist.Matches(item) {
			continue
		}
		out = append(out, Marker{Kind: MarkerContinuity, Verb: VerbUncertain, Item: item, Raw: m[0]})
	}

	return out
}

// rejectBody reports whether a relay body is empty or placeholder-only.
func (p *Parser) rejectBody(body string) bool {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return true
	}
	return p.denylist.Matches(trimmed)
}

// spanSet tracks claimed [start,end) ranges in the scanned text.
type spanSet struct {
	spans [][2]int
}

func newSpanSet() *spanSet { return &spanSet{} }

func (s *spanSet) add(start, end int) {
	s.spans = append(s.spans, [2]int{start, end})
}

func (s *spanSet) overlaps(start, end int) bool {
	for _, sp := range s.spans {
		if start < sp[1] && end > sp[0] {
			return true
		}
	}
	return false
}
