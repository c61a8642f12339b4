package term

import (
	"regexp"
	"strings"
)

// builtinPlaceholders are literal strings that agents copy out of prompt
// templates and documentation examples. They must never land in a ledger.
var builtinPlaceholders = []string{
	"...",
	"....",
	"[...]",
	"task1",
	"task2",
	"item1",
	"item2",
	"file1",
	"file2",
	"src/file1.ts",
	"src/file2.ts",
	"path/to/file",
	"your task here",
	"what you've done",
	"what you're doing",
	"what's left",
	"tbd",
	"todo",
	"n/a",
	"none yet",
	"etc",
	"etc.",
}

// placeholderPatterns catch formatted variants of the literals above.
var placeholderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\.{2,}$`),
	regexp.MustCompile(`^\[\.{3}\]$`),
	regexp.MustCompile(`^task\d+$`),
	regexp.MustCompile(`^item\d+$`),
	regexp.MustCompile(`^(?:src/)?file\d+\.\w+$`),
	regexp.MustCompile(`^<[^>]*>$`),
}

// Denylist filters placeholder strings out of parsed ledger content.
// The literal set is extensible through configuration; matching is
// case-insensitive on the literal entries.
type Denylist struct {
	literals map[string]struct{}
}

// NewDenylist builds the filter from the built-in set plus extras.
func NewDenylist(extra []string) *Denylist {
	literals := make(map[string]struct{}, len(builtinPlaceholders)+len(extra))
	for _, s := range builtinPlaceholders {
		literals[strings.ToLower(s)] = struct{}{}
	}
	for _, s := range extra {
		s = strings.TrimSpace(strings.ToLower(s))
		if s != "" {
			literals[s] = struct{}{}
		}
	}
	return &Denylist{literals: literals}
}

// Matches reports whether s is a known placeholder.
func (d *Denylist) Matches(s string) bool {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return true
	}
	if _, ok := d.literals[strings.ToLower(trimmed)]; ok {
		return true
	}
	for _, re := range placeholderPatterns {
		if re.MatchString(trimmed) {
			return true
		}
	}
	return false
}

// Filter returns items with every placeholder removed.
func (d *Denylist) Filter(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if !d.Matches(it) {
			out = append(out, strings.TrimSpace(it))
		}
	}
	return out
}
