// Package term provides terminal output analysis for Aviary: ANSI stripping,
// continuation-line joining, and structured-marker extraction from agent
// CLI output.
package term

import (
	"regexp"
	"strings"
)

var (
	// CSI sequences: ESC [ params final-byte
	csiPattern = regexp.MustCompile(`\x1b\[[0-9;?<=>]*[ -/]*[@-~]`)

	// OSC sequences: ESC ] ... (BEL or ST terminated)
	oscPattern = regexp.MustCompile(`\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)

	// Two-byte escapes (charset selection, keypad modes, ...)
	twoBytePattern = regexp.MustCompile(`\x1b[@-Z\\-_]`)

	// Drawing activity hints: cursor movement, erase, scroll region.
	// Used as a negative idle signal - a TUI that is repainting emits these.
	drawingPattern = regexp.MustCompile(`\x1b\[[0-9;]*[ABCDEFGHJKSTfr]`)
)

// StripANSI removes ANSI escape sequences from s and normalizes PTY line
// endings (CRLF and bare CR) to newlines. Raw bytes are preserved elsewhere
// for re-display; this form exists only for parsing.
func StripANSI(s string) string {
	s = oscPattern.ReplaceAllString(s, "")
	s = csiPattern.ReplaceAllString(s, "")
	s = twoBytePattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}

// ContainsDrawingActivity reports whether data carries escape sequences that
// indicate an actively repainting TUI (cursor movement, erase, scrolling).
func ContainsDrawingActivity(data []byte) bool {
	return drawingPattern.Match(data)
}
