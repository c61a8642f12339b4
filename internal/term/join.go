package term

import "strings"

// JoinContinuations recovers logical command lines from TUI-reflowed output.
// A line whose stripped content begins with one of the given prefixes is
// extended by subsequent lines that are indented and do not introduce a new
// bullet, section, or prefixed command; continuation lines are joined with
// a newline so fenced bodies survive reflow.
func JoinContinuations(lines []string, prefixes ...string) []string {
	out := make([]string, 0, len(lines))

	i := 0
	for i < len(lines) {
		line := lines[i]
		if !startsWithAny(strings.TrimSpace(line), prefixes) {
			out = append(out, line)
			i++
			continue
		}

		joined := strings.TrimSpace(line)
		j := i + 1
		for j < len(lines) {
			next := lines[j]
			if !isContinuation(next, prefixes) {
				break
			}
			joined += "\n" + strings.TrimSpace(next)
			j++
		}
		out = append(out, joined)
		i = j
	}

	return out
}

// isContinuation reports whether a line extends the command above it:
// indented, non-empty, and not a bullet, section header, or new command.
func isContinuation(line string, prefixes []string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
		return false
	}
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") || strings.HasPrefix(trimmed, "#") {
		return false
	}
	if startsWithAny(trimmed, prefixes) {
		return false
	}
	return true
}

func startsWithAny(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
