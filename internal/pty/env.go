package pty

import (
	"fmt"
	"os"
	"strings"
)

// mergeEnv builds the child environment: the daemon's own environment,
// overridden by per-agent variables, overridden last by the forced set
// that keeps interactive CLIs usable inside a headless PTY.
func mergeEnv(env map[string]string, term string) []string {
	base := make(map[string]string, len(os.Environ())+len(env)+4)

	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			base[entry[:eq]] = entry[eq+1:]
		}
	}
	for k, v := range env {
		base[k] = v
	}

	if term == "" {
		term = "xterm-256color"
	}
	// Forced last: a predictable terminal type, no color variance for
	// the marker parser, no attempts to open browsers or X displays.
	base["TERM"] = term
	base["NO_COLOR"] = "1"
	base["BROWSER"] = "echo"
	base["DISPLAY"] = ""

	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	return merged
}
