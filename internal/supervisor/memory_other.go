//go:build !linux

package supervisor

import "errors"

var errMemoryUnsupported = errors.New("memory sampling not supported on this platform")

// readVmRSS is Linux-only; elsewhere crash classification falls back to
// exit codes and signals.
func readVmRSS(_ int) (int64, error) {
	return 0, errMemoryUnsupported
}
