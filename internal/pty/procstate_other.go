//go:build !linux

package pty

import "errors"

var errProcStateUnsupported = errors.New("process state inspection not supported on this platform")

// readProcState is Linux-only; elsewhere the idle detector treats the
// process-state signal as neutral.
func readProcState(_ int) (byte, error) {
	return 0, errProcStateUnsupported
}
