//go:build linux

package pty

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// readProcState returns the kernel state letter for pid from
// /proc/<pid>/stat (R running, S sleeping, D disk wait, Z zombie).
// The comm field may contain spaces and parentheses, so the state is
// the first field after the last ')'.
func readProcState(pid int) (byte, error) {
	if pid <= 0 {
		return 0, errors.New("invalid pid")
	}
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	s := string(raw)
	idx := strings.LastIndexByte(s, ')')
	if idx < 0 || idx+2 >= len(s) {
		return 0, errors.New("malformed stat line")
	}
	rest := strings.TrimSpace(s[idx+1:])
	if rest == "" {
		return 0, errors.New("malformed stat line")
	}
	return rest[0], nil
}
