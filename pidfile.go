package main

import (
	"fmt"
	"os"
)

// writePidFile records the running process's PID at path, if path is
// non-empty (spec.md §6.2). Overwrites any stale file left by a prior run.
func writePidFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// removePidFile deletes the PID file written by writePidFile. Missing files
// are not an error: shutdown must not fail because cleanup already happened.
func removePidFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: failed to remove pid file %s: %v\n", path, err)
	}
}
