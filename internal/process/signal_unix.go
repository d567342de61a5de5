//go:build !windows

package process

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// signalGroup delivers sig to every member of pgid. A group that is already
// empty is not an error.
func signalGroup(pgid int, sig unix.Signal) error {
	if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal group %d with %s: %w", pgid, unix.SignalName(sig), err)
	}
	return nil
}

// processExists probes pid with signal 0.
func processExists(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

// groupExists probes the process group pgid with signal 0.
func groupExists(pgid int) bool {
	return unix.Kill(-pgid, 0) == nil
}
