//go:build linux

package process

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SetSubreaper marks the calling process as child subreaper so orphaned
// descendants are reparented to it instead of to init.
func SetSubreaper() error {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set child subreaper: %w", err)
	}
	return nil
}
