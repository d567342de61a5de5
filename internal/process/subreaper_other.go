//go:build !linux && !windows

package process

// SetSubreaper is a no-op outside Linux.
func SetSubreaper() error { return nil }
