//go:build !windows

package process

import "syscall"

// configureSysProcAttr makes the child call setsid before exec, so it leads a
// new session and process group whose id equals its pid.
func configureSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
