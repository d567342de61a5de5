package process

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const pollInterval = 20 * time.Millisecond

// waitPidUntil polls pid with a non-blocking wait4 until it has been reaped or
// deadline passes. A pid that is no longer our child counts as reaped: some
// other reap pass collected it first.
func waitPidUntil(pid int, deadline time.Time) (bool, error) {
	for {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return true, nil
		case err != nil:
			return false, fmt.Errorf("wait %d: %w", pid, err)
		case wpid == pid:
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(pollInterval)
	}
}

// waitPid blocks until pid has been reaped.
func waitPid(pid int) error {
	for {
		var ws unix.WaitStatus
		_, err := unix.Wait4(pid, &ws, 0, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case err == nil, errors.Is(err, unix.ECHILD):
			return nil
		default:
			return fmt.Errorf("wait %d: %w", pid, err)
		}
	}
}

// Reap collects one exited child of the supervisor without blocking. It
// returns pid 0 when no child has exited yet or there are no children at all.
func Reap() (int, unix.WaitStatus, error) {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return 0, ws, nil
		case err != nil:
			return 0, ws, fmt.Errorf("reap: %w", err)
		}
		if pid < 0 {
			pid = 0
		}
		return pid, ws, nil
	}
}

// ReapAll reaps exited children until none is left and returns how many were
// collected. fn, when non-nil, observes every reaped pid and its status.
func ReapAll(fn func(pid int, status unix.WaitStatus)) int {
	n := 0
	for {
		pid, ws, err := Reap()
		if err != nil || pid == 0 {
			return n
		}
		n++
		if fn != nil {
			fn(pid, ws)
		}
	}
}

// ExitCode maps a wait status to a shell-style exit code: the exit status for
// a normal exit, 128+signal for a signaled one.
func ExitCode(ws unix.WaitStatus) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	default:
		return -1
	}
}
