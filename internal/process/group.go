// Package process launches shell commands as the leader of their own session
// and controls them as a unit: liveness is probed on the leader, termination
// is delivered to the whole process group so that anything the command
// forked receives it too.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// sweepGrace is the least time group members may outlive a reaped leader
// before they are killed.
const sweepGrace = 250 * time.Millisecond

// Options configure how a group leader is launched.
// Nil Stdout/Stderr inherit the supervisor's own streams; a nil Env inherits
// the supervisor's environment.
type Options struct {
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Group is one launched command and every process it spawns.
// The leader's pid doubles as the process-group id.
type Group struct {
	pid        int
	outputDone chan struct{}
}

// Launch starts argv as the leader of a new session. The pid is known as soon
// as Launch returns; a command that fails after exec only shows up as a failed
// liveness check later on.
func Launch(argv []string, opts Options) (*Group, error) {
	if len(argv) == 0 {
		return nil, errors.New("launch: empty argv")
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", argv[0], err)
	}

	stdin, err := os.Open(os.DevNull)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer func() { _ = stdin.Close() }()

	stdout, err := newOutput(opts.Stdout, os.Stdout)
	if err != nil {
		return nil, err
	}
	stderr, err := newOutput(opts.Stderr, os.Stderr)
	if err != nil {
		stdout.abort()
		return nil, err
	}

	p, err := os.StartProcess(path, argv, &os.ProcAttr{
		Dir:   opts.Dir,
		Env:   opts.Env,
		Files: []*os.File{stdin, stdout.child, stderr.child},
		Sys:   configureSysProcAttr(),
	})
	if err != nil {
		stdout.abort()
		stderr.abort()
		return nil, fmt.Errorf("launch %s: %w", argv[0], err)
	}

	g := &Group{pid: p.Pid, outputDone: make(chan struct{})}
	// The group is reaped with wait4 on the raw pid, never through os.Process.
	_ = p.Release()

	stdout.start()
	stderr.start()
	go func() {
		stdout.wait()
		stderr.wait()
		close(g.outputDone)
	}()

	return g, nil
}

// Pid returns the leader pid, which is also the process-group id.
func (g *Group) Pid() int { return g.pid }

func (g *Group) String() string { return strconv.Itoa(g.pid) }

// OutputDone is closed once every group member has closed the output pipes
// created for non-file writers. It is closed right away for inherited streams.
func (g *Group) OutputDone() <-chan struct{} { return g.outputDone }

// IsRunning reports whether the leader still answers a signal-0 probe.
// A leader that exited but was not reaped yet still answers the probe.
func (g *Group) IsRunning() bool {
	return processExists(g.pid)
}

// Stop sends SIGTERM to the whole group and blocks until the leader has been
// reaped. If the leader is still around after timeout the group is killed
// with SIGKILL. Members that outlive the leader get whatever is left of
// timeout, at least sweepGrace, and are then killed as well. When the leader
// is already gone its pid still names the group, so leftover members are
// terminated the same way.
func (g *Group) Stop(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if !g.IsRunning() {
		return g.stopOrphans(deadline)
	}

	pgid, err := unix.Getpgid(g.pid)
	if err != nil {
		if errors.Is(err, unix.ESRCH) {
			return g.stopOrphans(deadline)
		}
		return fmt.Errorf("getpgid %d: %w", g.pid, err)
	}

	if err := signalGroup(pgid, unix.SIGTERM); err != nil {
		return err
	}

	reaped, err := waitPidUntil(g.pid, deadline)
	if err != nil {
		return err
	}
	if !reaped {
		if err := signalGroup(pgid, unix.SIGKILL); err != nil {
			return err
		}
		if err := waitPid(g.pid); err != nil {
			return err
		}
	}

	return sweepGroup(pgid, sweepDeadline(deadline))
}

// stopOrphans terminates members left behind by a leader that is already gone.
func (g *Group) stopOrphans(deadline time.Time) error {
	if !groupExists(g.pid) {
		return nil
	}
	if err := signalGroup(g.pid, unix.SIGTERM); err != nil {
		return err
	}
	return sweepGroup(g.pid, sweepDeadline(deadline))
}

// sweepDeadline is the later of deadline and sweepGrace from now.
func sweepDeadline(deadline time.Time) time.Time {
	if floor := time.Now().Add(sweepGrace); floor.After(deadline) {
		return floor
	}
	return deadline
}

// sweepGroup waits for leftover members of pgid until deadline and kills
// whatever is still there.
func sweepGroup(pgid int, deadline time.Time) error {
	for groupExists(pgid) {
		if time.Now().After(deadline) {
			return signalGroup(pgid, unix.SIGKILL)
		}
		time.Sleep(pollInterval)
	}
	return nil
}

// output is one stdio stream of a leader: either a file handed to the child
// directly, or a pipe pumped into an arbitrary writer.
type output struct {
	child  *os.File
	reader *os.File
	dst    io.Writer
	done   chan struct{}
}

func newOutput(w io.Writer, fallback *os.File) (*output, error) {
	if w == nil {
		w = fallback
	}
	if f, ok := w.(*os.File); ok {
		return &output{child: f}, nil
	}
	r, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	return &output{child: pw, reader: r, dst: w, done: make(chan struct{})}, nil
}

// start closes the parent's copy of the write end and pumps the pipe until
// the last writer in the group is gone.
func (o *output) start() {
	if o.reader == nil {
		return
	}
	_ = o.child.Close()
	go func() {
		defer close(o.done)
		defer func() { _ = o.reader.Close() }()
		_, _ = io.Copy(o.dst, o.reader)
	}()
}

func (o *output) wait() {
	if o.done != nil {
		<-o.done
	}
}

func (o *output) abort() {
	if o.reader == nil {
		return
	}
	_ = o.child.Close()
	_ = o.reader.Close()
}
