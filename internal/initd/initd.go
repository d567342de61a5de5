// Package initd is a minimal init: it reaps every orphan handed to it and,
// when given a command, runs it in its own session and mirrors its exit code.
package initd

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dillendev/up/internal/event"
	"github.com/dillendev/up/internal/logger"
	"github.com/dillendev/up/internal/metrics"
	"github.com/dillendev/up/internal/process"
)

const (
	DefaultStopTimeout = 10 * time.Second
	// DefaultPoll bounds how long a missed SIGCHLD can delay a reap.
	DefaultPoll = time.Second
)

// ExitLaunchFailed is returned when the command cannot be started.
const ExitLaunchFailed = 127

type Options struct {
	Argv        []string
	Env         []string
	StopTimeout time.Duration
	Poll        time.Duration
	// Subreaper marks the process as child subreaper on Linux.
	Subreaper bool
	Logger    *slog.Logger
}

type Controller struct {
	opts    Options
	events  <-chan event.Event
	stopped *atomic.Bool
	log     *slog.Logger
}

// Handle requests shutdown; it satisfies event.Stopper.
type Handle struct {
	stopped *atomic.Bool
	events  chan<- event.Event
}

func (h *Handle) Stop() {
	h.stopped.Store(true)
	select {
	case h.events <- event.WakeUp{}:
	default:
	}
}

func New(events chan event.Event, opts Options) (*Controller, *Handle) {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	stopped := &atomic.Bool{}
	c := &Controller{
		opts:    opts,
		events:  events,
		stopped: stopped,
		log:     logger.Component(log, "init"),
	}
	return c, &Handle{stopped: stopped, events: events}
}

// Run reaps until shutdown is requested or the command's leader exits. The
// returned code is the leader's exit code, or 0 after a requested shutdown.
func (c *Controller) Run() (int, error) {
	if c.opts.Subreaper {
		if err := process.SetSubreaper(); err != nil {
			c.log.Warn("Failed to become subreaper", "error", err)
		}
	}

	var g *process.Group
	if len(c.opts.Argv) > 0 {
		var err error
		g, err = process.Launch(c.opts.Argv, process.Options{Env: c.opts.Env})
		if err != nil {
			return ExitLaunchFailed, fmt.Errorf("init: %w", err)
		}
		c.log.Info("Started command", "pid", g.Pid(), "argv", c.opts.Argv)
	}

	ticker := time.NewTicker(c.opts.Poll)
	defer ticker.Stop()

	for {
		if c.stopped.Load() {
			return c.shutdown(g)
		}

		select {
		case ev, ok := <-c.events:
			if !ok {
				c.events = nil
				continue
			}
			c.log.Debug("Received event", "event", fmt.Sprintf("%T", ev))
		case <-ticker.C:
		}

		if code, exited := c.reap(g); exited {
			c.log.Info("Command exited", "pid", g.Pid(), "code", code)
			return code, nil
		}
	}
}

// reap collects every exited descendant and reports whether the leader of g
// was among them.
func (c *Controller) reap(g *process.Group) (int, bool) {
	code, exited := 0, false
	n := process.ReapAll(func(pid int, ws unix.WaitStatus) {
		if g != nil && pid == g.Pid() {
			code, exited = process.ExitCode(ws), true
			return
		}
		c.log.Debug("Reaped orphan", "pid", pid, "code", process.ExitCode(ws))
	})
	metrics.AddReaped(n)
	return code, exited
}

func (c *Controller) shutdown(g *process.Group) (int, error) {
	c.log.Info("Shutting down")
	if g != nil {
		if err := g.Stop(c.opts.StopTimeout); err != nil {
			return 1, fmt.Errorf("init: stop %s: %w", g, err)
		}
	}
	c.reap(nil)
	return 0, nil
}
