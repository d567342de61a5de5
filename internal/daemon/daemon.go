// Package daemon runs the supervision loop. A single goroutine owns every
// service and its restart policy; signal and file-watch proxies only feed the
// event channel, so service state needs no locking.
package daemon

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dillendev/up/internal/event"
	"github.com/dillendev/up/internal/logger"
	"github.com/dillendev/up/internal/metrics"
	"github.com/dillendev/up/internal/process"
	"github.com/dillendev/up/internal/service"
)

const (
	DefaultWait       = 3 * time.Second
	DefaultCooldown   = time.Second
	DefaultRetryDelay = 100 * time.Millisecond
)

var ErrDuplicateService = errors.New("duplicate service")

// Unit is a supervised service as seen by the loop.
type Unit interface {
	Name() string
	Start() error
	Stop() error
	IsUp() bool
	MatchesPath(path string) bool
}

type pidder interface {
	Pid() int
}

// Options tune the loop. Zero values fall back to the defaults above.
type Options struct {
	// Root relativizes FileChanged paths before matching.
	Root string
	// Wait bounds how long the loop blocks for an event before a health pass.
	Wait time.Duration
	// Cooldown is the base of every service's restart backoff.
	Cooldown time.Duration
	// RetryDelay separates stop attempts during shutdown.
	RetryDelay time.Duration
	Logger     *slog.Logger
	// AfterPass runs on the loop goroutine after every health pass.
	AfterPass func(*Daemon)
	// Now and Reap replace the clock and the zombie collector; used by tests.
	Now  func() time.Time
	Reap func() int
}

type entry struct {
	unit   Unit
	policy *service.RestartPolicy
	down   bool
	reason string
}

type Daemon struct {
	root       string
	wait       time.Duration
	cooldown   time.Duration
	retryDelay time.Duration
	afterPass  func(*Daemon)
	now        func() time.Time
	reap       func() int

	events  <-chan event.Event
	stopped *atomic.Bool
	state   atomic.Int32
	entries []*entry
	log     *slog.Logger
}

// StopHandle requests shutdown from outside the loop.
type StopHandle struct {
	stopped *atomic.Bool
	events  chan<- event.Event
}

// Stop sets the stop flag and wakes the loop. It never blocks and may be
// called any number of times from any goroutine.
func (h *StopHandle) Stop() {
	h.stopped.Store(true)
	select {
	case h.events <- event.WakeUp{}:
	default:
		// A full channel wakes the loop anyway.
	}
}

// Stopped reports whether Stop has been called.
func (h *StopHandle) Stopped() bool { return h.stopped.Load() }

// New creates a daemon consuming events and the handle that stops it. The
// channel is shared with the proxies; the daemon is its only receiver.
func New(events chan event.Event, opts Options) (*Daemon, *StopHandle) {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	log = logger.Component(log, "daemon")

	d := &Daemon{
		root:       opts.Root,
		wait:       durOr(opts.Wait, DefaultWait),
		cooldown:   durOr(opts.Cooldown, DefaultCooldown),
		retryDelay: durOr(opts.RetryDelay, DefaultRetryDelay),
		afterPass:  opts.AfterPass,
		now:        opts.Now,
		reap:       opts.Reap,
		events:     events,
		stopped:    &atomic.Bool{},
		log:        log,
	}
	if d.root == "" {
		d.root = "."
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.reap == nil {
		d.reap = d.reapAll
	}
	return d, &StopHandle{stopped: d.stopped, events: events}
}

// Attach adds u to the managed set and starts it. A failed start is logged
// and left to the restart logic; only a duplicate name is an error.
func (d *Daemon) Attach(u Unit) error {
	name := u.Name()
	for _, e := range d.entries {
		if e.unit.Name() == name {
			return fmt.Errorf("attach %q: %w", name, ErrDuplicateService)
		}
	}
	e := &entry{
		unit:   u,
		policy: service.NewRestartPolicy(d.cooldown).WithClock(d.now),
	}
	d.entries = append(d.entries, e)

	d.log.Info("Starting service", "name", name)
	if err := u.Start(); err != nil {
		d.log.Error("Failed to start service", "name", name, "error", err)
		metrics.SetUp(name, false)
		return nil
	}
	metrics.SetUp(name, true)
	return nil
}

// Monitor runs the loop until a stop is requested, then stops every service.
func (d *Daemon) Monitor() {
	d.state.Store(int32(Running))
	d.log.Info("Supervising services", "count", len(d.entries), "root", d.root)

	for !d.stopped.Load() {
		d.drain()
		if d.stopped.Load() {
			break
		}
		d.check()
		if d.afterPass != nil {
			d.afterPass(d)
		}
	}

	d.shutdown()
}

// State reports the loop state; it is safe to call from any goroutine.
func (d *Daemon) State() State { return State(d.state.Load()) }

// Services lists the managed service names in order.
func (d *Daemon) Services() []string {
	names := make([]string, 0, len(d.entries))
	for _, e := range d.entries {
		names = append(names, e.unit.Name())
	}
	return names
}

// Pids maps every service that exposes a pid to its current leader.
func (d *Daemon) Pids() map[string]int {
	out := make(map[string]int, len(d.entries))
	for _, e := range d.entries {
		if p, ok := e.unit.(pidder); ok && p.Pid() > 0 {
			out[e.unit.Name()] = p.Pid()
		}
	}
	return out
}

// drain waits up to d.wait for one event and then applies everything else
// that is already queued.
func (d *Daemon) drain() {
	timer := time.NewTimer(d.wait)
	defer timer.Stop()

	select {
	case ev, ok := <-d.events:
		if !ok {
			d.closed()
			return
		}
		d.handle(ev)
	case <-timer.C:
		return
	}

	for {
		select {
		case ev, ok := <-d.events:
			if !ok {
				d.closed()
				return
			}
			d.handle(ev)
		default:
			return
		}
	}
}

// closed stops receiving from a closed channel; the loop keeps running on
// its wait timer.
func (d *Daemon) closed() {
	d.log.Warn("Event channel closed, continuing with health checks only")
	d.events = nil
}

func (d *Daemon) handle(ev event.Event) {
	switch ev := ev.(type) {
	case event.ChildExited:
		if n := d.reap(); n > 0 {
			metrics.AddReaped(n)
		}
	case event.FileChanged:
		d.fileChanged(ev.Path)
	case event.WakeUp:
	}
}

func (d *Daemon) fileChanged(path string) {
	rel := d.relative(path)
	for _, e := range d.entries {
		if !e.unit.MatchesPath(rel) {
			continue
		}
		if !e.policy.Pending() {
			d.log.Debug("File change matched service", "name", e.unit.Name(), "path", rel)
		}
		e.policy.Request()
		if e.reason == "" {
			e.reason = metrics.ReasonFileChange
		}
	}
}

// relative strips the watch root from path; paths outside the root are
// matched as given.
func (d *Daemon) relative(path string) string {
	rel, err := filepath.Rel(d.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}

// check is one health and restart pass over every service in order.
func (d *Daemon) check() {
	for _, e := range d.entries {
		name := e.unit.Name()
		up := e.unit.IsUp()
		metrics.SetUp(name, up)

		if !up {
			if !e.down {
				d.log.Warn("Service is down, restarting", "name", name)
				e.down = true
			}
			e.policy.Request()
			e.reason = metrics.ReasonCrash
		}

		if !e.policy.Pending() {
			if e.policy.Settle() {
				d.log.Debug("Service settled", "name", name)
				metrics.SetRestartAttempts(name, 0)
			}
			continue
		}
		if !e.policy.CanRestartNow() {
			continue
		}

		e.policy.RecordRestart()
		metrics.SetRestartAttempts(name, e.policy.Attempts())
		d.log.Info("Restarting service", "name", name, "reason", e.reason, "attempt", e.policy.Attempts())

		if err := d.restart(e.unit); err != nil {
			d.log.Error("Failed to restart service", "name", name, "error", err)
			metrics.IncRestartFailure(name)
			continue
		}
		e.policy.Clear()
		e.down = false
		metrics.IncRestart(name, e.reason)
		metrics.SetUp(name, true)
		e.reason = ""
	}
}

// restart always cycles stop and start, even when the process is alive.
func (d *Daemon) restart(u Unit) error {
	if err := u.Stop(); err != nil {
		return err
	}
	return u.Start()
}

// shutdown flushes zombies, then stops services front to back. A failing stop
// is retried until it succeeds.
func (d *Daemon) shutdown() {
	d.state.Store(int32(Draining))
	d.log.Info("Shutting down", "services", len(d.entries))

	if n := d.reap(); n > 0 {
		metrics.AddReaped(n)
	}

	for len(d.entries) > 0 {
		e := d.entries[0]
		name := e.unit.Name()
		d.log.Info("Stopping service", "name", name)
		if err := e.unit.Stop(); err != nil {
			d.log.Error("Failed to stop service, retrying", "name", name, "error", err)
			time.Sleep(d.retryDelay)
			continue
		}
		if c, ok := e.unit.(io.Closer); ok {
			if err := c.Close(); err != nil {
				d.log.Warn("Failed to close service output", "name", name, "error", err)
			}
		}
		metrics.SetUp(name, false)
		d.entries = d.entries[1:]
	}

	d.state.Store(int32(Stopped))
	d.log.Info("All services stopped")
}

func (d *Daemon) reapAll() int {
	return process.ReapAll(func(pid int, ws unix.WaitStatus) {
		d.log.Debug("Reaped child", "pid", pid, "code", process.ExitCode(ws))
	})
}

func durOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
