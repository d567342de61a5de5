// Package up supervises a set of local shell commands described by a TOML
// document: it keeps them running, restarts them when watched files change
// and tears every process they spawned down on shutdown.
package up

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dillendev/up/internal/config"
	"github.com/dillendev/up/internal/daemon"
	"github.com/dillendev/up/internal/env"
	"github.com/dillendev/up/internal/event"
	"github.com/dillendev/up/internal/lockfile"
	"github.com/dillendev/up/internal/logger"
	"github.com/dillendev/up/internal/metrics"
	"github.com/dillendev/up/internal/service"
)

// Re-export configuration types for embedders.
type Config = config.Config

type ServiceConfig = config.ServiceConfig

type Settings = config.Settings

type LogConfig = config.LogConfig

type MetricsConfig = config.MetricsConfig

// DefaultConfigPath is used by the CLI when no file is given.
const DefaultConfigPath = config.DefaultPath

// LoadConfig reads and validates the document at path. UP_* environment
// variables override the settings tables.
func LoadConfig(path string) (*Config, error) { return config.Load(path, nil) }

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithLogger replaces the logger built from the [log] table.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// WithConsole sets where the console log handler writes; default os.Stderr.
func WithConsole(w io.Writer) Option {
	return func(s *Supervisor) { s.console = w }
}

// WithoutSignalHandling leaves SIGTERM and SIGINT to the caller; cancel the
// context passed to Run instead.
func WithoutSignalHandling() Option {
	return func(s *Supervisor) { s.handleSignals = false }
}

// WithoutLock skips the single-instance lock next to the config file.
func WithoutLock() Option {
	return func(s *Supervisor) { s.lock = false }
}

// WithMetrics records metrics into r and exports g to the textfile.
func WithMetrics(r prometheus.Registerer, g prometheus.Gatherer) Option {
	return func(s *Supervisor) { s.registerer, s.gatherer = r, g }
}

// Supervisor runs the services of one Config.
type Supervisor struct {
	cfg           *Config
	log           *slog.Logger
	console       io.Writer
	handleSignals bool
	lock          bool
	registerer    prometheus.Registerer
	gatherer      prometheus.Gatherer

	closeLog  io.Closer
	resources *metrics.ResourceCollector
}

// New prepares a Supervisor. Nothing is started until Run.
func New(cfg *Config, opts ...Option) (*Supervisor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("up: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("up: %w", err)
	}
	s := &Supervisor{
		cfg:           cfg,
		console:       os.Stderr,
		handleSignals: true,
		lock:          true,
		registerer:    prometheus.DefaultRegisterer,
		gatherer:      prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		l, closer, err := logger.New(cfg.LoggerConfig(), s.console)
		if err != nil {
			return nil, fmt.Errorf("up: %w", err)
		}
		s.log, s.closeLog = l, closer
	}
	s.resources = metrics.NewResourceCollector(metrics.ResourceConfig{
		Enabled:  cfg.Metrics.Resources,
		Interval: cfg.Metrics.ResourceInterval,
	})
	return s, nil
}

// Run supervises until SIGTERM/SIGINT or until ctx is cancelled, then stops
// every service. It returns an error only if supervision could not begin.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.closeLog != nil {
		defer func() { _ = s.closeLog.Close() }()
	}

	if s.lock && s.cfg.Path != "" {
		l, err := lockfile.Acquire(lockfile.PathFor(s.cfg.Path))
		if err != nil {
			return fmt.Errorf("up: %w", err)
		}
		defer func() { _ = l.Release() }()
	}

	if err := metrics.Register(s.registerer); err != nil {
		return fmt.Errorf("up: register metrics: %w", err)
	}
	if err := s.resources.Register(s.registerer); err != nil {
		return fmt.Errorf("up: register metrics: %w", err)
	}

	root, err := filepath.Abs(s.cfg.Settings.Root)
	if err != nil {
		return fmt.Errorf("up: watch root: %w", err)
	}

	events := make(chan event.Event, 64)
	d, stop := daemon.New(events, daemon.Options{
		Root:      root,
		Wait:      s.cfg.Settings.Wait,
		Cooldown:  s.cfg.Settings.RestartCooldown,
		Logger:    s.log,
		AfterPass: s.afterPass,
	})

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	// Subscribe before any child exists so that no SIGCHLD is missed.
	if s.handleSignals {
		spawn(event.NewSignalProxy(events, stop, s.log).Run)
	} else {
		spawn(event.NewChildProxy(events, s.log).Run)
	}
	if s.watches() {
		w, err := event.NewWatchProxy(root, events, s.log, s.ownFiles()...)
		if err != nil {
			s.log.Warn("File watching disabled", "root", root, "error", err)
		} else {
			spawn(w.Run)
		}
	}
	spawn(func(ctx context.Context) {
		<-ctx.Done()
		stop.Stop()
	})

	if err := s.attach(d); err != nil {
		stop.Stop()
		d.Monitor()
		return err
	}

	d.Monitor()
	s.export()
	return nil
}

func (s *Supervisor) attach(d *daemon.Daemon) error {
	base := env.FromVars(s.cfg.Vars)
	lc := s.cfg.LoggerConfig()
	for _, sc := range s.cfg.Services {
		stdout, stderr, err := lc.ProcessWriters(sc.Name)
		if err != nil {
			return fmt.Errorf("up: service %q: %w", sc.Name, err)
		}
		svc := service.New(service.Spec{
			Name:        sc.Name,
			Command:     sc.Cmd,
			Watch:       sc.Watch,
			Env:         base.Merge(sc.Env),
			Stdout:      stdout,
			Stderr:      stderr,
			StopTimeout: s.cfg.Settings.StopTimeout,
		}, s.log)
		if err := d.Attach(svc); err != nil {
			_ = svc.Close()
			return fmt.Errorf("up: %w", err)
		}
	}
	return nil
}

func (s *Supervisor) watches() bool {
	for _, sc := range s.cfg.Services {
		if len(sc.Watch) > 0 {
			return true
		}
	}
	return false
}

// ownFiles lists what the supervisor itself writes, so that its own output
// never counts as a change below the watch root.
func (s *Supervisor) ownFiles() []event.WatchOption {
	var opts []event.WatchOption
	if p := s.cfg.Metrics.Textfile; p != "" {
		opts = append(opts, event.IgnorePrefix(p))
	}
	if p := s.cfg.Log.File; p != "" {
		ext := filepath.Ext(p)
		// lumberjack backups are named <stem>-<timestamp><ext>.
		opts = append(opts, event.IgnorePrefix(p), event.IgnorePrefix(strings.TrimSuffix(p, ext)+"-"))
	}
	if d := s.cfg.Log.Dir; d != "" {
		opts = append(opts, event.IgnoreTree(d))
	}
	if s.cfg.Path != "" {
		opts = append(opts, event.IgnorePrefix(lockfile.PathFor(s.cfg.Path)))
	}
	return opts
}

func (s *Supervisor) afterPass(d *daemon.Daemon) {
	s.resources.Sample(d.Pids())
	s.export()
}

func (s *Supervisor) export() {
	if err := metrics.WriteTextfile(s.cfg.Metrics.Textfile, s.gatherer); err != nil {
		s.log.Warn("Failed to write metrics", "path", s.cfg.Metrics.Textfile, "error", err)
	}
}
