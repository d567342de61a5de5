// Package service binds a named shell command, its watch patterns and at most
// one running process group.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dillendev/up/internal/logger"
	"github.com/dillendev/up/internal/metrics"
	"github.com/dillendev/up/internal/process"
)

// Shell runs every service command.
const Shell = "/bin/sh"

// DefaultStopTimeout applies when a Spec carries no StopTimeout.
const DefaultStopTimeout = 10 * time.Second

// outputGrace bounds how long Close waits for the last group's output to drain.
const outputGrace = time.Second

var ErrAlreadyRunning = errors.New("service already running")

// Spec describes one service.
type Spec struct {
	Name        string
	Command     string
	Watch       []string // doublestar patterns relative to the watch root
	Dir         string
	Env         []string // full child environment; nil inherits
	Stdout      io.WriteCloser
	Stderr      io.WriteCloser
	StopTimeout time.Duration
}

// Service owns at most one process group at a time. It is not safe for
// concurrent use; the daemon loop is its only caller.
type Service struct {
	spec  Spec
	group *process.Group
	// output of the most recently launched group
	output <-chan struct{}
	log    *slog.Logger
}

func New(spec Spec, log *slog.Logger) *Service {
	if log == nil {
		log = logger.Discard()
	}
	if spec.StopTimeout <= 0 {
		spec.StopTimeout = DefaultStopTimeout
	}
	return &Service{
		spec: spec,
		log:  logger.Component(log, "service/"+spec.Name),
	}
}

func (s *Service) Name() string { return s.spec.Name }

func (s *Service) Command() string { return s.spec.Command }

// Pid returns the leader pid of the attached group, or 0.
func (s *Service) Pid() int {
	if s.group == nil {
		return 0
	}
	return s.group.Pid()
}

// Start launches the command as `sh -c <command>` in a new session.
func (s *Service) Start() error {
	if s.group != nil {
		return fmt.Errorf("start %s: %w", s.spec.Name, ErrAlreadyRunning)
	}

	g, err := process.Launch([]string{Shell, "-c", s.spec.Command}, process.Options{
		Dir:    s.spec.Dir,
		Env:    s.spec.Env,
		Stdout: s.spec.Stdout,
		Stderr: s.spec.Stderr,
	})
	if err != nil {
		return fmt.Errorf("start %s: %w", s.spec.Name, err)
	}
	s.group = g
	s.output = g.OutputDone()
	s.log.Info("Service started", "pid", g.Pid())
	metrics.IncStart(s.spec.Name)
	return nil
}

// Stop stops the attached group and detaches it. The group stays attached
// when stopping fails so that the caller can retry.
func (s *Service) Stop() error {
	if s.group == nil {
		return nil
	}
	pid := s.group.Pid()
	if err := s.group.Stop(s.spec.StopTimeout); err != nil {
		return fmt.Errorf("stop %s (pid %d): %w", s.spec.Name, pid, err)
	}
	s.group = nil
	s.log.Info("Service stopped", "pid", pid)
	metrics.IncStop(s.spec.Name)
	return nil
}

// IsUp reports whether the attached leader answers a liveness probe.
func (s *Service) IsUp() bool {
	return s.group != nil && s.group.IsRunning()
}

// MatchesPath reports whether path, relative to the watch root, matches any
// of the service's watch patterns.
func (s *Service) MatchesPath(path string) bool {
	path = filepath.ToSlash(path)
	for _, pattern := range s.spec.Watch {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}

// Close releases the output writers once the last group has finished writing
// into them, or after outputGrace. Call it after the final Stop.
func (s *Service) Close() error {
	if s.output != nil {
		select {
		case <-s.output:
		case <-time.After(outputGrace):
			s.log.Warn("Output still open, closing writers")
		}
	}

	var cs []io.Closer
	if s.spec.Stdout != nil {
		cs = append(cs, s.spec.Stdout)
	}
	if s.spec.Stderr != nil {
		cs = append(cs, s.spec.Stderr)
	}
	return logger.CloseAll(cs...)
}
