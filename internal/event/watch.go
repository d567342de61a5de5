package event

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/dillendev/up/internal/logger"
)

// skipDirs are never watched.
var skipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
}

// WatchOption customizes a WatchProxy.
type WatchOption func(*WatchProxy)

// IgnoreTree drops notifications for dir and everything below it, and keeps
// the directory unwatched.
func IgnoreTree(dir string) WatchOption {
	return func(p *WatchProxy) { p.ignore = append(p.ignore, ignoreRule{path: absClean(dir), tree: true}) }
}

// IgnorePrefix drops notifications for every path starting with path, which
// covers a file plus the temporary and rotated siblings written next to it.
func IgnorePrefix(path string) WatchOption {
	return func(p *WatchProxy) { p.ignore = append(p.ignore, ignoreRule{path: absClean(path)}) }
}

type ignoreRule struct {
	path string
	tree bool
}

func (r ignoreRule) match(path string) bool {
	if !r.tree {
		return strings.HasPrefix(path, r.path)
	}
	return path == r.path || strings.HasPrefix(path, r.path+string(filepath.Separator))
}

func absClean(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// WatchProxy turns create, write and remove notifications below root into
// FileChanged events. Directories created later are watched as they appear.
type WatchProxy struct {
	root   string
	events chan<- Event
	w      *fsnotify.Watcher
	ignore []ignoreRule
	log    *slog.Logger
}

func NewWatchProxy(root string, events chan<- Event, log *slog.Logger, opts ...WatchOption) (*WatchProxy, error) {
	if log == nil {
		log = logger.Discard()
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s: not a directory", root)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	p := &WatchProxy{
		root:   root,
		events: events,
		w:      w,
		log:    logger.Component(log, "watcher"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.addTree(root); err != nil {
		_ = w.Close()
		return nil, err
	}
	return p, nil
}

// Root returns the watched directory.
func (p *WatchProxy) Root() string { return p.root }

// Run forwards notifications until ctx is done or the watcher fails, then
// releases the watcher.
func (p *WatchProxy) Run(ctx context.Context) {
	defer func() { _ = p.w.Close() }()

	for {
		select {
		case <-ctx.Done():
			return

		case err, ok := <-p.w.Errors:
			if !ok {
				return
			}
			p.log.Warn("Watch error", "error", err)

		case evt, ok := <-p.w.Events:
			if !ok {
				return
			}
			if !relevant(evt) || p.ignored(evt.Name) {
				continue
			}
			if evt.Has(fsnotify.Create) {
				p.watchIfDir(evt.Name)
			}
			select {
			case p.events <- FileChanged{Path: evt.Name}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// relevant keeps creation, write and removal; rename and chmod are dropped.
func relevant(evt fsnotify.Event) bool {
	return evt.Has(fsnotify.Create) || evt.Has(fsnotify.Write) || evt.Has(fsnotify.Remove)
}

func (p *WatchProxy) ignored(path string) bool {
	for _, r := range p.ignore {
		if r.match(path) {
			return true
		}
	}
	return false
}

func (p *WatchProxy) watchIfDir(path string) {
	info, err := os.Lstat(path)
	if err != nil || !info.IsDir() || skipDirs[filepath.Base(path)] {
		return
	}
	if err := p.addTree(path); err != nil {
		p.log.Warn("Failed to watch new directory", "path", path, "error", err)
	}
}

// addTree watches dir and every directory below it.
func (p *WatchProxy) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Directories that vanish or are unreadable mid-walk are skipped.
			if path != dir && (errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission)) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && (skipDirs[d.Name()] || p.ignored(path)) {
			return filepath.SkipDir
		}
		if err := p.w.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}
