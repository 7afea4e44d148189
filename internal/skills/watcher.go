package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 150 * time.Millisecond

// Rebuilder is the registry operation a Watcher triggers.
type Rebuilder interface {
	Rebuild(ctx context.Context) error
}

// Watcher rebuilds the registry when a SKILL.md under one of the document
// dirs changes. It watches the roots and their immediate skill directories.
type Watcher struct {
	dirs   []string
	target Rebuilder
	logger *slog.Logger
	events chan struct{}
}

func NewWatcher(dirs []string, target Rebuilder, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	cp := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if strings.TrimSpace(d) != "" {
			cp = append(cp, d)
		}
	}
	return &Watcher{dirs: cp, target: target, logger: logger, events: make(chan struct{}, 16)}
}

// Events receives one value after each debounced rebuild. It is closed when
// the watcher stops.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	for _, dir := range w.dirs {
		w.addTree(fsw, dir)
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		w.logger.Warn("skills watcher: abs failed", "dir", dir, "error", err)
		return
	}
	if err := fsw.Add(abs); err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("skills watcher: add failed", "dir", abs, "error", err)
		}
		return
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return
	}
	for _, ent := range entries {
		if ent.IsDir() {
			_ = fsw.Add(filepath.Join(abs, ent.Name()))
		}
	}
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer func() {
		_ = fsw.Close()
		close(w.events)
	}()

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			createdDir := false
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					createdDir = true
					_ = fsw.Add(ev.Name)
				}
			}
			// A removed skill dir shows up as a Remove on the dir itself.
			relevant := filepath.Base(ev.Name) == "SKILL.md" || createdDir || (ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && filepath.Ext(ev.Name) == "")
			if !relevant {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}
			timerC = timer.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("skills watcher: error", "error", err)
		case <-timerC:
			timerC = nil
			if w.target != nil {
				if err := w.target.Rebuild(ctx); err != nil {
					w.logger.Warn("skills watcher: rebuild failed", "error", err)
					continue
				}
			}
			select {
			case w.events <- struct{}{}:
			default:
			}
		}
	}
}
