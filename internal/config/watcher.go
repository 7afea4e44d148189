package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/labclaw/internal/bus"
	"github.com/basket/labclaw/internal/policy"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// watchedFiles are the home-directory files whose changes are reported.
var watchedFiles = map[string]bool{
	"config.yaml": true,
	"policy.yaml": true,
	".env":        true,
}

// Watcher reports changes to config.yaml, policy.yaml and .env. The home
// directory itself is watched so editors that replace files by rename are
// still seen.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !watchedFiles[filepath.Base(ev.Name)] {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config: file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config: watcher error", "error", err)
			}
		}
	}()
	return nil
}

// FollowPolicy applies policy.yaml changes from events to live until the
// channel closes or ctx ends. A file that fails to parse leaves the
// previous policy active. Each applied reload is announced on b.
func FollowPolicy(ctx context.Context, events <-chan ReloadEvent, live *policy.LivePolicy, b *bus.Bus, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filepath.Base(ev.Path) != "policy.yaml" {
				continue
			}
			if err := policy.ReloadFromFile(live, ev.Path); err != nil {
				logger.Warn("config: policy reload rejected, keeping previous policy", "path", ev.Path, "error", err)
				continue
			}
			version := live.PolicyVersion()
			logger.Info("config: policy reloaded", "policy_version", version)
			b.Publish(bus.TopicPolicyReloaded, bus.PolicyReloadedNotice{Version: version})
		}
	}
}
