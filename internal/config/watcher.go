package config

import (
	"context"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the YAML overlay whenever the underlying file
// changes, falling back to a slow poll if fsnotify can't watch it
// (e.g. the file doesn't exist yet). Grounded on the teacher's own
// license-file watcher: fsnotify primary, ticker-based poll as a
// redundant safety net rather than an either/or fallback.
type Watcher struct {
	path string
	cfg  *Config
	onReload func(*Config)
}

func NewWatcher(path string, cfg *Config, onReload func(*Config)) *Watcher {
	return &Watcher{path: path, cfg: cfg, onReload: onReload}
}

// Run watches path for changes until ctx is done, reloading cfg's
// YAML overlay fields in place on each change.
func (w *Watcher) Run(ctx context.Context) {
	if w.path == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	usePolling := false
	if err != nil {
		log.Printf("config watcher: fsnotify unavailable (%v), falling back to polling", err)
		usePolling = true
	} else if err := watcher.Add(w.path); err != nil {
		log.Printf("config watcher: cannot watch %s (%v), falling back to polling", w.path, err)
		usePolling = true
		watcher.Close()
	}

	if !usePolling {
		go func() {
			defer watcher.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
						time.Sleep(100 * time.Millisecond)
						w.reload()
					}
				case _, ok := <-watcher.Errors:
					if !ok {
						return
					}
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.reload()
			}
		}
	}()
}

func (w *Watcher) reload() {
	if err := w.cfg.applyYAML(w.path); err != nil {
		log.Printf("config watcher: reload failed: %v", err)
		return
	}
	if w.onReload != nil {
		w.onReload(w.cfg)
	}
}
