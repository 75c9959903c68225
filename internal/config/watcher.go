package config

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

const pollFallbackInterval = 60 * time.Second

// StartWatcher monitors the config file and hot-reloads the Store on change.
// fsnotify is the primary mechanism; a slow mtime poll runs as a safety net
// for filesystems that drop events.
func StartWatcher(ctx context.Context, path string, store *Store) {
	watcher, err := fsnotify.NewWatcher()
	usePolling := false

	if err != nil {
		log.Printf("[WARN] Config Watcher: fsnotify failed (%v), falling back to polling", err)
		usePolling = true
	} else if err := watcher.Add(path); err != nil {
		log.Printf("[WARN] Config Watcher: cannot watch %s (%v), falling back to polling", path, err)
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
						// Editors often fire a burst of events for one save.
						time.Sleep(100 * time.Millisecond)
						reload(path, store)
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Printf("[ERROR] Config Watcher: %v", err)
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(pollFallbackInterval)
		defer ticker.Stop()

		var lastMod time.Time
		if fi, err := os.Stat(path); err == nil {
			lastMod = fi.ModTime()
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fi, err := os.Stat(path)
				if err != nil {
					continue
				}
				if fi.ModTime().After(lastMod) {
					lastMod = fi.ModTime()
					reload(path, store)
				}
			}
		}
	}()
}

func reload(path string, store *Store) {
	cfg, err := Load(path)
	if err != nil {
		log.Printf("[ERROR] Config Watcher: reload rejected: %v", err)
		return
	}
	store.Replace(cfg)
	log.Printf("Config Watcher: reloaded %s", path)
}
