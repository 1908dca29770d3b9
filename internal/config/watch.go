package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the write+rename event pairs most editors and
// SaveSettings itself produce into a single reload.
const debounceWindow = 250 * time.Millisecond

// Watcher reloads Settings from disk whenever its backing file changes.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current *Settings

	onReload func(*Settings, error)
	done     chan struct{}
}

// WatchSettings loads path once, then watches it for changes, applying
// every subsequent write to an in-memory copy reachable via Current.
// onReload, if non-nil, is called after each reload attempt (on a malformed
// file that fails to parse, err is the parse error and the prior settings
// stay live).
func WatchSettings(path string, onReload func(*Settings, error)) (*Watcher, error) {
	cfg, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}

	resolvedPath := path
	if resolvedPath == "" {
		resolvedPath, err = DefaultSettingsPath()
		if err != nil {
			return nil, err
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the containing directory rather than the file itself: editors
	// and SaveSettings's rename-into-place both replace the inode, which an
	// fd-based watch on the file would silently stop following.
	if err := fsw.Add(dirOf(resolvedPath)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     resolvedPath,
		watcher:  fsw,
		current:  cfg,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the most recently loaded Settings.
func (w *Watcher) Current() *Settings {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	var timer *time.Timer
	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWindow, w.reload)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadSettings(w.path)
	if err == nil {
		w.mu.Lock()
		w.current = cfg
		w.mu.Unlock()
	}
	if w.onReload != nil {
		w.onReload(cfg, err)
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[:i]
		}
	}
	return "."
}
