package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchAndReload watches path's parent directory and calls onChange
// with the freshly-reloaded Config every time path itself changes,
// debounced by 500ms. It returns a stop function; calling it tears
// down the watcher. Errors from the watcher or from a reload attempt
// are passed to onError rather than stopping the watch.
//
// Optional ambient feature, not required by any core invariant: it
// exists to exercise the reference implementation's own fsnotify
// dependency (internal/watcher/watcher.go, internal/local/watcher.go)
// which the core proper has no direct use for.
func WatchAndReload(path string, onChange func(*Config), onError func(error)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	var debounce *time.Timer

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cfg, err := Load(path)
					if err != nil {
						if onError != nil {
							onError(err)
						}
						return
					}
					onChange(cfg)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}
