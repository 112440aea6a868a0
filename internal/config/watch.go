package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-reads the config file when it changes and publishes the
// freshly loaded config to subscribers. Connection strings and the
// worker count are fixed for the life of the process; subscribers pick
// up the batching, retry, and sweep knobs. Editors replace files
// rather than rewrite them, so both Write and Create events trigger a
// reload.
type Watcher struct {
	path string

	mu   sync.Mutex
	subs []func(*Config)

	fw *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config watcher requires an explicit file path")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory, not the file: atomic-rename saves remove the
	// watched inode otherwise.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}
	return &Watcher{path: path, fw: fw}, nil
}

// Subscribe registers a callback invoked with the freshly loaded config
// after every successful reload. Callbacks run on the watcher
// goroutine and must not block.
func (w *Watcher) Subscribe(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

// Run blocks processing file events until ctx is cancelled. A reload
// that fails validation is ignored; the previous config stays active.
func (w *Watcher) Run(ctx context.Context, onErr func(error)) error {
	defer w.fw.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				if onErr != nil {
					onErr(err)
				}
				continue
			}
			w.mu.Lock()
			subs := make([]func(*Config), len(w.subs))
			copy(subs, w.subs)
			w.mu.Unlock()
			for _, fn := range subs {
				fn(cfg)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			if onErr != nil {
				onErr(err)
			}
		}
	}
}
