package policy

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Transform rewrites a freshly loaded table before it is swapped into
// the engine. The server installs one to reapply its profile overlay,
// since a reload that skipped the overlay would silently loosen the
// running posture. Nil swaps the file contents in unchanged.
type Transform func(*SecurityPolicy, string) (*SecurityPolicy, string)

// Reloader watches the policy file for changes and hot-swaps the engine's
// active table.
type Reloader struct {
	watcher   *fsnotify.Watcher
	engine    *Engine
	path      string
	transform Transform
}

// NewReloader creates a file watcher for the policy path. A missing file
// is not an error; the reloader simply has nothing to watch until the
// process restarts.
func NewReloader(engine *Engine, path string, tr Transform) (*Reloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := watcher.Add(path); err != nil {
				watcher.Close()
				return nil, fmt.Errorf("failed to watch %q: %w", path, err)
			}
		}
	}

	return &Reloader{
		watcher:   watcher,
		engine:    engine,
		path:      path,
		transform: tr,
	}, nil
}

// Run watches for file changes and reloads the policy table. Blocks until
// ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	// Debounce: wait 500ms after last write before reloading
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					if err := r.reload(); err != nil {
						fmt.Fprintf(os.Stderr, "hot-reload failed: %v\n", err)
					} else {
						fmt.Fprintf(os.Stderr, "hot-reload: policy reloaded (hash %s)\n", r.engine.PolicyHash())
					}
				})
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "file watcher error: %v\n", err)
		}
	}
}

func (r *Reloader) reload() error {
	pol, hash, err := LoadWithHash(r.path)
	if err != nil {
		return err
	}
	if r.transform != nil {
		pol, hash = r.transform(pol, hash)
	}
	r.engine.Reload(pol, hash)
	return nil
}
