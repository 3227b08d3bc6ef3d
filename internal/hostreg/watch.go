package hostreg

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the topology file at path whenever it changes, until ctx
// ends. Invalid revisions are logged and ignored; the last good topology
// stays in effect. reloaded, when non-nil, is called after every successful
// reload.
func (r *Registry) Watch(ctx context.Context, path string, reloaded func(Topology)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("hostreg: create watcher: %w", err)
	}
	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("hostreg: watch %q: %w", dir, err)
	}
	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				r.reload(path, reloaded)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("hostreg.watch.error", "path", path, "error", err)
			}
		}
	}()
	return nil
}

func (r *Registry) reload(path string, reloaded func(Topology)) {
	top, err := Load(path)
	if err != nil {
		r.logger.Warn("hostreg.reload.failed", "path", path, "error", err)
		return
	}
	if err := r.Update(top); err != nil {
		r.logger.Warn("hostreg.reload.rejected", "path", path, "error", err)
		return
	}
	if reloaded != nil {
		reloaded(r.Topology())
	}
}
