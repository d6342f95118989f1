package daemon

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/lspd/lspd/internal/applog"
)

// watchSelf watches socketPath's directory and calls onRemoved if the
// socket file itself disappears out from under the daemon — e.g. a
// concurrent `prune` invocation pruned the directory because it judged
// the daemon dead. The daemon has no business running without its own
// socket, so it tears itself down rather than leaking a phantom
// process.
func watchSelf(socketPath string, onRemoved func(), logger *applog.Logger) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(socketPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != socketPath {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					logger.Warn("socket removed out from under daemon, shutting down")
					onRemoved()
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("self-watch error: %v", err)
			}
		}
	}()

	return watcher, nil
}
