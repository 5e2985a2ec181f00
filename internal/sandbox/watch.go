package sandbox

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/arbiterhq/arbiter/internal/logging"
)

// watch logs out-of-band mutation of a sandbox directory while a round is
// in flight — writes an adapter makes through its declared Invoke channel
// are expected; anything else landing on disk mid-round is suspicious.
type watch struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func startWatch(root string, logger *logging.Logger) (*watch, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &watch{watcher: fw, done: make(chan struct{})}
	w.addRecursive(root)
	go w.loop(logger)
	return w, nil
}

func (w *watch) addRecursive(root string) {
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			_ = w.watcher.Add(path)
		}
		return nil
	})
}

func (w *watch) loop(logger *logging.Logger) {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) != 0 {
				logger.Debug("sandbox mutation observed", "path", event.Name, "op", event.Op.String())
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = w.watcher.Add(event.Name)
					}
				}
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *watch) stop() {
	close(w.done)
	_ = w.watcher.Close()
}
