package diagnostics

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"gpu-passthrough/pkg"
)

// Change is a modification to a managed boot-configuration file.
type Change struct {
	Path string
	Op   string
}

// Watcher reports changes to managed boot-configuration files made by
// anything, so drift from the recorded state can be noticed.
type Watcher struct {
	files   map[string]bool
	dirs    []string
	watcher *fsnotify.Watcher
	logger  *logrus.Entry
}

// NewWatcher watches the given files. Their parent directories are
// watched, so files that do not exist yet are reported when created.
func NewWatcher(files []string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		files:   map[string]bool{},
		watcher: fw,
		logger:  pkg.Component("diagnostics"),
	}
	seen := map[string]bool{}
	for _, f := range files {
		f = filepath.Clean(f)
		w.files[f] = true
		dir := filepath.Dir(f)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		if err := fw.Add(dir); err != nil {
			w.logger.WithError(err).WithField("path", dir).Warn("failed to watch directory")
			continue
		}
		w.dirs = append(w.dirs, dir)
	}
	if len(w.dirs) == 0 {
		_ = fw.Close()
		return nil, fmt.Errorf("none of the configuration directories could be watched")
	}
	return w, nil
}

// Dirs returns the watched directories.
func (w *Watcher) Dirs() []string {
	return w.dirs
}

// Run delivers changes to fn until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context, fn func(Change)) error {
	defer w.watcher.Close()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.files[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			w.logger.WithFields(logrus.Fields{"path": event.Name, "op": event.Op.String()}).Debug("boot configuration changed")
			fn(Change{Path: event.Name, Op: event.Op.String()})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Error("file watcher error")
		case <-ctx.Done():
			return nil
		}
	}
}
