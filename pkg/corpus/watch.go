package corpus

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/exploopio/attackmap/pkg/errors"
	"github.com/exploopio/attackmap/pkg/logging"
)

// Watcher reports changes under local mirror directories so cached adapter
// results built from them can be invalidated.
type Watcher struct {
	fsw    *fsnotify.Watcher
	roots  []string
	logger logging.Logger
}

// NewWatcher registers every directory under roots. Registration is complete
// when it returns.
func NewWatcher(roots []string, logger logging.Logger) (*Watcher, error) {
	const op = "corpus.NewWatcher"
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, err)
	}
	w := &Watcher{fsw: fsw, roots: roots, logger: logging.OrDefault(logger, "corpus.watch")}
	for _, root := range roots {
		if err := w.addTree(root); err != nil {
			_ = fsw.Close()
			return nil, errors.E(errors.KindStorage, op, "watch "+root, err)
		}
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fsw.Add(p)
	})
}

// Run delivers the root of every changed mirror to fn until ctx is done, then
// closes the watcher.
func (w *Watcher) Run(ctx context.Context, fn func(root string)) error {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.logger.Warn("failed to watch new directory %s: %v", ev.Name, err)
					}
				}
			}
			if root := w.rootOf(ev.Name); root != "" {
				fn(root)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error: %v", err)
		}
	}
}

func (w *Watcher) rootOf(p string) string {
	for _, root := range w.roots {
		rel, err := filepath.Rel(root, p)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return root
		}
	}
	return ""
}
