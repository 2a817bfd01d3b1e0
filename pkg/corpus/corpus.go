// Package corpus provides read access to detection-rule repositories, either
// from a local mirror on disk or from a hosted Git repository.
package corpus

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/exploopio/attackmap/pkg/errors"
	"github.com/exploopio/attackmap/pkg/logging"
)

// Source lists and reads the files of one rule corpus. Paths are
// slash-separated and relative to the corpus root.
type Source interface {
	Name() string
	List(ctx context.Context) ([]string, error)
	Read(ctx context.Context, path string) ([]byte, error)
}

// FilterExt keeps the paths whose extension (case-insensitive) is one of
// exts. Order is preserved.
func FilterExt(paths []string, exts ...string) []string {
	var out []string
	for _, p := range paths {
		ext := strings.ToLower(path.Ext(p))
		for _, e := range exts {
			if ext == strings.ToLower(e) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// FilterPrefix keeps the paths under dir.
func FilterPrefix(paths []string, dir string) []string {
	dir = strings.Trim(dir, "/")
	if dir == "" {
		return paths
	}
	var out []string
	for _, p := range paths {
		if p == dir || strings.HasPrefix(p, dir+"/") {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// LocalMirror
// =============================================================================

// LocalMirror reads a corpus checked out on the local filesystem.
type LocalMirror struct {
	Root string
}

// NewLocalMirror returns a mirror rooted at dir.
func NewLocalMirror(dir string) *LocalMirror {
	return &LocalMirror{Root: dir}
}

func (m *LocalMirror) Name() string { return "local:" + m.Root }

// List walks the mirror and returns every regular file, sorted. Hidden
// directories such as .git are skipped.
func (m *LocalMirror) List(ctx context.Context) ([]string, error) {
	const op = "corpus.LocalMirror.List"
	info, err := os.Stat(m.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(errors.KindNotFound, op, "mirror "+m.Root+" does not exist")
		}
		return nil, errors.E(errors.KindStorage, op, err)
	}
	if !info.IsDir() {
		return nil, errors.E(errors.KindInvalidInput, op, m.Root+" is not a directory")
	}

	var out []string
	err = filepath.WalkDir(m.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != m.Root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(m.Root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.E(errors.KindStorage, op, err)
	}
	sort.Strings(out)
	return out, nil
}

// Read returns the file at the slash-separated path. Paths escaping the
// mirror root are rejected.
func (m *LocalMirror) Read(ctx context.Context, p string) ([]byte, error) {
	const op = "corpus.LocalMirror.Read"
	clean := path.Clean("/" + p)
	if clean == "/" {
		return nil, errors.E(errors.KindInvalidInput, op, "empty path")
	}
	data, err := os.ReadFile(filepath.Join(m.Root, filepath.FromSlash(clean[1:])))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(errors.KindNotFound, op, p+" not found")
		}
		return nil, errors.E(errors.KindStorage, op, err)
	}
	return data, nil
}

// =============================================================================
// Fallback
// =============================================================================

// Fallback prefers the local mirror and falls back to the remote index when
// the mirror is missing, unreadable or empty. It is safe for concurrent use.
type Fallback struct {
	local  Source
	remote Source
	logger logging.Logger
}

// NewFallback combines a local and a remote source. Either may be nil.
func NewFallback(local, remote Source, logger logging.Logger) *Fallback {
	return &Fallback{local: local, remote: remote, logger: logging.OrDefault(logger, "corpus")}
}

func (f *Fallback) Name() string {
	switch {
	case f.local != nil && f.remote != nil:
		return f.local.Name() + "|" + f.remote.Name()
	case f.local != nil:
		return f.local.Name()
	case f.remote != nil:
		return f.remote.Name()
	}
	return "empty"
}

func (f *Fallback) List(ctx context.Context) ([]string, error) {
	if f.local != nil {
		paths, err := f.local.List(ctx)
		if err == nil && len(paths) > 0 {
			return paths, nil
		}
		if f.remote == nil {
			return paths, err
		}
		if err != nil {
			f.logger.Warn("local corpus %s unavailable, using %s: %v", f.local.Name(), f.remote.Name(), err)
		} else {
			f.logger.Info("local corpus %s is empty, using %s", f.local.Name(), f.remote.Name())
		}
	}
	if f.remote == nil {
		return nil, errors.E(errors.KindNotFound, "corpus.Fallback.List", "no corpus configured")
	}
	return f.remote.List(ctx)
}

// Read tries the local mirror first and the remote index when the local read
// fails. No source choice is kept between calls.
func (f *Fallback) Read(ctx context.Context, p string) ([]byte, error) {
	if f.local != nil {
		data, err := f.local.Read(ctx, p)
		if err == nil || f.remote == nil {
			return data, err
		}
	}
	if f.remote == nil {
		return nil, errors.E(errors.KindNotFound, "corpus.Fallback.Read", "no corpus configured")
	}
	return f.remote.Read(ctx, p)
}

