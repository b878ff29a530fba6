package artifacts

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cochaviz/benchjail/internal/logging"
)

type entry struct {
	kind Kind
	path string
}

// Registry records the paths a job creates so they can be removed on every
// exit path. Teardown removes them newest first.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	entries  []entry
	torndown bool
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logging.Ensure(logger).With("component", "artifacts")}
}

// Track registers path for removal. Relative paths are rejected so a
// teardown never resolves against the working directory.
func (r *Registry) Track(kind Kind, path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("artifact path %q must be absolute", path)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.torndown {
		return fmt.Errorf("track %s after teardown", path)
	}
	r.entries = append(r.entries, entry{kind: kind, path: filepath.Clean(path)})
	return nil
}

// Mkdir creates dir and tracks it.
func (r *Registry) Mkdir(kind Kind, dir string, perm fs.FileMode) error {
	if err := os.MkdirAll(dir, perm); err != nil {
		return fmt.Errorf("create %s: %w", kind, err)
	}
	// MkdirAll honours the umask.
	if err := os.Chmod(dir, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", kind, err)
	}
	return r.Track(kind, dir)
}

// Paths lists what is tracked, oldest first.
func (r *Registry) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		paths = append(paths, e.path)
	}
	return paths
}

// Teardown removes every tracked path. It keeps going past failures and
// returns all of them; calling it again is a no-op.
func (r *Registry) Teardown() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.torndown = true
	r.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if err := os.RemoveAll(e.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s %s: %w", e.kind, e.path, err))
			continue
		}
		r.logger.Debug("artifact removed", "kind", e.kind, "path", e.path)
	}
	return errors.Join(errs...)
}
