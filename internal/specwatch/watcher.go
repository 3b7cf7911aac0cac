// Package specwatch keeps a spec registry in sync with a directory of spec
// documents. A file named review.yaml registers as spec "review".
package specwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/regression-io/stratum/config"
)

// debounce collapses the bursts of events editors produce for one save.
const debounce = 50 * time.Millisecond

// Registry receives the specs found in the directory.
type Registry interface {
	Put(name string, spec *config.Compiled) error
	Delete(name string)
}

// Watcher loads spec files from a directory and reloads them on change.
// A file that fails to validate keeps its previously registered version.
type Watcher struct {
	dir     string
	loader  *config.Loader
	reg     Registry
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	failed map[string]error
}

// New creates a Watcher for dir.
//
// Returns error if dir is not a directory or cannot be watched.
func New(dir string, loader *config.Loader, reg Registry, logger *slog.Logger) (*Watcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("specs dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("specs dir %s is not a directory", dir)
	}
	if loader == nil {
		loader = config.NewLoader()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	return &Watcher{
		dir:     dir,
		loader:  loader,
		reg:     reg,
		logger:  logger,
		watcher: fw,
		failed:  make(map[string]error),
	}, nil
}

// SpecName returns the registry name of a spec file.
func SpecName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LoadAll registers every spec file currently in the directory. Invalid
// files are skipped; the returned error joins their errors.
func (w *Watcher) LoadAll() (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("reading specs dir: %w", err)
	}

	loaded := 0
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !config.IsSpecFile(e.Name()) {
			continue
		}
		if err := w.load(filepath.Join(w.dir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		loaded++
	}
	return loaded, errors.Join(errs...)
}

// Failed returns the load error of each spec file that currently fails to
// validate, keyed by spec name.
func (w *Watcher) Failed() map[string]error {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]error, len(w.failed))
	for k, v := range w.failed {
		out[k] = v
	}
	return out
}

// Run processes filesystem events until ctx is done, then closes the
// underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := make(map[string]fsnotify.Op)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !config.IsSpecFile(event.Name) {
				continue
			}
			pending[event.Name] |= event.Op
			timer.Reset(debounce)

		case <-timer.C:
			for path, op := range pending {
				w.apply(path, op)
			}
			pending = make(map[string]fsnotify.Op)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("spec watcher error", "dir", w.dir, "error", err)
		}
	}
}

// Close releases the underlying watcher. Run closes it on return.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) apply(path string, op fsnotify.Op) {
	if _, err := os.Stat(path); err != nil {
		// Removed or renamed away.
		if op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			name := SpecName(path)
			w.reg.Delete(name)
			w.mu.Lock()
			delete(w.failed, name)
			w.mu.Unlock()
			w.logger.Info("spec removed", "spec", name)
		}
		return
	}
	if err := w.load(path); err != nil {
		w.logger.Warn("spec reload failed", "path", path, "error", err)
	}
}

func (w *Watcher) load(path string) error {
	name := SpecName(path)
	compiled, err := w.loader.LoadFromFile(path)
	if err == nil {
		err = w.reg.Put(name, compiled)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.failed[name] = err
		return err
	}
	delete(w.failed, name)
	w.logger.Info("spec loaded", "spec", name, "flows", len(compiled.Flows))
	return nil
}
