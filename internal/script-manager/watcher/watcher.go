// Package watcher evicts cached script content when the backing files change
// outside the service, for example when an operator edits a template in place.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/fsnotify/fsnotify"
)

// Resolver maps a content key to the definition it backs.
type Resolver interface {
	ScriptIDForContentKey(ctx context.Context, key string) (uint, bool)
}

// Invalidator is the cache surface the watcher needs.
type Invalidator interface {
	Invalidate(id uint)
	InvalidateAll()
}

var documentExtensions = map[string]bool{".yaml": true, ".yml": true, ".json": true}

// ContentWatcher watches the library and templates directories.
type ContentWatcher struct {
	resolver Resolver
	cache    Invalidator
	dirs     []string

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

func New(resolver Resolver, cache Invalidator, dirs ...string) *ContentWatcher {
	return &ContentWatcher{resolver: resolver, cache: cache, dirs: dirs, done: make(chan struct{})}
}

// Start begins watching. Directories that do not exist yet are created so a
// later first write is still observed.
func (w *ContentWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	for _, dir := range w.dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			hlog.Warnf("ContentWatcher: cannot create %s: %v", dir, err)
			continue
		}
		if err := watcher.Add(dir); err != nil {
			hlog.Warnf("ContentWatcher: failed to watch %s: %v", dir, err)
		}
	}
	w.watcher = watcher
	go w.processEvents(ctx)
	hlog.Infof("ContentWatcher: watching %d script directories", len(w.dirs))
	return nil
}

func (w *ContentWatcher) processEvents(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			hlog.Errorf("ContentWatcher: watcher error: %v", err)
		}
	}
}

func (w *ContentWatcher) handle(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	base := filepath.Base(event.Name)
	ext := strings.ToLower(filepath.Ext(base))
	if !documentExtensions[ext] {
		return
	}
	key := strings.TrimSuffix(base, filepath.Ext(base))
	if id, ok := w.resolver.ScriptIDForContentKey(ctx, key); ok {
		hlog.CtxDebugf(ctx, "ContentWatcher: %s %s, evicting script %d", event.Op, base, id)
		w.cache.Invalidate(id)
		return
	}
	hlog.CtxDebugf(ctx, "ContentWatcher: %s %s has no definition, clearing cache", event.Op, base)
	w.cache.InvalidateAll()
}

// Stop closes the underlying watcher and waits for the event loop to exit.
func (w *ContentWatcher) Stop() {
	if w.watcher == nil {
		return
	}
	w.once.Do(func() {
		_ = w.watcher.Close()
		<-w.done
	})
}
