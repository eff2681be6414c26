package pipeline

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/conductor/internal/content"
	"github.com/haasonsaas/conductor/internal/hub"
)

// Watcher relays filesystem changes to connected clients. Changes to a
// slug's manifest.json become manifest-changed, changes under the content
// tree become hugo-content-changed, everything else file-changed.
type Watcher struct {
	fsw         *fsnotify.Watcher
	broadcaster Broadcaster
	manifests   *content.ManifestStore
	contentDir  string
	logger      *slog.Logger
	done        chan struct{}
}

// NewWatcher creates a watcher. contentDir scopes hugo-content-changed
// routing; it may be empty. manifests, when non-nil, is consulted so
// manifest-changed messages carry the slug's current asset count.
func NewWatcher(broadcaster Broadcaster, manifests *content.ManifestStore, contentDir string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:         fsw,
		broadcaster: broadcaster,
		manifests:   manifests,
		contentDir:  contentDir,
		logger:      logger,
		done:        make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Watch adds paths to the watch set.
func (w *Watcher) Watch(paths ...string) error {
	for _, path := range paths {
		if err := w.fsw.Add(path); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.route(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) route(event fsnotify.Event) {
	op := strings.ToLower(event.Op.String())

	if filepath.Base(event.Name) == "manifest.json" {
		slug := filepath.Base(filepath.Dir(event.Name))
		assets := 0
		if w.manifests != nil {
			if m, err := w.manifests.Load(slug); err == nil {
				assets = len(m.Assets)
			} else {
				w.logger.Warn("manifest load failed", "slug", slug, "error", err)
			}
		}
		w.broadcaster.Broadcast(hub.NewManifestChanged(slug, assets))
		return
	}
	if w.contentDir != "" && strings.HasPrefix(event.Name, w.contentDir) {
		w.broadcaster.Broadcast(hub.NewHugoContentChanged(event.Name, op))
		return
	}
	w.broadcaster.Broadcast(hub.NewFileChanged(event.Name, op))
}
