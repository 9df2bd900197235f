package feed

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/feedframe/embedhost/lib/logger"
)

// Watch re-seeds the store whenever the manifest file changes. Blocks
// until ctx is cancelled. Editors often replace files on save, so the
// parent directory is watched rather than the file itself.
func (s *Store) Watch(ctx context.Context, manifestPath string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create manifest watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(manifestPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	log := logger.FromContext(ctx)
	target := filepath.Clean(manifestPath)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Seed(ctx, manifestPath); err != nil {
				log.Warn("manifest reload failed", "err", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("manifest watcher error", "err", err)
		}
	}
}
