package sitesync

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"folio/api/internal/pages"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
)

const DefaultWatchDelay = 500 * time.Millisecond

// Watch re-syncs pages whenever their local files change, until ctx is
// done. Changes within delay of each other are synced together.
func (s *Syncer) Watch(ctx context.Context, delay time.Duration) error {
	if s.cfg.SourceBase != "" {
		return fmt.Errorf("watch only works on local files")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dirs, err := s.watchDirs()
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	log.Printf("sitesync: watching %d director(ies) under %s", len(dirs), s.cfg.Site.Dir)

	var (
		mu      sync.Mutex
		pending = make(map[string]bool)
	)
	flush := func() {
		mu.Lock()
		rels := make([]string, 0, len(pending))
		for rel := range pending {
			rels = append(rels, rel)
		}
		pending = make(map[string]bool)
		mu.Unlock()
		sort.Strings(rels)
		if _, err := s.Run(ctx, rels); err != nil {
			log.Printf("sitesync: sync failed: %v", err)
		}
	}
	if delay <= 0 {
		delay = DefaultWatchDelay
	}
	debounced := debounce.New(delay)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if isDir, err := statDir(event.Name); err == nil && isDir {
					if err := watcher.Add(event.Name); err != nil {
						log.Printf("sitesync: watch %s: %v", event.Name, err)
					}
					continue
				}
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			rel, ok := s.relPage(event.Name)
			if !ok {
				continue
			}
			mu.Lock()
			pending[rel] = true
			mu.Unlock()
			debounced(flush)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("sitesync: watcher error: %v", err)
		}
	}
}

// watchDirs lists the site root and every directory under pages/.
func (s *Syncer) watchDirs() ([]string, error) {
	dirs := []string{s.cfg.Site.Dir}
	root := filepath.Join(s.cfg.Site.Dir, "pages")
	if ok, err := statDir(root); err != nil || !ok {
		return dirs, nil
	}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return dirs, nil
}

// relPage maps a changed file onto a managed page path.
func (s *Syncer) relPage(name string) (string, bool) {
	rel, err := filepath.Rel(s.cfg.Site.Dir, name)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel != "index.html" && !strings.HasPrefix(rel, "pages/") {
		return "", false
	}
	clean, err := pages.SafeRel(rel)
	if err != nil {
		return "", false
	}
	return clean, true
}

func statDir(p string) (bool, error) {
	info, err := os.Stat(p)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
