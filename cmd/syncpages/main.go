// Command syncpages copies the static site's HTML pages into the page store.
//
// Usage:
//
//	syncpages                                 # sync index.html and pages/**/*.html
//	syncpages -dry-run                        # list what would be synced
//	syncpages -paths index.html,pages/cv.html # sync only these pages
//	syncpages -source-url-base https://example.com/Resume/
//	syncpages -watch                          # keep syncing on file changes
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"folio/api/internal/config"
	"folio/api/internal/pages"
	"folio/api/internal/sitesync"
	"folio/api/internal/store"
)

func main() {
	cfg := config.Load()

	siteDir := flag.String("site", cfg.SiteDir, "static site directory")
	dryRun := flag.Bool("dry-run", false, "only print what would be synced")
	pathList := flag.String("paths", "", "comma separated relative .html paths to sync (default: all public pages)")
	sourceBase := flag.String("source-url-base", "", "fetch HTML from this deployed site instead of local files")
	watch := flag.Bool("watch", false, "re-sync pages when their files change")
	watchDelay := flag.Duration("watch-delay", sitesync.DefaultWatchDelay, "quiet period before a watched change is synced")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, options{
		siteDir:    *siteDir,
		dryRun:     *dryRun,
		paths:      splitPaths(*pathList, flag.Args()),
		sourceBase: *sourceBase,
		watch:      *watch,
		watchDelay: *watchDelay,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(2)
	}
}

type options struct {
	siteDir    string
	dryRun     bool
	paths      []string
	sourceBase string
	watch      bool
	watchDelay time.Duration
}

func run(ctx context.Context, cfg config.Config, opts options) error {
	syncCfg := sitesync.Config{
		Site:       pages.Resolver{Dir: opts.siteDir},
		SourceBase: opts.sourceBase,
		DryRun:     opts.dryRun,
		Out:        os.Stdout,
	}
	if !opts.dryRun {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		syncCfg.Store = store.NewPostgresStore(db)
	}

	syncer, err := sitesync.New(syncCfg)
	if err != nil {
		return err
	}
	rels, err := syncer.Plan(opts.paths)
	if err != nil {
		return err
	}
	if _, err := syncer.Run(ctx, rels); err != nil {
		return err
	}
	if !opts.watch {
		return nil
	}
	log.Printf("syncpages: watching %s, press Ctrl+C to stop", opts.siteDir)
	return syncer.Watch(ctx, opts.watchDelay)
}

func splitPaths(list string, args []string) []string {
	var out []string
	for _, p := range strings.Split(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return append(out, args...)
}
