// Package sitesync copies static site pages into the page store, so stored
// snapshots start from the latest deployed HTML.
package sitesync

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"folio/api/internal/pages"
)

// Editor is recorded as the author of synced pages.
const Editor = "syncpages"

type Store interface {
	UpsertPage(ctx context.Context, path, html, editor string) error
}

type Config struct {
	Site  pages.Resolver
	Store Store
	// SourceBase, when set, is a deployed site pages are fetched from
	// instead of the local directory.
	SourceBase string
	Client     *http.Client
	DryRun     bool
	Out        io.Writer
	Now        func() time.Time
}

type Syncer struct {
	cfg Config
}

func New(cfg Config) (*Syncer, error) {
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SourceBase != "" {
		base := strings.TrimSpace(cfg.SourceBase)
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("source base must be http(s), got %q", cfg.SourceBase)
		}
		cfg.SourceBase = base
	}
	if cfg.Store == nil && !cfg.DryRun {
		return nil, fmt.Errorf("a page store is required unless dry-run is set")
	}
	return &Syncer{cfg: cfg}, nil
}

// Plan resolves the pages to sync: the given paths, cleaned, or every
// managed page of the site.
func (s *Syncer) Plan(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return s.cfg.Site.List()
	}
	out := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, raw := range paths {
		rel, err := pages.SafeRel(raw)
		if err != nil {
			return nil, err
		}
		if !seen[rel] {
			seen[rel] = true
			out = append(out, rel)
		}
	}
	return out, nil
}

type Report struct {
	Synced  []string
	Elapsed time.Duration
}

// Run reads every page before writing any, so a missing file aborts the
// sync without a partial upload.
func (s *Syncer) Run(ctx context.Context, rels []string) (Report, error) {
	started := s.cfg.Now()
	if len(rels) == 0 {
		fmt.Fprintln(s.cfg.Out, "No HTML files found to sync (expected index.html and/or pages/**/*.html).")
		return Report{}, nil
	}

	if s.cfg.DryRun {
		source := "local"
		if s.cfg.SourceBase != "" {
			source = s.cfg.SourceBase
		}
		for _, rel := range rels {
			fmt.Fprintf(s.cfg.Out, "[dry-run] %s (%s) -> cms_pages\n", rel, source)
		}
		fmt.Fprintf(s.cfg.Out, "[dry-run] Would sync %d page(s).\n", len(rels))
		return Report{Synced: rels, Elapsed: s.cfg.Now().Sub(started)}, nil
	}

	docs := make([]string, len(rels))
	for i, rel := range rels {
		doc, err := s.read(ctx, rel)
		if err != nil {
			return Report{}, err
		}
		docs[i] = doc
	}

	report := Report{}
	for i, rel := range rels {
		if err := s.cfg.Store.UpsertPage(ctx, rel, docs[i], Editor); err != nil {
			report.Elapsed = s.cfg.Now().Sub(started)
			return report, fmt.Errorf("upsert %s: %w", rel, err)
		}
		report.Synced = append(report.Synced, rel)
		fmt.Fprintf(s.cfg.Out, "synced %d/%d page(s)\n", i+1, len(rels))
	}
	report.Elapsed = s.cfg.Now().Sub(started)
	fmt.Fprintf(s.cfg.Out, "Done. Synced %d page(s) in %.1fs.\n", len(report.Synced), report.Elapsed.Seconds())
	return report, nil
}

func (s *Syncer) read(ctx context.Context, rel string) (string, error) {
	if s.cfg.SourceBase == "" {
		doc, err := s.cfg.Site.Read(rel)
		if err != nil {
			return "", fmt.Errorf("missing local file %s: %w", rel, err)
		}
		return doc, nil
	}
	return s.fetch(ctx, rel)
}

func (s *Syncer) fetch(ctx context.Context, rel string) (string, error) {
	target := s.cfg.SourceBase + rel + "?cb=" + strconv.FormatInt(s.cfg.Now().UnixMilli(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("build request for %s: %w", rel, err)
	}
	req.Header.Set("Accept", "text/html,*/*")
	req.Header.Set("User-Agent", "folio-syncpages/1.0")

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rel, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch %s: status %d", rel, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	log.Printf("sitesync: fetched %s (%d bytes)", rel, len(body))
	return string(body), nil
}
