package sitesync

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"folio/api/internal/pages"
)

type fakeStore struct {
	mu       sync.Mutex
	UpsertFn func(path, html string) error
	pages    map[string]string
	editors  map[string]string
	signal   chan string
}

func (f *fakeStore) UpsertPage(_ context.Context, path, html, editor string) error {
	if f.UpsertFn != nil {
		if err := f.UpsertFn(path, html); err != nil {
			return err
		}
	}
	f.mu.Lock()
	if f.pages == nil {
		f.pages = make(map[string]string)
		f.editors = make(map[string]string)
	}
	f.pages[path] = html
	f.editors[path] = editor
	f.mu.Unlock()
	if f.signal != nil {
		select {
		case f.signal <- path:
		default:
		}
	}
	return nil
}

func (f *fakeStore) get(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages[path]
}

func writeSite(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, body := range files {
		full := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	return dir
}

var site = map[string]string{
	"index.html":          "<html><body>home</body></html>",
	"pages/about.html":    "<html><body>about</body></html>",
	"pages/cv/full.html":  "<html><body>cv</body></html>",
	"pages/admin/x.html":  "<html><body>admin</body></html>",
	"pages/notes.txt":     "not a page",
	"admin/index.html":    "<html><body>admin</body></html>",
	"assets/partial.html": "<p>partial</p>",
}

func TestPlan(t *testing.T) {
	s, err := New(Config{Site: pages.Resolver{Dir: writeSite(t, site)}, DryRun: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name    string
		paths   []string
		want    []string
		wantErr error
	}{
		{name: "all managed pages", want: []string{"index.html", "pages/about.html", "pages/cv/full.html"}},
		{name: "explicit and deduplicated", paths: []string{"/pages/about.html", "pages/./about.html", "index.html?x=1"}, want: []string{"pages/about.html", "index.html"}},
		{name: "traversal", paths: []string{"../secret.html"}, wantErr: pages.ErrInvalidPath},
		{name: "not html", paths: []string{"pages/notes.txt"}, wantErr: pages.ErrInvalidPath},
		{name: "admin", paths: []string{"admin/index.html"}, wantErr: pages.ErrAdminPath},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.Plan(tc.paths)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Plan() error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Plan() error = %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Plan() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRunUpsertsLocalPages(t *testing.T) {
	store := &fakeStore{}
	var out bytes.Buffer
	s, err := New(Config{Site: pages.Resolver{Dir: writeSite(t, site)}, Store: store, Out: &out})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	report, err := s.Run(context.Background(), []string{"index.html", "pages/about.html"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(report.Synced) != 2 {
		t.Fatalf("synced = %v", report.Synced)
	}
	if got := store.get("pages/about.html"); got != site["pages/about.html"] {
		t.Fatalf("stored about = %q", got)
	}
	if store.editors["index.html"] != Editor {
		t.Fatalf("editor = %q", store.editors["index.html"])
	}
	if !strings.Contains(out.String(), "synced 2/2 page(s)") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunMissingFileWritesNothing(t *testing.T) {
	store := &fakeStore{}
	s, _ := New(Config{Site: pages.Resolver{Dir: writeSite(t, site)}, Store: store})

	if _, err := s.Run(context.Background(), []string{"index.html", "pages/gone.html"}); err == nil {
		t.Fatal("Run() should fail on a missing file")
	}
	if store.get("index.html") != "" {
		t.Fatal("no page should be written when one is missing")
	}
}

func TestRunStopsOnStoreFailure(t *testing.T) {
	store := &fakeStore{UpsertFn: func(path, _ string) error {
		if path == "pages/about.html" {
			return errors.New("connection reset")
		}
		return nil
	}}
	s, _ := New(Config{Site: pages.Resolver{Dir: writeSite(t, site)}, Store: store})

	report, err := s.Run(context.Background(), []string{"index.html", "pages/about.html", "pages/cv/full.html"})
	if err == nil || !strings.Contains(err.Error(), "pages/about.html") {
		t.Fatalf("Run() error = %v", err)
	}
	if !reflect.DeepEqual(report.Synced, []string{"index.html"}) {
		t.Fatalf("synced = %v", report.Synced)
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	var out bytes.Buffer
	s, err := New(Config{Site: pages.Resolver{Dir: writeSite(t, site)}, DryRun: true, Out: &out})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	rels, _ := s.Plan(nil)
	if _, err := s.Run(context.Background(), rels); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.String(), "[dry-run] Would sync 3 page(s).") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunFetchesFromSourceBase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cb") == "" {
			t.Errorf("missing cache buster on %s", r.URL)
		}
		switch r.URL.Path {
		case "/Resume/index.html":
			w.Write([]byte("<html>deployed home</html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	store := &fakeStore{}
	s, err := New(Config{Store: store, SourceBase: srv.URL + "/Resume", Client: srv.Client()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := s.Run(context.Background(), []string{"index.html"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if store.get("index.html") != "<html>deployed home</html>" {
		t.Fatalf("stored = %q", store.get("index.html"))
	}
	if _, err := s.Run(context.Background(), []string{"pages/missing.html"}); err == nil {
		t.Fatal("a 404 should fail the sync")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{SourceBase: "ftp://example.com/"}); err == nil {
		t.Fatal("non-http source base should be rejected")
	}
	if _, err := New(Config{}); err == nil {
		t.Fatal("missing store should be rejected outside dry-run")
	}
}

func TestWatchResyncsChangedPage(t *testing.T) {
	dir := writeSite(t, site)
	store := &fakeStore{signal: make(chan string, 8)}
	s, _ := New(Config{Site: pages.Resolver{Dir: dir}, Store: store})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, 20*time.Millisecond) }()
	defer func() {
		cancel()
		<-done
	}()

	updated := "<html><body>about v2</body></html>"
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := os.WriteFile(filepath.Join(dir, "pages", "about.html"), []byte(updated), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		select {
		case path := <-store.signal:
			if path != "pages/about.html" {
				t.Fatalf("synced unexpected page %s", path)
			}
			if store.get(path) == updated {
				return
			}
		case <-deadline:
			t.Fatal("change was not synced")
		case <-tick.C:
		}
	}
}

func TestRelPage(t *testing.T) {
	s := &Syncer{cfg: Config{Site: pages.Resolver{Dir: "/srv/site"}}}
	tests := map[string]string{
		"/srv/site/index.html":         "index.html",
		"/srv/site/pages/about.html":   "pages/about.html",
		"/srv/site/assets/x.html":      "",
		"/srv/site/pages/admin/a.html": "",
		"/srv/site/pages/a.html.swp":   "",
	}
	for name, want := range tests {
		got, ok := s.relPage(name)
		if got != want || ok != (want != "") {
			t.Fatalf("relPage(%q) = %q, %v", name, got, ok)
		}
	}
}
