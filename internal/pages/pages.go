// Package pages maps request paths onto stored page paths and site files.
// Stored paths are relative and slash separated, e.g. "index.html" or
// "pages/about.html".
package pages

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"folio/api/internal/dom"

	"golang.org/x/net/html/atom"
)

var (
	ErrInvalidPath = errors.New("invalid page path")
	ErrAdminPath   = errors.New("admin pages are not managed")
)

// SafeRel cleans a relative .html path. Traversal, non-.html targets and
// admin pages are rejected.
func SafeRel(raw string) (string, error) {
	value := strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/")
	value = cutAny(value, "?#")
	value = strings.TrimLeft(value, "/")
	if value == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}

	var parts []string
	for _, part := range strings.Split(value, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: %s", ErrInvalidPath, raw)
		}
		parts = append(parts, part)
	}
	clean := strings.Join(parts, "/")
	if !strings.HasSuffix(clean, ".html") {
		return "", fmt.Errorf("%w: only .html paths are supported, got %s", ErrInvalidPath, raw)
	}
	if IsAdmin(clean) {
		return "", fmt.Errorf("%w: %s", ErrAdminPath, raw)
	}
	return clean, nil
}

func IsAdmin(rel string) bool {
	rel = strings.TrimLeft(strings.ToLower(rel), "/")
	return rel == "admin" || strings.HasPrefix(rel, "admin/") || strings.Contains(rel, "/admin/")
}

// Canonical turns a request path into a stored page path. Directories map
// to their index.html and extensionless paths gain .html.
func Canonical(requestPath string) (string, error) {
	p := cutAny(strings.TrimSpace(requestPath), "?#")
	if p == "" || strings.HasSuffix(p, "/") {
		p += "index.html"
	} else if path.Ext(p) == "" {
		p += ".html"
	}
	return SafeRel(p)
}

// Candidates lists every stored path a request may have been saved under,
// canonical form first.
func Candidates(requestPath string) []string {
	canonical, err := Canonical(requestPath)
	if err != nil {
		return nil
	}
	out := []string{canonical, "/" + canonical}
	if dir, ok := strings.CutSuffix(canonical, "index.html"); ok {
		out = append(out, dir, "/"+dir)
	}

	seen := make(map[string]bool, len(out))
	unique := out[:0]
	for _, c := range out {
		if seen[c] {
			continue
		}
		seen[c] = true
		unique = append(unique, c)
	}
	return unique
}

// Key is the storage folder name for a page's uploaded images.
func Key(rel string) string {
	rel = strings.TrimSuffix(strings.TrimLeft(rel, "/"), ".html")
	if rel == "" {
		return "index"
	}
	return strings.ReplaceAll(rel, "/", "-")
}

var remoteRef = regexp.MustCompile(`(?i)^(https?:|data:|blob:)`)

// NormalizeAssetURL rewrites legacy relative image paths onto the public
// storage base. assets/ is dropped from the key; images/ and projects/ keep
// their prefix. Other relative paths are resolved against rootPrefix.
func NormalizeAssetURL(raw, storageBase, rootPrefix string) string {
	ref := strings.TrimSpace(raw)
	if ref == "" || remoteRef.MatchString(ref) || strings.HasPrefix(ref, "/") {
		return ref
	}
	cleaned := strings.TrimPrefix(ref, "./")
	for strings.HasPrefix(cleaned, "../") {
		cleaned = strings.TrimPrefix(cleaned, "../")
	}
	if base := strings.TrimRight(storageBase, "/"); base != "" {
		if rest, ok := strings.CutPrefix(cleaned, "assets/"); ok {
			return base + "/" + rest
		}
		if strings.HasPrefix(cleaned, "images/") || strings.HasPrefix(cleaned, "projects/") {
			return base + "/" + cleaned
		}
	}
	return rootPrefix + cleaned
}

// HasSnapshotMarker reports whether a document was produced by the
// snapshot serializer.
func HasSnapshotMarker(doc string) bool {
	root, err := dom.ParseString(doc)
	if err != nil {
		return false
	}
	htmlEl := dom.FindTag(root, atom.Html)
	return htmlEl != nil && dom.Attr(htmlEl, dom.SnapshotMarker) == "1"
}

// Choose picks what a visitor sees: the stored snapshot, unless there is
// none or the static page is itself a snapshot.
func Choose(static, snapshot string) string {
	if strings.TrimSpace(snapshot) == "" {
		return static
	}
	if static != "" && HasSnapshotMarker(static) {
		return static
	}
	return snapshot
}

// Resolver reads static pages from the site directory.
type Resolver struct {
	Dir string
}

// Read returns the static file for a stored page path.
func (r Resolver) Read(rel string) (string, error) {
	clean, err := SafeRel(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(r.Dir, filepath.FromSlash(clean)))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// List returns the managed pages under the site directory: index.html and
// everything under pages/, admin pages excluded, sorted.
func (r Resolver) List() ([]string, error) {
	var out []string
	if info, err := os.Stat(filepath.Join(r.Dir, "index.html")); err == nil && !info.IsDir() {
		out = append(out, "index.html")
	}
	pagesDir := filepath.Join(r.Dir, "pages")
	if _, err := os.Stat(pagesDir); err != nil {
		return out, nil
	}
	err := filepath.WalkDir(pagesDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".html") {
			return nil
		}
		rel, err := filepath.Rel(r.Dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !IsAdmin(rel) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	return out, nil
}

func cutAny(s, chars string) string {
	if i := strings.IndexAny(s, chars); i >= 0 {
		return s[:i]
	}
	return s
}
