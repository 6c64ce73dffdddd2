package pages

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"folio/api/internal/dom"
	"folio/api/internal/store"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var ErrNotFound = errors.New("page not found")

const (
	SourceSnapshot = "snapshot"
	SourceStatic   = "static"
)

type Snapshots interface {
	GetPage(ctx context.Context, candidates []string) (store.Page, error)
}

// Loaded is the document a page path currently resolves to.
type Loaded struct {
	Path      string
	HTML      string
	Source    string
	UpdatedAt time.Time
}

// Loader resolves what a page looks like right now: the latest stored
// snapshot, or the static file when there is none.
type Loader struct {
	Static    Resolver
	Snapshots Snapshots
	// AssetBase is the public storage base legacy image paths are moved to.
	AssetBase string
}

func (l Loader) Load(ctx context.Context, requestPath string) (Loaded, error) {
	rel, err := Canonical(requestPath)
	if err != nil {
		return Loaded{}, err
	}

	static, err := l.Static.Read(rel)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Loaded{}, fmt.Errorf("read static page %s: %w", rel, err)
	}

	var snap store.Page
	if l.Snapshots != nil {
		snap, err = l.Snapshots.GetPage(ctx, Candidates(requestPath))
		if err != nil && !store.IsNotFound(err) {
			log.Printf("pages: snapshot lookup for %s failed, serving static: %v", rel, err)
		}
	}

	out := Loaded{Path: rel}
	switch chosen := Choose(static, snap.HTML); {
	case chosen == "":
		return Loaded{}, fmt.Errorf("%w: %s", ErrNotFound, rel)
	case chosen == snap.HTML && chosen != static:
		out.HTML, out.Source, out.UpdatedAt = chosen, SourceSnapshot, snap.UpdatedAt
	default:
		out.HTML, out.Source = chosen, SourceStatic
	}

	if l.AssetBase != "" {
		out.HTML = l.normalizeAssets(out.HTML)
	}
	return out, nil
}

// normalizeAssets moves legacy relative image paths onto the storage base.
// Documents that do not parse are returned as they are.
func (l Loader) normalizeAssets(markup string) string {
	doc, err := dom.ParseString(markup)
	if err != nil {
		return markup
	}
	changed := false
	dom.Walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		if n.DataAtom == atom.Img {
			if src := dom.Attr(n, "src"); src != "" {
				if next := NormalizeAssetURL(src, l.AssetBase, ""); next != src && strings.HasPrefix(next, l.AssetBase) {
					dom.SetAttr(n, "src", next)
					changed = true
				}
			}
		}
		if ref, ok := dom.BackgroundURL(n); ok {
			if next := NormalizeAssetURL(ref, l.AssetBase, ""); next != ref && strings.HasPrefix(next, l.AssetBase) {
				dom.SetBackgroundURL(n, next)
				changed = true
			}
		}
		return true
	})
	if !changed {
		return markup
	}
	out, err := dom.Render(doc)
	if err != nil {
		return markup
	}
	return out
}
