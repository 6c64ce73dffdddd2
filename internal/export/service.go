package export

import (
	"context"
	"fmt"
	"strings"

	"folio/api/internal/dom"
	"folio/api/internal/pages"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// PageLoader resolves a request path to the document visitors see.
type PageLoader interface {
	Load(ctx context.Context, requestPath string) (pages.Loaded, error)
}

// Renderer turns a standalone HTML document into PDF bytes.
type Renderer func(ctx context.Context, html string) ([]byte, error)

// printCSS hides the site's interactive furniture on paper.
const printCSS = `@media print {
  #theme-toggle, #theme-toggle-label, #bg-canvas, #particle-canvas, nav { display: none !important; }
  body { background: #fff !important; }
}`

// Service exports published pages.
type Service struct {
	pages   PageLoader
	baseURL string
	render  Renderer
}

// NewService creates an export service. Relative references in the page
// resolve against baseURL, the public address of the visitor site.
func NewService(loader PageLoader, baseURL string) *Service {
	return &Service{pages: loader, baseURL: baseURL, render: renderPDF}
}

// PDF renders the page at requestPath as visitors currently see it.
func (s *Service) PDF(ctx context.Context, requestPath string) (*Result, error) {
	page, err := s.pages.Load(ctx, requestPath)
	if err != nil {
		return nil, err
	}
	doc, title, err := PrintDocument(page.HTML, s.baseURL+pageDir(page.Path))
	if err != nil {
		return nil, fmt.Errorf("prepare print document: %w", err)
	}
	data, err := s.render(ctx, doc)
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = pages.Key(page.Path)
	}
	return &Result{
		Data:     data,
		Filename: sanitizeFilename(title) + ".pdf",
		MimeType: "application/pdf",
	}, nil
}

// PrintDocument prepares a page for headless printing: scripts are
// dropped, a <base> is set so relative assets load, and print styles are
// appended. It returns the document and its title.
func PrintDocument(markup, baseHref string) (string, string, error) {
	doc, err := dom.ParseString(markup)
	if err != nil {
		return "", "", err
	}
	var scripts []*html.Node
	dom.Walk(doc, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Script {
			scripts = append(scripts, n)
			return false
		}
		return true
	})
	for _, n := range scripts {
		dom.Detach(n)
	}

	head := dom.FindTag(doc, atom.Head)
	if head != nil {
		if baseHref != "" && dom.FindTag(head, atom.Base) == nil {
			base := dom.Element("base", html.Attribute{Key: "href", Val: baseHref})
			head.InsertBefore(base, head.FirstChild)
		}
		style := dom.Element("style")
		style.AppendChild(dom.Text(printCSS))
		head.AppendChild(style)
	}

	var title string
	if t := dom.FindTag(doc, atom.Title); t != nil {
		title = strings.Join(strings.Fields(dom.TextContent(t)), " ")
	}
	out, err := dom.Render(doc)
	if err != nil {
		return "", "", err
	}
	return out, title, nil
}

// pageDir is the site-relative directory of a stored page path, with a
// trailing slash.
func pageDir(rel string) string {
	for i := len(rel) - 1; i >= 0; i-- {
		if rel[i] == '/' {
			return "/" + rel[:i+1]
		}
	}
	return "/"
}
