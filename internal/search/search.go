// Package search indexes published pages and answers visitor queries.
package search

import (
	"strings"
	"time"

	"folio/api/internal/dom"
	"folio/api/internal/pages"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Path    string `json:"path"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// PageRecord is the data we index for a published page.
type PageRecord struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	UpdatedAt int64  `json:"updatedAt"`
}

// RecordFromHTML extracts the title and visible text of a snapshot. The
// title is the document <title>, or the first <h1> when there is none.
func RecordFromHTML(path, markup string, updatedAt time.Time) (PageRecord, error) {
	doc, err := dom.ParseString(markup)
	if err != nil {
		return PageRecord{}, err
	}
	rec := PageRecord{ID: pages.Key(path), Path: path, UpdatedAt: updatedAt.Unix()}
	if title := dom.FindTag(doc, atom.Title); title != nil {
		rec.Title = collapse(dom.TextContent(title))
	}
	if rec.Title == "" {
		if h1 := dom.FindTag(doc, atom.H1); h1 != nil {
			rec.Title = collapse(dom.TextContent(h1))
		}
	}

	body := dom.FindTag(doc, atom.Body)
	if body == nil {
		body = doc
	}
	var sb strings.Builder
	dom.Walk(body, func(n *html.Node) bool {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Template, atom.Noscript:
				return false
			}
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		return true
	})
	rec.Text = collapse(sb.String())
	return rec, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
