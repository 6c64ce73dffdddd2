package structure

import (
	"strings"

	"folio/api/internal/dom"
	"folio/api/internal/errs"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// inlinePolicy keeps the formatting an operator can type into an editable
// element: inline emphasis and links.
func inlinePolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("b", "strong", "i", "em", "u", "s", "small", "mark", "code", "sub", "sup", "br", "span")
	p.AllowAttrs("href", "title", "target", "rel").OnElements("a")
	p.AllowStandardURLs()
	p.AllowRelativeURLs(true)
	p.RequireParseableURLs(true)
	return p
}

var textPolicy = inlinePolicy()

// SetText replaces the content of an editable element with sanitized
// markup. Editor chrome inside the element is kept.
func (e *Editor) SetText(id, markup string) (string, error) {
	t, ok := e.Lookup(id)
	if !ok || t.Kind != "text" {
		return "", errs.ErrUnknownTarget
	}
	n := t.Node

	clean := textPolicy.Sanitize(markup)
	nodes, err := html.ParseFragment(strings.NewReader(clean), n)
	if err != nil {
		return "", errs.Validation("markup", err.Error())
	}

	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if !dom.IsChrome(c) {
			n.RemoveChild(c)
		}
		c = next
	}
	first := n.FirstChild
	for _, child := range nodes {
		n.InsertBefore(child, first)
	}
	e.notify("text")
	return clean, nil
}
