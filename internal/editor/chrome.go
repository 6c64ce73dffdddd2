package editor

import (
	"folio/api/internal/dom"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	chromeToolbar = "toolbar"
	chromeStatus  = "status"
	chromeLabel   = "label"
	chromeHandle  = "resize-handle"

	attrAction = "data-folio-action"
)

// installChrome appends the operator toolbar to the body. Documents without
// a body get none.
func installChrome(doc *html.Node) {
	body := dom.FindTag(doc, atom.Body)
	if body == nil || findChrome(body, chromeToolbar) != nil {
		return
	}
	bar := dom.Element("div",
		html.Attribute{Key: dom.AttrChrome, Val: chromeToolbar},
		html.Attribute{Key: "class", Val: "folio-toolbar"},
	)
	bar.AppendChild(dom.Element("span",
		html.Attribute{Key: dom.AttrChrome, Val: chromeStatus},
		html.Attribute{Key: "class", Val: "folio-status"},
	))
	for _, b := range []struct{ action, label string }{
		{"publish", "Publish"},
		{"discard", "Discard"},
		{"toggle", "Exit edit mode"},
	} {
		btn := dom.Element("button",
			html.Attribute{Key: "type", Val: "button"},
			html.Attribute{Key: attrAction, Val: b.action},
		)
		btn.AppendChild(dom.Text(b.label))
		bar.AppendChild(btn)
	}
	body.AppendChild(bar)
}

// refreshChrome brings the toolbar status and the selection label in line
// with the current state. Callers hold e.mu.
func (e *Editor) refreshChrome() {
	if e.doc == nil {
		return
	}
	if status := findChrome(e.doc, chromeStatus); status != nil {
		dom.RemoveChildren(status)
		text := "All changes published"
		if e.tracker.Dirty() {
			text = "Unpublished changes"
		}
		if e.publisher != nil && e.publisher.InFlight() {
			text = "Publishing…"
		}
		status.AppendChild(dom.Text(text))
		if e.tracker.Dirty() {
			dom.AddClass(status, "folio-dirty")
		} else {
			dom.RemoveClass(status, "folio-dirty")
		}
	}

	for _, kind := range []string{chromeLabel, chromeHandle} {
		for n := findChrome(e.doc, kind); n != nil; n = findChrome(e.doc, kind) {
			dom.Detach(n)
		}
	}
	sel := e.structure.SelectedNode()
	if sel == nil {
		return
	}
	label := dom.Element("span",
		html.Attribute{Key: dom.AttrChrome, Val: chromeLabel},
		html.Attribute{Key: "class", Val: "folio-label"},
	)
	label.AppendChild(dom.Text(e.structure.Selection().Label))
	sel.InsertBefore(label, sel.FirstChild)
	sel.AppendChild(dom.Element("span",
		html.Attribute{Key: dom.AttrChrome, Val: chromeHandle},
		html.Attribute{Key: "class", Val: "folio-resize-handle"},
	))
}

func findChrome(root *html.Node, kind string) *html.Node {
	var found *html.Node
	dom.Walk(root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode && dom.Attr(n, dom.AttrChrome) == kind {
			found = n
			return false
		}
		return true
	})
	return found
}
