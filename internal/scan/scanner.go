// Package scan tags the live document with the roles the editor works on:
// editable text, structural sections and image assets.
package scan

import (
	"folio/api/internal/config"
	"folio/api/internal/dom"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	classEditable = "folio-editable"
	classSection  = "folio-section"
	classAsset    = "folio-asset"
)

// Target is one tagged element. Node is only valid until the next rescan.
type Target struct {
	ID       string     `json:"id"`
	Kind     string     `json:"kind"`
	Category Category   `json:"category,omitempty"`
	Empty    bool       `json:"empty,omitempty"`
	Asset    AssetKind  `json:"asset,omitempty"`
	Slot     string     `json:"slot,omitempty"`
	Label    string     `json:"label,omitempty"`
	Node     *html.Node `json:"-"`
}

type Result struct {
	Texts    []Target `json:"texts"`
	Sections []Target `json:"sections"`
	Images   []Target `json:"images"`
}

// SlotResolver assigns asset slots during a scan.
type SlotResolver interface {
	ResolveSlot(n *html.Node) string
}

type Scanner struct {
	classifier *Classifier
	rootSel    dom.Selector
	slots      SlotResolver
	afterScan  []func(Result)
}

func New(profile config.Profile, slots SlotResolver) *Scanner {
	return &Scanner{
		classifier: NewClassifier(profile),
		rootSel:    dom.Compile(profile.ContentRoot),
		slots:      slots,
	}
}

// AfterScan registers a hook run at the end of every Rescan.
func (s *Scanner) AfterScan(fn func(Result)) {
	s.afterScan = append(s.afterScan, fn)
}

// ContentRoot is the configured root element, falling back to <body>.
func (s *Scanner) ContentRoot(doc *html.Node) *html.Node {
	if root := s.rootSel.QueryFirst(doc); root != nil {
		return root
	}
	if body := dom.FindTag(doc, atom.Body); body != nil {
		return body
	}
	return doc
}

// Rescan untags the whole document and tags it again from scratch. Calling
// it twice in a row leaves the tree unchanged.
func (s *Scanner) Rescan(doc *html.Node) Result {
	Untag(doc)
	root := s.ContentRoot(doc)

	var res Result
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		s.walk(root, c, false, &res)
	}
	for _, fn := range s.afterScan {
		fn(res)
	}
	return res
}

func (s *Scanner) walk(root, n *html.Node, insideText bool, res *Result) {
	if n.Type != html.ElementNode || s.classifier.Excluded(n) {
		return
	}

	c := s.classifier.Classify(n)
	path := dom.StructuralPath(root, n)

	if c.Kind.Has(KindSection) {
		id := "s-" + dom.ShortHash(path)
		dom.SetAttr(n, dom.AttrSection, id)
		dom.AddClass(n, classSection)
		res.Sections = append(res.Sections, Target{ID: id, Kind: "section", Label: SectionLabel(n), Node: n})
	}

	if c.Kind.Has(KindImage) {
		t := Target{ID: "i-" + dom.ShortHash(path), Kind: "image", Asset: c.Asset, Node: n}
		dom.SetAttr(n, dom.AttrAsset, string(c.Asset))
		dom.AddClass(n, classAsset)
		if s.slots != nil {
			t.Slot = s.slots.ResolveSlot(n)
			dom.SetAttr(n, dom.AttrSlot, t.Slot)
		}
		res.Images = append(res.Images, t)
	}

	if !insideText && c.Kind.Has(KindText) {
		id := "e-" + dom.ShortHash(path)
		dom.SetAttr(n, dom.AttrEdit, id)
		dom.SetAttr(n, dom.AttrCategory, string(c.Category))
		if !dom.HasAttr(n, "contenteditable") {
			dom.SetAttr(n, "contenteditable", "true")
			dom.SetAttr(n, dom.AttrEditorCE, "")
		}
		dom.AddClass(n, classEditable)
		res.Texts = append(res.Texts, Target{
			ID:       id,
			Kind:     "text",
			Category: c.Category,
			Empty:    dom.IsBlank(visibleText(n)),
			Node:     n,
		})
		insideText = true
	}

	for child := n.FirstChild; child != nil; child = child.NextSibling {
		s.walk(root, child, insideText, res)
	}
}

// Untag removes every scan-time marker from the document. Chrome and
// pending upload state are left alone.
func Untag(doc *html.Node) {
	dom.Walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		if dom.IsChrome(n) {
			return false
		}
		if dom.HasAttr(n, dom.AttrEditorCE) {
			dom.RemoveAttr(n, "contenteditable")
			dom.RemoveAttr(n, dom.AttrEditorCE)
		}
		for _, key := range []string{dom.AttrEdit, dom.AttrCategory, dom.AttrSection, dom.AttrSelected, dom.AttrAsset, dom.AttrSlot} {
			dom.RemoveAttr(n, key)
		}
		for _, class := range []string{classEditable, classSection, classAsset, "folio-selected"} {
			dom.RemoveClass(n, class)
		}
		return true
	})
}

// SectionLabel is the text shown for a section in the selection label: its
// first heading, or the tag name.
func SectionLabel(n *html.Node) string {
	var label string
	dom.Walk(n, func(d *html.Node) bool {
		if label != "" || dom.IsChrome(d) {
			return false
		}
		if d.Type == html.ElementNode {
			switch d.DataAtom {
			case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				if text := collapse(dom.TextContent(d)); text != "" {
					label = text
				}
				return false
			}
		}
		return true
	})
	if label == "" {
		label = n.Data
	}
	return label
}

func collapse(s string) string {
	out := make([]byte, 0, len(s))
	space := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == ' ' || ch == '\n' || ch == '\t' || ch == '\r' {
			space = len(out) > 0
			continue
		}
		if space {
			out = append(out, ' ')
			space = false
		}
		out = append(out, ch)
	}
	return string(out)
}
