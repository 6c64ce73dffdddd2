package scan

import (
	"folio/api/internal/config"
	"folio/api/internal/dom"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Kind is a bit set; a card can be a section and carry a background image.
type Kind uint8

const (
	KindNone Kind = 0
	KindText Kind = 1 << iota
	KindSection
	KindImage
)

func (k Kind) Has(flag Kind) bool {
	return k&flag != 0
}

type Category string

const (
	CategoryHeading   Category = "heading"
	CategoryParagraph Category = "paragraph"
	CategoryListItem  Category = "list-item"
	CategoryAnchor    Category = "anchor"
	CategoryQuote     Category = "quote"
	CategoryInline    Category = "inline"
	CategoryBlock     Category = "block"
)

type AssetKind string

const (
	AssetImg        AssetKind = "img"
	AssetBackground AssetKind = "background"
)

type Classification struct {
	Kind     Kind
	Category Category
	Asset    AssetKind
}

// Tags that are never text-editable.
var nonEditable = map[atom.Atom]bool{
	atom.Img: true, atom.Video: true, atom.Audio: true, atom.Picture: true, atom.Source: true,
	atom.Track: true, atom.Iframe: true, atom.Canvas: true, atom.Svg: true, atom.Object: true,
	atom.Embed: true, atom.Input: true, atom.Textarea: true, atom.Select: true, atom.Option: true,
	atom.Button: true, atom.Form: true, atom.Br: true, atom.Hr: true, atom.Meta: true,
	atom.Link: true, atom.Script: true, atom.Style: true, atom.Template: true, atom.Noscript: true,
	atom.Area: true, atom.Base: true, atom.Col: true, atom.Wbr: true, atom.Param: true,
	atom.Html: true, atom.Head: true, atom.Body: true, atom.Title: true, atom.Table: true,
	atom.Tbody: true, atom.Thead: true, atom.Tfoot: true, atom.Tr: true, atom.Ul: true, atom.Ol: true,
	atom.Dl: true,
}

// Block-level tags; an element containing one of these is not text-editable.
var blockLevel = map[atom.Atom]bool{
	atom.Address: true, atom.Article: true, atom.Aside: true, atom.Blockquote: true,
	atom.Details: true, atom.Dialog: true, atom.Dd: true, atom.Div: true, atom.Dl: true,
	atom.Dt: true, atom.Fieldset: true, atom.Figcaption: true, atom.Figure: true,
	atom.Footer: true, atom.Form: true, atom.H1: true, atom.H2: true, atom.H3: true,
	atom.H4: true, atom.H5: true, atom.H6: true, atom.Header: true, atom.Hgroup: true,
	atom.Hr: true, atom.Li: true, atom.Main: true, atom.Nav: true, atom.Ol: true,
	atom.P: true, atom.Pre: true, atom.Section: true, atom.Table: true, atom.Ul: true,
}

// Tags that stay editable while empty so the operator can type into them.
var editableWhenEmpty = map[atom.Atom]bool{
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.P: true, atom.Li: true, atom.Span: true, atom.A: true, atom.Blockquote: true,
	atom.Q: true, atom.Strong: true, atom.Em: true, atom.B: true, atom.I: true,
	atom.Small: true, atom.Figcaption: true,
}

// Subtrees the scanner never enters.
var skipped = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Template: true, atom.Noscript: true,
}

// Classifier is the rule table deciding what an element is to the editor.
// It never mutates the tree.
type Classifier struct {
	sections dom.Selector
	widgets  dom.Selector
}

func NewClassifier(profile config.Profile) *Classifier {
	return &Classifier{
		sections: dom.CompileAll(profile.SectionSelectors),
		widgets:  dom.CompileAll(profile.Widgets),
	}
}

var defaultClassifier = NewClassifier(config.DefaultProfile())

// Classify applies the default site profile.
func Classify(n *html.Node) Classification {
	return defaultClassifier.Classify(n)
}

func (c *Classifier) Classify(n *html.Node) Classification {
	var out Classification
	if n == nil || n.Type != html.ElementNode || dom.IsChrome(n) {
		return out
	}

	if n.DataAtom == atom.Img {
		out.Kind |= KindImage
		out.Asset = AssetImg
	} else if _, ok := dom.BackgroundURL(n); ok {
		out.Kind |= KindImage
		out.Asset = AssetBackground
	}

	if c.sections.Match(n) {
		out.Kind |= KindSection
	}

	if textEditable(n) {
		out.Kind |= KindText
		out.Category = categoryOf(n)
	}
	return out
}

// Excluded reports whether the scanner must not descend into n.
func (c *Classifier) Excluded(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	return dom.IsChrome(n) || skipped[n.DataAtom] || c.widgets.Match(n)
}

func textEditable(n *html.Node) bool {
	if nonEditable[n.DataAtom] {
		return false
	}
	if n.DataAtom == 0 && n.Namespace != "" {
		return false
	}
	if hasBlockDescendant(n) {
		return false
	}
	if !dom.IsBlank(visibleText(n)) {
		return true
	}
	return editableWhenEmpty[n.DataAtom]
}

func hasBlockDescendant(n *html.Node) bool {
	found := false
	for c := n.FirstChild; c != nil && !found; c = c.NextSibling {
		dom.Walk(c, func(d *html.Node) bool {
			if found || d.Type != html.ElementNode {
				return false
			}
			if dom.IsChrome(d) {
				return false
			}
			if blockLevel[d.DataAtom] {
				found = true
				return false
			}
			return true
		})
	}
	return found
}

// visibleText is the text content without chrome subtrees.
func visibleText(n *html.Node) string {
	var out []byte
	dom.Walk(n, func(d *html.Node) bool {
		if dom.IsChrome(d) || (d.Type == html.ElementNode && skipped[d.DataAtom]) {
			return false
		}
		if d.Type == html.TextNode {
			out = append(out, d.Data...)
		}
		return true
	})
	return string(out)
}

func categoryOf(n *html.Node) Category {
	switch n.DataAtom {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return CategoryHeading
	case atom.P:
		return CategoryParagraph
	case atom.Li:
		return CategoryListItem
	case atom.A:
		return CategoryAnchor
	case atom.Blockquote, atom.Q:
		return CategoryQuote
	case atom.Div, atom.Figcaption, atom.Dt, atom.Dd, atom.Td, atom.Th, atom.Caption, atom.Label, atom.Pre, atom.Address:
		return CategoryBlock
	default:
		return CategoryInline
	}
}
