// Package structure implements the operator's structural edits: selecting,
// moving, duplicating, deleting and adding sections, plus resize and text
// size adjustments on the selected element.
package structure

import (
	"strconv"
	"strings"

	"folio/api/internal/asset"
	"folio/api/internal/dom"
	"folio/api/internal/errs"
	"folio/api/internal/scan"

	"golang.org/x/net/html"
)

const (
	MinFontPx = 10
	MaxFontPx = 64

	classSelected = "folio-selected"
)

type Notifier interface {
	Notify(reason string)
}

type Config struct {
	Scanner    *scan.Scanner
	Notifier   Notifier
	Document   func() *html.Node
	BaseFontPx int
}

type Selection struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Label string `json:"label,omitempty"`
}

// Editor holds the selection over one document. Callers serialize access;
// none of its methods lock.
type Editor struct {
	cfg      Config
	last     scan.Result
	selected *html.Node

	resizing      *html.Node
	resizeChanged bool
}

func New(cfg Config) *Editor {
	if cfg.BaseFontPx <= 0 {
		cfg.BaseFontPx = 16
	}
	return &Editor{cfg: cfg}
}

// Rescan retags the document and re-applies the selection marker, which
// the scan removes.
func (e *Editor) Rescan() scan.Result {
	doc := e.cfg.Document()
	e.last = e.cfg.Scanner.Rescan(doc)
	if e.selected != nil && !dom.Contains(doc, e.selected) {
		e.selected = nil
	}
	if e.selected != nil {
		mark(e.selected)
	}
	return e.last
}

func (e *Editor) Targets() scan.Result {
	return e.last
}

func (e *Editor) Lookup(id string) (scan.Target, bool) {
	for _, group := range [][]scan.Target{e.last.Sections, e.last.Texts, e.last.Images} {
		for _, t := range group {
			if t.ID == id {
				return t, true
			}
		}
	}
	return scan.Target{}, false
}

// Select makes the section or editable with the given id the only selected
// element. An empty id clears the selection.
func (e *Editor) Select(id string) (Selection, error) {
	if id == "" {
		e.clearSelection()
		return Selection{}, nil
	}
	t, ok := e.Lookup(id)
	if !ok || t.Kind == "image" {
		return Selection{}, errs.ErrUnknownTarget
	}
	e.setSelection(t.Node)
	return e.Selection(), nil
}

func (e *Editor) Selection() Selection {
	n := e.selected
	if n == nil {
		return Selection{}
	}
	if id := dom.Attr(n, dom.AttrSection); id != "" {
		return Selection{ID: id, Kind: "section", Label: scan.SectionLabel(n)}
	}
	return Selection{ID: dom.Attr(n, dom.AttrEdit), Kind: "text", Label: n.Data}
}

func (e *Editor) SelectedNode() *html.Node {
	return e.selected
}

func (e *Editor) setSelection(n *html.Node) {
	e.clearSelection()
	e.selected = n
	mark(n)
}

func (e *Editor) clearSelection() {
	if e.selected != nil {
		dom.RemoveAttr(e.selected, dom.AttrSelected)
		dom.RemoveClass(e.selected, classSelected)
	}
	e.selected = nil
}

func mark(n *html.Node) {
	dom.SetAttr(n, dom.AttrSelected, "")
	dom.AddClass(n, classSelected)
}

func (e *Editor) section() (*html.Node, error) {
	if e.selected == nil || !dom.HasAttr(e.selected, dom.AttrSection) {
		return nil, errs.ErrNoSelection
	}
	return e.selected, nil
}

// MoveUp swaps the selected section with its previous element sibling. It
// reports false at the boundary.
func (e *Editor) MoveUp() (bool, error) {
	n, err := e.section()
	if err != nil {
		return false, err
	}
	prev := dom.PrevElement(n)
	if prev == nil {
		return false, nil
	}
	parent := n.Parent
	parent.RemoveChild(n)
	parent.InsertBefore(n, prev)
	e.changed("move-up")
	return true, nil
}

func (e *Editor) MoveDown() (bool, error) {
	n, err := e.section()
	if err != nil {
		return false, err
	}
	next := dom.NextElement(n)
	if next == nil {
		return false, nil
	}
	n.Parent.RemoveChild(n)
	dom.InsertAfter(next, n)
	e.changed("move-down")
	return true, nil
}

// Duplicate inserts a copy of the selected section right after it and
// selects the copy. Images still uploading show their previous reference in
// the copy; the upload only lands on the original.
func (e *Editor) Duplicate() (Selection, error) {
	n, err := e.section()
	if err != nil {
		return Selection{}, err
	}
	clone := dom.Clone(n)
	asset.SettlePreviews(clone)
	dom.StripEditorMarks(clone)
	dom.InsertAfter(n, clone)
	e.setSelection(clone)
	e.changed("duplicate")
	return e.Selection(), nil
}

// Delete removes the selected section. The selection moves to the next
// section sibling, then the previous one, then nothing.
func (e *Editor) Delete(confirm bool) (Selection, error) {
	n, err := e.section()
	if err != nil {
		return Selection{}, err
	}
	if !confirm {
		return Selection{}, errs.ErrConfirmationRequired
	}

	var fallback *html.Node
	for _, candidate := range []*html.Node{dom.NextElement(n), dom.PrevElement(n)} {
		if candidate != nil && dom.HasAttr(candidate, dom.AttrSection) {
			fallback = candidate
			break
		}
	}

	e.clearSelection()
	dom.Detach(n)
	if fallback != nil {
		e.setSelection(fallback)
	}
	e.changed("delete")
	return e.Selection(), nil
}

// Add inserts a new section with a heading and a paragraph after the
// selection, or at the end of the content root.
func (e *Editor) Add(title, body string) (Selection, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Selection{}, errs.Validation("title", "is required")
	}

	section := dom.Element("section")
	h2 := dom.Element("h2")
	h2.AppendChild(dom.Text(title))
	p := dom.Element("p")
	if body = strings.TrimSpace(body); body != "" {
		p.AppendChild(dom.Text(body))
	}
	section.AppendChild(h2)
	section.AppendChild(p)

	if n, err := e.section(); err == nil {
		dom.InsertAfter(n, section)
	} else {
		e.cfg.Scanner.ContentRoot(e.cfg.Document()).AppendChild(section)
	}
	e.setSelection(section)
	e.changed("add")
	return e.Selection(), nil
}

// BeginResize starts a resize gesture on the selected element.
func (e *Editor) BeginResize() error {
	if e.selected == nil {
		return errs.ErrNoSelection
	}
	e.resizing = e.selected
	e.resizeChanged = false
	return nil
}

// ResizeTo updates the inline size while a gesture is active. Width only
// applies to text containers. Nothing is recorded until EndResize.
func (e *Editor) ResizeTo(width, minHeight int) error {
	n := e.resizing
	if n == nil {
		return errs.ErrNoSelection
	}
	if width > 0 && dom.HasAttr(n, dom.AttrEdit) {
		dom.SetStyleProperty(n, "width", px(width))
		e.resizeChanged = true
	}
	if minHeight > 0 {
		dom.SetStyleProperty(n, "min-height", px(minHeight))
		e.resizeChanged = true
	}
	return nil
}

// EndResize finishes the gesture and records one change if the size moved.
func (e *Editor) EndResize() bool {
	changed := e.resizing != nil && e.resizeChanged
	e.resizing = nil
	e.resizeChanged = false
	if changed {
		e.notify("resize")
	}
	return changed
}

// StepFontSize adjusts the selected element's font size by delta pixels,
// clamped to [MinFontPx, MaxFontPx], and returns the new size.
func (e *Editor) StepFontSize(delta int) (int, error) {
	n := e.selected
	if n == nil {
		return 0, errs.ErrNoSelection
	}
	size := e.cfg.BaseFontPx
	if value, ok := dom.StyleProperty(n, "font-size"); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSuffix(value, "px"), 64); err == nil {
			size = int(parsed + 0.5)
		}
	}
	size = clamp(size+delta, MinFontPx, MaxFontPx)
	dom.SetStyleProperty(n, "font-size", px(size))
	e.notify("font-size")
	return size, nil
}

// ResetFontSize removes the override. It reports whether there was one.
func (e *Editor) ResetFontSize() (bool, error) {
	n := e.selected
	if n == nil {
		return false, errs.ErrNoSelection
	}
	if !dom.RemoveStyleProperty(n, "font-size") {
		return false, nil
	}
	e.notify("font-size-reset")
	return true, nil
}

func (e *Editor) changed(reason string) {
	e.Rescan()
	e.notify(reason)
}

func (e *Editor) notify(reason string) {
	if e.cfg.Notifier != nil {
		e.cfg.Notifier.Notify(reason)
	}
}

func px(v int) string {
	return strconv.Itoa(v) + "px"
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
