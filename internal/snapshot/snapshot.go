// Package snapshot turns the live document into the standalone page that is
// persisted and later served to visitors.
package snapshot

import (
	"path"
	"strings"

	"folio/api/internal/asset"
	"folio/api/internal/config"
	"folio/api/internal/dom"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Tags removed from the snapshot when they end up with no content.
var prunable = map[atom.Atom]bool{
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.P: true, atom.Li: true, atom.Blockquote: true, atom.Figcaption: true,
}

var media = map[atom.Atom]bool{
	atom.Img: true, atom.Picture: true, atom.Video: true, atom.Audio: true, atom.Svg: true,
	atom.Iframe: true, atom.Canvas: true, atom.Object: true, atom.Embed: true,
}

type Serializer struct {
	regions dom.Selector
	nodes   dom.Selector
	scripts map[string]bool
}

func New(profile config.Profile) *Serializer {
	s := &Serializer{
		regions: dom.CompileAll(profile.RuntimeRegions),
		nodes:   dom.CompileAll(profile.RuntimeNodes),
		scripts: make(map[string]bool, len(profile.RuntimeScripts)),
	}
	for _, name := range profile.RuntimeScripts {
		s.scripts[strings.ToLower(name)] = true
	}
	return s
}

// Build serializes doc without touching it. Rebuilding a parsed snapshot
// yields the same output.
func Build(doc *html.Node, profile config.Profile) (string, error) {
	return New(profile).Build(doc)
}

func (s *Serializer) Build(doc *html.Node) (string, error) {
	out := dom.Clone(doc)

	asset.SettlePreviews(out)
	dom.StripEditorMarks(out)
	removeEmpty(out)
	for _, region := range s.regions.QueryAll(out) {
		dom.RemoveChildren(region)
	}
	s.removeRuntime(out)
	if root := dom.FindTag(out, atom.Html); root != nil {
		dom.SetAttr(root, dom.SnapshotMarker, "1")
	}
	return dom.Render(out)
}

// removeEmpty drops empty leaf text elements until none are left, so a list
// emptied of its items is checked again as a leaf.
func removeEmpty(doc *html.Node) {
	for {
		var empty []*html.Node
		dom.Walk(doc, func(n *html.Node) bool {
			if n.Type != html.ElementNode {
				return true
			}
			if prunable[n.DataAtom] && isEmpty(n) {
				empty = append(empty, n)
				return false
			}
			return true
		})
		if len(empty) == 0 {
			return
		}
		for _, n := range empty {
			dom.Detach(n)
		}
	}
}

func isEmpty(n *html.Node) bool {
	if !dom.IsBlank(dom.TextContent(n)) {
		return false
	}
	hasMedia := false
	dom.Walk(n, func(d *html.Node) bool {
		if d != n && d.Type == html.ElementNode && media[d.DataAtom] {
			hasMedia = true
		}
		return !hasMedia
	})
	return !hasMedia
}

func (s *Serializer) removeRuntime(doc *html.Node) {
	var drop []*html.Node
	dom.Walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		if n.DataAtom == atom.Script && dom.HasAttr(n, "src") && s.scripts[scriptName(dom.Attr(n, "src"))] {
			drop = append(drop, n)
			return false
		}
		if s.nodes.Match(n) {
			drop = append(drop, n)
			return false
		}
		return true
	})
	for _, n := range drop {
		dom.Detach(n)
	}
}

func scriptName(src string) string {
	if i := strings.IndexAny(src, "?#"); i >= 0 {
		src = src[:i]
	}
	return strings.ToLower(path.Base(src))
}
