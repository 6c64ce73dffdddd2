// Package dom wraps golang.org/x/net/html with the tree helpers the editor
// needs: attributes, classes, inline styles, cloning and rendering.
package dom

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

func Parse(r io.Reader) (*html.Node, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

func ParseString(s string) (*html.Node, error) {
	return Parse(strings.NewReader(s))
}

// Render serializes a document, adding <!DOCTYPE html> when missing.
func Render(doc *html.Node) (string, error) {
	EnsureDoctype(doc)
	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}

// RenderNode serializes a single node without touching the doctype.
func RenderNode(n *html.Node) string {
	var buf bytes.Buffer
	_ = html.Render(&buf, n)
	return buf.String()
}

func EnsureDoctype(doc *html.Node) {
	if doc == nil || doc.Type != html.DocumentNode {
		return
	}
	for c := doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.DoctypeNode {
			return
		}
	}
	doc.InsertBefore(&html.Node{Type: html.DoctypeNode, Data: "html"}, doc.FirstChild)
}

// Walk visits n and its descendants depth-first. Returning false from fn
// skips the children of the visited node.
func Walk(n *html.Node, fn func(*html.Node) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		Walk(c, fn)
		c = next
	}
}

// Clone returns a deep copy of n with no parent or siblings.
func Clone(n *html.Node) *html.Node {
	c := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
		Attr:      append([]html.Attribute(nil), n.Attr...),
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		c.AppendChild(Clone(child))
	}
	return c
}

func Detach(n *html.Node) {
	if n != nil && n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

func InsertAfter(ref, n *html.Node) {
	ref.Parent.InsertBefore(n, ref.NextSibling)
}

func RemoveChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
}

func Element(tag string, attrs ...html.Attribute) *html.Node {
	return &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag)), Attr: attrs}
}

func Text(value string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: value}
}

func TextContent(n *html.Node) string {
	var b strings.Builder
	Walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return b.String()
}

func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// Closest returns the nearest of n and its ancestors satisfying pred.
func Closest(n *html.Node, pred func(*html.Node) bool) *html.Node {
	for cur := n; cur != nil; cur = cur.Parent {
		if pred(cur) {
			return cur
		}
	}
	return nil
}

// Contains reports whether n is root or one of its descendants.
func Contains(root, n *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur == root {
			return true
		}
	}
	return false
}

// NextElement returns the next element sibling that is not editor chrome.
func NextElement(n *html.Node) *html.Node {
	for s := n.NextSibling; s != nil; s = s.NextSibling {
		if s.Type == html.ElementNode && !IsChrome(s) {
			return s
		}
	}
	return nil
}

// PrevElement returns the previous element sibling that is not editor chrome.
func PrevElement(n *html.Node) *html.Node {
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode && !IsChrome(s) {
			return s
		}
	}
	return nil
}

func FindTag(root *html.Node, a atom.Atom) *html.Node {
	var found *html.Node
	Walk(root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode && n.DataAtom == a {
			found = n
			return false
		}
		return true
	})
	return found
}

func Attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func HasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func SetAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func RemoveAttr(n *html.Node, key string) {
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			kept = append(kept, a)
		}
	}
	n.Attr = kept
}

func Classes(n *html.Node) []string {
	return strings.Fields(Attr(n, "class"))
}

func HasClass(n *html.Node, class string) bool {
	for _, c := range Classes(n) {
		if c == class {
			return true
		}
	}
	return false
}

func AddClass(n *html.Node, class string) {
	if HasClass(n, class) {
		return
	}
	SetAttr(n, "class", strings.TrimSpace(Attr(n, "class")+" "+class))
}

func RemoveClass(n *html.Node, class string) {
	setClasses(n, func(c string) bool { return c != class })
}

func RemoveClassPrefix(n *html.Node, prefix string) {
	setClasses(n, func(c string) bool { return !strings.HasPrefix(c, prefix) })
}

func setClasses(n *html.Node, keep func(string) bool) {
	if !HasAttr(n, "class") {
		return
	}
	var kept []string
	for _, c := range Classes(n) {
		if keep(c) {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		RemoveAttr(n, "class")
		return
	}
	SetAttr(n, "class", strings.Join(kept, " "))
}

type declaration struct {
	prop  string
	value string
}

func parseStyle(style string) []declaration {
	var out []declaration
	for _, part := range strings.Split(style, ";") {
		prop, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		prop = strings.ToLower(strings.TrimSpace(prop))
		value = strings.TrimSpace(value)
		if prop == "" {
			continue
		}
		out = append(out, declaration{prop: prop, value: value})
	}
	return out
}

func writeStyle(n *html.Node, decls []declaration) {
	if len(decls) == 0 {
		RemoveAttr(n, "style")
		return
	}
	parts := make([]string, 0, len(decls))
	for _, d := range decls {
		parts = append(parts, d.prop+": "+d.value)
	}
	SetAttr(n, "style", strings.Join(parts, "; ")+";")
}

func StyleProperty(n *html.Node, prop string) (string, bool) {
	for _, d := range parseStyle(Attr(n, "style")) {
		if d.prop == prop {
			return d.value, true
		}
	}
	return "", false
}

func SetStyleProperty(n *html.Node, prop, value string) {
	decls := parseStyle(Attr(n, "style"))
	for i := range decls {
		if decls[i].prop == prop {
			decls[i].value = value
			writeStyle(n, decls)
			return
		}
	}
	writeStyle(n, append(decls, declaration{prop: prop, value: value}))
}

// RemoveStyleProperty deletes prop and reports whether it was present.
func RemoveStyleProperty(n *html.Node, prop string) bool {
	decls := parseStyle(Attr(n, "style"))
	kept := decls[:0]
	removed := false
	for _, d := range decls {
		if d.prop == prop {
			removed = true
			continue
		}
		kept = append(kept, d)
	}
	if removed {
		writeStyle(n, kept)
	}
	return removed
}

var cssURL = regexp.MustCompile(`url\(\s*(['"]?)(.*?)['"]?\s*\)`)

// BackgroundURL returns the inline background image reference of n.
func BackgroundURL(n *html.Node) (string, bool) {
	for _, prop := range []string{"background-image", "background"} {
		value, ok := StyleProperty(n, prop)
		if !ok {
			continue
		}
		if m := cssURL.FindStringSubmatch(value); m != nil {
			return m[2], true
		}
	}
	return "", false
}

func SetBackgroundURL(n *html.Node, ref string) {
	replacement := "url('" + strings.ReplaceAll(ref, "'", "%27") + "')"
	if value, ok := StyleProperty(n, "background"); ok && cssURL.MatchString(value) {
		if _, hasImage := StyleProperty(n, "background-image"); !hasImage {
			SetStyleProperty(n, "background", cssURL.ReplaceAllLiteralString(value, replacement))
			return
		}
	}
	SetStyleProperty(n, "background-image", replacement)
}
