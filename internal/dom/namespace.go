package dom

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Editor namespace. Everything carrying these prefixes is removed before a
// document leaves the editor.
const (
	AttrPrefix  = "data-folio-"
	ClassPrefix = "folio-"

	AttrEdit     = "data-folio-edit"
	AttrCategory = "data-folio-cat"
	AttrEditorCE = "data-folio-ce"
	AttrSection  = "data-folio-section"
	AttrSelected = "data-folio-selected"
	AttrAsset    = "data-folio-asset"
	AttrSlot     = "data-folio-slot"
	AttrPrevSrc  = "data-folio-prev-src"
	AttrChrome   = "data-folio-chrome"

	SnapshotMarker = "data-cms-snapshot"
	PreviewPrefix  = "/api/editor/previews/"
)

// IsChrome reports whether n is an element injected by the editor UI.
func IsChrome(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode && HasAttr(n, AttrChrome)
}

// InChrome reports whether n or one of its ancestors is editor chrome.
func InChrome(n *html.Node) bool {
	return Closest(n, IsChrome) != nil
}

// StripEditorMarks removes chrome elements, editor attributes, editor
// classes and editor-added contenteditable from the subtree rooted at n.
func StripEditorMarks(n *html.Node) {
	var chrome []*html.Node
	Walk(n, func(el *html.Node) bool {
		if el.Type != html.ElementNode {
			return true
		}
		if IsChrome(el) {
			chrome = append(chrome, el)
			return false
		}
		if HasAttr(el, AttrEditorCE) {
			RemoveAttr(el, "contenteditable")
		}
		kept := el.Attr[:0]
		for _, a := range el.Attr {
			if strings.HasPrefix(a.Key, AttrPrefix) {
				continue
			}
			kept = append(kept, a)
		}
		el.Attr = kept
		RemoveClassPrefix(el, ClassPrefix)
		return true
	})
	for _, c := range chrome {
		Detach(c)
	}
}

// StructuralPath describes the position of n below root as tag[index]
// segments, counting element siblings and ignoring editor chrome.
func StructuralPath(root, n *html.Node) string {
	var segments []string
	for cur := n; cur != nil && cur != root; cur = cur.Parent {
		if cur.Type != html.ElementNode {
			continue
		}
		index := 0
		for sib := cur.PrevSibling; sib != nil; sib = sib.PrevSibling {
			if sib.Type == html.ElementNode && !IsChrome(sib) {
				index++
			}
		}
		segments = append(segments, cur.Data+"["+strconv.Itoa(index)+"]")
	}
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	return strings.Join(segments, "/")
}

// ShortHash is a 10 character hex digest used for slots and ids.
func ShortHash(value string) string {
	sum := sha1.Sum([]byte(value))
	return hex.EncodeToString(sum[:])[:10]
}
