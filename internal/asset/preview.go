package asset

import (
	"strings"
	"sync"

	"folio/api/internal/dom"

	"github.com/google/uuid"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Preview is image data shown in the live document while its upload is in
// flight. It is never persisted.
type Preview struct {
	ContentType string
	Data        []byte
}

type Previews struct {
	mu    sync.Mutex
	items map[string]Preview
}

func NewPreviews() *Previews {
	return &Previews{items: make(map[string]Preview)}
}

// Put registers data and returns the reference to apply to the element.
func (p *Previews) Put(contentType string, data []byte) string {
	id := uuid.NewString()
	p.mu.Lock()
	p.items[id] = Preview{ContentType: contentType, Data: data}
	p.mu.Unlock()
	return dom.PreviewPrefix + id
}

func (p *Previews) Get(id string) (Preview, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[id]
	return item, ok
}

// Revoke accepts either a full preview reference or a bare id.
func (p *Previews) Revoke(ref string) {
	id := strings.TrimPrefix(ref, dom.PreviewPrefix)
	p.mu.Lock()
	delete(p.items, id)
	p.mu.Unlock()
}

func (p *Previews) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func IsPreview(ref string) bool {
	return strings.HasPrefix(ref, dom.PreviewPrefix)
}

// SettlePreviews puts back, under root, the reference each element had
// before an upload that has not finished yet. Preview references with
// nothing to fall back to are dropped.
func SettlePreviews(root *html.Node) {
	dom.Walk(root, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		if dom.HasAttr(n, dom.AttrPrevSrc) {
			if ref := CurrentRef(n); ref == "" || IsPreview(ref) {
				restoreRef(n, dom.Attr(n, dom.AttrPrevSrc))
			}
			dom.RemoveAttr(n, dom.AttrPrevSrc)
			return true
		}
		if IsPreview(CurrentRef(n)) {
			restoreRef(n, "")
		}
		return true
	})
}

func restoreRef(n *html.Node, ref string) {
	if ref != "" {
		SetRef(n, ref)
		return
	}
	if n.DataAtom == atom.Img {
		dom.RemoveAttr(n, "src")
		return
	}
	dom.RemoveStyleProperty(n, "background-image")
	if value, ok := dom.StyleProperty(n, "background"); ok && strings.Contains(value, dom.PreviewPrefix) {
		dom.RemoveStyleProperty(n, "background")
	}
}
