// Package asset binds image elements to storage slots and drives uploads.
package asset

import (
	"folio/api/internal/dom"

	"golang.org/x/net/html"
)

type slotMemo struct {
	path string
	slot string
}

// Slots assigns each image element a stable slot derived from its position
// in the document. Results are memoized per node and recomputed when the
// node moves. Resolving never touches the node itself.
type Slots struct {
	memo map[*html.Node]slotMemo
}

func NewSlots() *Slots {
	return &Slots{memo: make(map[*html.Node]slotMemo)}
}

func (s *Slots) ResolveSlot(n *html.Node) string {
	path := dom.StructuralPath(nil, n)
	m, ok := s.memo[n]
	if !ok || m.path != path {
		m = slotMemo{path: path, slot: dom.ShortHash(path)}
		s.memo[n] = m
	}
	return m.slot
}

// Prune drops memo entries for nodes no longer attached to doc.
func (s *Slots) Prune(doc *html.Node) {
	for n := range s.memo {
		if !dom.Contains(doc, n) {
			delete(s.memo, n)
		}
	}
}

func (s *Slots) Len() int {
	return len(s.memo)
}
