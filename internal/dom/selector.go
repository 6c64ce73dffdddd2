package dom

import (
	"strings"

	"golang.org/x/net/html"
)

// Selector is a compiled subset of CSS selectors:
//   - tag, .class, #id and combinations such as "div.card#main"
//   - [attr], [attr=val], [attr^=val], [attr$=val], [attr*=val]
//   - descendant combinator (space) and selector lists (comma)
type Selector struct {
	groups [][]compound
}

type compound struct {
	tag     string
	id      string
	classes []string
	attrs   []attrMatch
}

type attrMatch struct {
	key string
	op  string
	val string
}

func Compile(sel string) Selector {
	var s Selector
	for _, group := range strings.Split(sel, ",") {
		parts := strings.Fields(group)
		if len(parts) == 0 {
			continue
		}
		chain := make([]compound, 0, len(parts))
		for _, p := range parts {
			chain = append(chain, parseCompound(p))
		}
		s.groups = append(s.groups, chain)
	}
	return s
}

// CompileAll joins several selector strings into one selector list.
func CompileAll(sels []string) Selector {
	return Compile(strings.Join(sels, ","))
}

func (s Selector) Empty() bool {
	return len(s.groups) == 0
}

func (s Selector) Match(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	for _, chain := range s.groups {
		if matchChain(n, chain) {
			return true
		}
	}
	return false
}

func (s Selector) QueryAll(root *html.Node) []*html.Node {
	var out []*html.Node
	Walk(root, func(n *html.Node) bool {
		if s.Match(n) {
			out = append(out, n)
		}
		return true
	})
	return out
}

func (s Selector) QueryFirst(root *html.Node) *html.Node {
	var found *html.Node
	Walk(root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if s.Match(n) {
			found = n
			return false
		}
		return true
	})
	return found
}

func Matches(n *html.Node, sel string) bool {
	return Compile(sel).Match(n)
}

func QueryAll(root *html.Node, sel string) []*html.Node {
	return Compile(sel).QueryAll(root)
}

func QueryFirst(root *html.Node, sel string) *html.Node {
	return Compile(sel).QueryFirst(root)
}

func matchChain(n *html.Node, chain []compound) bool {
	last := len(chain) - 1
	if !chain[last].match(n) {
		return false
	}
	cur := n.Parent
	for i := last - 1; i >= 0; i-- {
		for cur != nil && !chain[i].match(cur) {
			cur = cur.Parent
		}
		if cur == nil {
			return false
		}
		cur = cur.Parent
	}
	return true
}

func (c compound) match(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if c.tag != "" && n.Data != c.tag {
		return false
	}
	if c.id != "" && Attr(n, "id") != c.id {
		return false
	}
	for _, class := range c.classes {
		if !HasClass(n, class) {
			return false
		}
	}
	for _, a := range c.attrs {
		if !HasAttr(n, a.key) {
			return false
		}
		val := Attr(n, a.key)
		switch a.op {
		case "=":
			if val != a.val {
				return false
			}
		case "^=":
			if !strings.HasPrefix(val, a.val) {
				return false
			}
		case "$=":
			if !strings.HasSuffix(val, a.val) {
				return false
			}
		case "*=":
			if !strings.Contains(val, a.val) {
				return false
			}
		}
	}
	return true
}

func parseCompound(s string) compound {
	var c compound
	i := 0
	ident := func() string {
		start := i
		for i < len(s) && !strings.ContainsRune(".#[", rune(s[i])) {
			i++
		}
		return s[start:i]
	}

	c.tag = strings.ToLower(ident())
	if c.tag == "*" {
		c.tag = ""
	}
	for i < len(s) {
		switch s[i] {
		case '.':
			i++
			if class := ident(); class != "" {
				c.classes = append(c.classes, class)
			}
		case '#':
			i++
			c.id = ident()
		case '[':
			end := strings.IndexByte(s[i:], ']')
			var body string
			if end < 0 {
				body = s[i+1:]
				i = len(s)
			} else {
				body = s[i+1 : i+end]
				i += end + 1
			}
			c.attrs = append(c.attrs, parseAttr(body))
		default:
			i++
		}
	}
	return c
}

func parseAttr(body string) attrMatch {
	for _, op := range []string{"^=", "$=", "*=", "="} {
		if idx := strings.Index(body, op); idx >= 0 {
			return attrMatch{
				key: strings.TrimSpace(body[:idx]),
				op:  op,
				val: strings.Trim(strings.TrimSpace(body[idx+len(op):]), `"'`),
			}
		}
	}
	return attrMatch{key: strings.TrimSpace(body)}
}
