package extract

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/net/html"
)

// Selector is a compiled CSS selector list. Supported syntax:
//   - tag: "article", "main", "div"
//   - .class: ".content"
//   - #id: "#main-content"
//   - tag.class, tag#id, tag.a.b
//   - [attr], [attr=val], tag[attr="val"]
//   - descendant (space) and child (>) combinators
//   - selector lists separated by commas
type Selector struct {
	raw  string
	auto bool
	alts [][]step
}

type step struct {
	child bool // ">" combinator before this compound
	compound
}

type compound struct {
	tag     string
	id      string
	classes []string
	attrKey string
	attrVal string
	hasVal  bool
}

// Compile parses sel. "auto" compiles to the main-content heuristic.
func Compile(sel string) (*Selector, error) {
	sel = strings.TrimSpace(sel)
	if sel == "" {
		return nil, fmt.Errorf("extract: empty selector")
	}
	if sel == AutoSelector {
		return &Selector{raw: sel, auto: true}, nil
	}
	s := &Selector{raw: sel}
	for _, alt := range strings.Split(sel, ",") {
		steps, err := parseSteps(alt)
		if err != nil {
			return nil, fmt.Errorf("extract: selector %q: %w", sel, err)
		}
		s.alts = append(s.alts, steps)
	}
	return s, nil
}

// String returns the source text.
func (s *Selector) String() string { return s.raw }

func parseSteps(alt string) ([]step, error) {
	fields := strings.Fields(strings.ReplaceAll(alt, ">", " > "))
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty selector in list")
	}
	var steps []step
	child := false
	for _, f := range fields {
		if f == ">" {
			if child || len(steps) == 0 {
				return nil, fmt.Errorf("misplaced '>'")
			}
			child = true
			continue
		}
		c, err := parseCompound(f)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step{child: child, compound: c})
		child = false
	}
	if child {
		return nil, fmt.Errorf("trailing '>'")
	}
	return steps, nil
}

// parseCompound parses "tag.class#id[attr=val]".
func parseCompound(s string) (compound, error) {
	var c compound
	if i := strings.IndexByte(s, '['); i >= 0 {
		if !strings.HasSuffix(s, "]") {
			return c, fmt.Errorf("unterminated attribute in %q", s)
		}
		attr := s[i+1 : len(s)-1]
		s = s[:i]
		if k, v, ok := strings.Cut(attr, "="); ok {
			c.attrKey, c.attrVal, c.hasVal = strings.TrimSpace(k), strings.Trim(strings.TrimSpace(v), `"'`), true
		} else {
			c.attrKey = strings.TrimSpace(attr)
		}
		if c.attrKey == "" {
			return c, fmt.Errorf("empty attribute name")
		}
	}
	if i := strings.IndexByte(s, '#'); i >= 0 {
		c.id = s[i+1:]
		s = s[:i]
		if j := strings.IndexByte(c.id, '.'); j >= 0 {
			s += c.id[j:]
			c.id = c.id[:j]
		}
		if c.id == "" {
			return c, fmt.Errorf("empty id")
		}
	}
	parts := strings.Split(s, ".")
	c.tag = strings.ToLower(parts[0])
	for _, cl := range parts[1:] {
		if cl == "" {
			return c, fmt.Errorf("empty class")
		}
		c.classes = append(c.classes, cl)
	}
	if c.tag == "*" {
		c.tag = ""
	}
	return c, nil
}

// matchAll returns matching element nodes in document order, deduplicated
// across the selector list.
func (s *Selector) matchAll(root *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			for _, alt := range s.alts {
				if matchSteps(n, alt) {
					out = append(out, n)
					break
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

// matchSteps matches right to left: n must match the last compound, and
// its ancestors the preceding ones under their combinators.
func matchSteps(n *html.Node, steps []step) bool {
	last := len(steps) - 1
	if !steps[last].matches(n) {
		return false
	}
	return matchAncestors(n, steps, last)
}

func matchAncestors(n *html.Node, steps []step, i int) bool {
	if i == 0 {
		return true
	}
	prev := steps[i-1]
	if steps[i].child {
		p := n.Parent
		return p != nil && prev.matches(p) && matchAncestors(p, steps, i-1)
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if prev.matches(p) && matchAncestors(p, steps, i-1) {
			return true
		}
	}
	return false
}

func (c compound) matches(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if c.tag != "" && n.Data != c.tag {
		return false
	}
	if c.id != "" && getAttr(n, "id") != c.id {
		return false
	}
	if len(c.classes) > 0 {
		have := strings.Fields(getAttr(n, "class"))
		for _, want := range c.classes {
			if !slices.Contains(have, want) {
				return false
			}
		}
	}
	if c.attrKey != "" {
		val, ok := lookupAttr(n, c.attrKey)
		if !ok || (c.hasVal && val != c.attrVal) {
			return false
		}
	}
	return true
}

func getAttr(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}
