package extract

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// mainContent picks the main content region of a page: the first <main> or
// <article> landmark if present, otherwise the non-boilerplate element with
// the best text density score. Returns nil for an empty document.
func mainContent(doc *html.Node) *html.Node {
	for _, tag := range []atom.Atom{atom.Main, atom.Article} {
		if n := findFirst(doc, tag); n != nil && !isBoilerplate(n) {
			return n
		}
	}

	body := findFirst(doc, atom.Body)
	if body == nil {
		body = doc
	}

	var best *html.Node
	var bestScore float64
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type != html.ElementNode || isBoilerplate(n) {
			return
		}
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript:
			return
		}
		if isContainer(n.DataAtom) {
			if s := densityScore(n); s > bestScore {
				best, bestScore = n, s
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(body)

	if best == nil {
		return body
	}
	return best
}

// densityScore favours text-heavy subtrees with few links:
// density * log-ish(textLen) * (1 - linkDensity).
func densityScore(n *html.Node) float64 {
	text, links := textLengths(n)
	if text < 50 {
		return 0
	}
	linkDens := float64(links) / float64(text)
	if linkDens > 0.5 {
		return 0
	}
	markup := len(renderNode(n))
	if markup == 0 {
		markup = 1
	}
	scale := 1.0
	for v := text; v > 100; v /= 2 {
		scale++
	}
	return float64(text) / float64(markup) * scale * (1 - linkDens)
}

// textLengths returns visible text length and the part of it inside <a>.
func textLengths(n *html.Node) (text, links int) {
	var f func(*html.Node, bool)
	f = func(n *html.Node, inLink bool) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			case atom.A:
				inLink = true
			}
		}
		if n.Type == html.TextNode {
			l := len(strings.TrimSpace(n.Data))
			text += l
			if inLink {
				links += l
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c, inLink)
		}
	}
	f(n, false)
	return text, links
}

func findFirst(root *html.Node, tag atom.Atom) *html.Node {
	if root.Type == html.ElementNode && root.DataAtom == tag {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if n := findFirst(c, tag); n != nil {
			return n
		}
	}
	return nil
}

func isContainer(a atom.Atom) bool {
	switch a {
	case atom.Main, atom.Article, atom.Section, atom.Div, atom.Td, atom.Blockquote:
		return true
	}
	return false
}

// isBoilerplate flags navigation, footers, sidebars and similar chrome.
func isBoilerplate(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Nav, atom.Footer, atom.Header, atom.Aside:
		return true
	}
	for _, a := range n.Attr {
		switch a.Key {
		case "class", "id":
			lower := strings.ToLower(a.Val)
			for _, p := range boilerplatePatterns {
				if strings.Contains(lower, p) {
					return true
				}
			}
		case "role":
			switch a.Val {
			case "navigation", "banner", "contentinfo", "complementary":
				return true
			}
		}
	}
	return false
}

var boilerplatePatterns = []string{
	"sidebar", "footer", "nav", "menu", "breadcrumb",
	"cookie", "banner", "advert", "social", "share", "widget", "popup", "modal",
}
