// Package extract narrows HTML documents to the regions a watch cares about
// and renders them as text or markdown for line diffing.
//
// Selectors use a small CSS subset (see Compile). The special selector
// "auto" picks the main content region by landmarks and text density.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// AutoSelector selects the main content region instead of a CSS match.
const AutoSelector = "auto"

// Select parses rawHTML and returns the outer HTML of every node matched by
// sel, in document order. An empty result is not an error: the watched
// region may legitimately be absent.
func Select(rawHTML string, sel *Selector) ([]string, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("extract: parse HTML: %w", err)
	}
	var nodes []*html.Node
	if sel.auto {
		if n := mainContent(doc); n != nil {
			nodes = []*html.Node{n}
		}
	} else {
		nodes = sel.matchAll(doc)
	}
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, renderNode(n))
	}
	return out, nil
}

// Text renders the visible text of rawHTML, one line per block element.
// Script, style and noscript contents are dropped.
func Text(rawHTML string) (string, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", fmt.Errorf("extract: parse HTML: %w", err)
	}
	var lines []string
	var cur strings.Builder
	flush := func() {
		if f := strings.Fields(cur.String()); len(f) > 0 {
			lines = append(lines, strings.Join(f, " "))
		}
		cur.Reset()
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			case atom.Br:
				flush()
				return
			}
		}
		if n.Type == html.TextNode {
			cur.WriteString(n.Data)
		}
		block := n.Type == html.ElementNode && isBlock(n.DataAtom)
		if block {
			flush()
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			flush()
		}
	}
	walk(doc)
	flush()
	return strings.Join(lines, "\n"), nil
}

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// Markdown converts rawHTML to markdown. domain, when set, resolves
// relative links.
func Markdown(rawHTML, domain string) (string, error) {
	var (
		md  string
		err error
	)
	if domain != "" {
		md, err = mdConverter.ConvertString(rawHTML, converter.WithDomain(domain))
	} else {
		md, err = mdConverter.ConvertString(rawHTML)
	}
	if err != nil {
		return "", fmt.Errorf("extract: markdown: %w", err)
	}
	return md, nil
}

func renderNode(n *html.Node) string {
	var buf bytes.Buffer
	html.Render(&buf, n)
	return buf.String()
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main, atom.Header,
		atom.Footer, atom.Nav, atom.Aside, atom.H1, atom.H2, atom.H3, atom.H4,
		atom.H5, atom.H6, atom.Ul, atom.Ol, atom.Li, atom.Dl, atom.Dt, atom.Dd,
		atom.Table, atom.Tr, atom.Thead, atom.Tbody, atom.Tfoot, atom.Blockquote,
		atom.Pre, atom.Hr, atom.Figure, atom.Figcaption, atom.Form, atom.Fieldset,
		atom.Details, atom.Summary, atom.Title, atom.Body:
		return true
	}
	return false
}
