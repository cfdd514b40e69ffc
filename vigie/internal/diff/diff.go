// Package diff decides whether two snapshots of a watched resource differ in
// a way worth reporting, and describes the difference.
//
// A snapshot goes through three stages before comparison:
//
//	narrow    CSS selector, then regular expression (matches or groups)
//	render    raw | text | markdown
//	normalize NFC, ignore masks, whitespace collapsing (equality test only)
//
// The diff itself is computed on the narrowed and rendered text, never on
// the normalized form: ignore rules decide whether a change is reported,
// not what the report shows.
package diff

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/hazyhaar/vigie/extract"
)

// Render selects how narrowed content is turned into diffable text.
type Render string

const (
	RenderRaw      Render = "raw"
	RenderText     Render = "text"
	RenderMarkdown Render = "markdown"
)

// IgnoredMarker replaces every match of an ignore pattern.
const IgnoredMarker = "__ignored__"

// Rules configures an Engine.
type Rules struct {
	// NarrowPattern keeps only regex matches. With capture groups, only the
	// non-empty groups are kept. Matches are joined by newlines.
	NarrowPattern string
	// Selector keeps only the outer HTML of matching elements ("auto" for
	// the main content region).
	Selector string
	Render   Render
	// Domain resolves relative links in markdown rendering.
	Domain string
	Ignore Ignore
}

// Ignore lists the noise that must not count as a change.
type Ignore struct {
	// Whitespace collapses runs of whitespace and drops blank lines.
	// nil means true.
	Whitespace *bool
	// Patterns are regular expressions whose matches are masked.
	Patterns []string
}

// PatternError reports a narrowing, selector or ignore pattern that does not
// compile.
type PatternError struct {
	Field   string
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("diff: invalid %s %q: %v", e.Field, e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

// Engine is a compiled rule set. It holds no mutable state and is safe for
// concurrent use.
type Engine struct {
	narrow     *regexp.Regexp
	selector   *extract.Selector
	render     Render
	domain     string
	mask       *regexp.Regexp
	whitespace bool
}

// Compile validates rules and returns an Engine.
func Compile(r Rules) (*Engine, error) {
	e := &Engine{render: r.Render, domain: r.Domain, whitespace: true}
	if r.Ignore.Whitespace != nil {
		e.whitespace = *r.Ignore.Whitespace
	}
	switch e.render {
	case "":
		e.render = RenderRaw
	case RenderRaw, RenderText, RenderMarkdown:
	default:
		return nil, &PatternError{Field: "render", Pattern: string(r.Render), Err: fmt.Errorf("want raw, text or markdown")}
	}
	if r.NarrowPattern != "" {
		re, err := regexp.Compile(r.NarrowPattern)
		if err != nil {
			return nil, &PatternError{Field: "narrow pattern", Pattern: r.NarrowPattern, Err: err}
		}
		e.narrow = re
	}
	if r.Selector != "" {
		sel, err := extract.Compile(r.Selector)
		if err != nil {
			return nil, &PatternError{Field: "selector", Pattern: r.Selector, Err: err}
		}
		e.selector = sel
	}
	if len(r.Ignore.Patterns) > 0 {
		alts := make([]string, 0, len(r.Ignore.Patterns))
		for _, p := range r.Ignore.Patterns {
			if _, err := regexp.Compile(p); err != nil {
				return nil, &PatternError{Field: "ignore pattern", Pattern: p, Err: err}
			}
			alts = append(alts, "(?:"+p+")")
		}
		e.mask = regexp.MustCompile(strings.Join(alts, "|"))
	}
	return e, nil
}

// Decision is the outcome of Compare.
type Decision struct {
	Changed bool
	Diff    *Diff // nil unless Changed
}

// Compare decides whether current differs meaningfully from previous.
// It is deterministic: the same inputs always produce the same Decision.
func (e *Engine) Compare(previous, current string) (Decision, error) {
	prev, err := e.Prepare(previous)
	if err != nil {
		return Decision{}, fmt.Errorf("diff: previous: %w", err)
	}
	cur, err := e.Prepare(current)
	if err != nil {
		return Decision{}, fmt.Errorf("diff: current: %w", err)
	}
	if e.Normalize(prev) == e.Normalize(cur) {
		return Decision{}, nil
	}
	d := Compute(prev, cur)
	if d.Added == 0 && d.Removed == 0 {
		// Only a trailing newline moved; invisible at line granularity.
		return Decision{}, nil
	}
	return Decision{Changed: true, Diff: d}, nil
}

// Prepare narrows and renders content.
func (e *Engine) Prepare(content string) (string, error) {
	if e.selector != nil {
		parts, err := extract.Select(content, e.selector)
		if err != nil {
			return "", err
		}
		content = strings.Join(parts, "\n")
	}
	if e.narrow != nil {
		content = e.narrowRegexp(content)
	}
	switch e.render {
	case RenderText:
		return extract.Text(content)
	case RenderMarkdown:
		return extract.Markdown(content, e.domain)
	}
	return content, nil
}

func (e *Engine) narrowRegexp(content string) string {
	var kept []string
	for _, m := range e.narrow.FindAllStringSubmatch(content, -1) {
		if len(m) == 1 {
			kept = append(kept, m[0])
			continue
		}
		for _, g := range m[1:] {
			if g != "" {
				kept = append(kept, g)
			}
		}
	}
	return strings.Join(kept, "\n")
}

// Normalize applies ignore rules: masks first, then whitespace collapsing.
// Text is folded to NFC so composed and decomposed accents compare equal.
func (e *Engine) Normalize(s string) string {
	s = norm.NFC.String(s)
	if e.mask != nil {
		s = e.mask.ReplaceAllLiteralString(s, IgnoredMarker)
	}
	if !e.whitespace {
		return s
	}
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if f := strings.Fields(l); len(f) > 0 {
			out = append(out, strings.Join(f, " "))
		}
	}
	return strings.Join(out, "\n")
}
