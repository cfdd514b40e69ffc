package diff

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Op is the kind of a diff element.
type Op int

const (
	Equal Op = iota
	Insert
	Delete
)

func (o Op) String() string {
	switch o {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	default:
		return "equal"
	}
}

// Line is one line of a line diff. OldNo and NewNo are 1-based line numbers
// on each side, 0 when the line does not exist on that side.
type Line struct {
	Op    Op     `json:"op"`
	Text  string `json:"text"`
	OldNo int    `json:"old_no,omitempty"`
	NewNo int    `json:"new_no,omitempty"`
}

// Segment is a coalesced run of equal, inserted or deleted text. Replaced
// lines are refined to word granularity, so concatenating the Equal and
// Delete segments yields the old text and Equal plus Insert the new text.
type Segment struct {
	Op   Op     `json:"op"`
	Text string `json:"text"`
}

// Diff describes the difference between two texts.
type Diff struct {
	Lines    []Line    `json:"lines"`
	Segments []Segment `json:"segments"`
	Added    int       `json:"added"`
	Removed  int       `json:"removed"`
}

// Compute diffs two texts line by line. A single trailing newline is a line
// terminator, not an extra empty line.
func Compute(previous, current string) *Diff {
	a, b := splitLines(previous), splitLines(current)
	ops := script(a, b)

	d := &Diff{Lines: make([]Line, 0, len(ops))}
	i, j := 0, 0
	for _, op := range ops {
		switch op {
		case Equal:
			i++
			j++
			d.Lines = append(d.Lines, Line{Op: Equal, Text: a[i-1], OldNo: i, NewNo: j})
		case Delete:
			i++
			d.Removed++
			d.Lines = append(d.Lines, Line{Op: Delete, Text: a[i-1], OldNo: i})
		case Insert:
			j++
			d.Added++
			d.Lines = append(d.Lines, Line{Op: Insert, Text: b[j-1], NewNo: j})
		}
	}
	d.Segments = segments(d.Lines, len(a), len(b))
	return d
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// segments walks the line diff, attaching each line's separator to the side
// that owns it, and refines every delete/insert block by word tokens.
func segments(lines []Line, oldLen, newLen int) []Segment {
	var out []Segment
	emit := func(op Op, text string) {
		if text == "" {
			return
		}
		if n := len(out); n > 0 && out[n-1].Op == op {
			out[n-1].Text += text
			return
		}
		out = append(out, Segment{Op: op, Text: text})
	}

	for i := 0; i < len(lines); {
		l := lines[i]
		if l.Op == Equal {
			emit(Equal, l.Text)
			lastOld, lastNew := l.OldNo == oldLen, l.NewNo == newLen
			switch {
			case !lastOld && !lastNew:
				emit(Equal, "\n")
			case lastOld && !lastNew:
				emit(Insert, "\n")
			case !lastOld && lastNew:
				emit(Delete, "\n")
			}
			i++
			continue
		}

		var oldText, newText strings.Builder
		for ; i < len(lines) && lines[i].Op != Equal; i++ {
			l := lines[i]
			if l.Op == Delete {
				oldText.WriteString(l.Text)
				if l.OldNo != oldLen {
					oldText.WriteByte('\n')
				}
			} else {
				newText.WriteString(l.Text)
				if l.NewNo != newLen {
					newText.WriteByte('\n')
				}
			}
		}
		for _, s := range refine(oldText.String(), newText.String()) {
			emit(s.Op, s.Text)
		}
	}
	return out
}

// refine diffs a replaced block at word granularity.
func refine(oldText, newText string) []Segment {
	a, b := tokenize(oldText), tokenize(newText)
	ops := script(a, b)
	segs := make([]Segment, 0, len(ops))
	i, j := 0, 0
	for _, op := range ops {
		var tok string
		switch op {
		case Equal:
			tok = a[i]
			i++
			j++
		case Delete:
			tok = a[i]
			i++
		case Insert:
			tok = b[j]
			j++
		}
		if n := len(segs); n > 0 && segs[n-1].Op == op {
			segs[n-1].Text += tok
		} else {
			segs = append(segs, Segment{Op: op, Text: tok})
		}
	}
	return segs
}

// tokenize splits text into word runs (letters, digits, underscore),
// horizontal whitespace runs, newlines and single other characters.
func tokenize(s string) []string {
	var toks []string
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		n := size
		switch {
		case isWord(r):
			for n < len(s) {
				r2, sz := utf8.DecodeRuneInString(s[n:])
				if !isWord(r2) {
					break
				}
				n += sz
			}
		case r != '\n' && unicode.IsSpace(r):
			for n < len(s) {
				r2, sz := utf8.DecodeRuneInString(s[n:])
				if r2 == '\n' || !unicode.IsSpace(r2) {
					break
				}
				n += sz
			}
		}
		toks = append(toks, s[:n])
		s = s[n:]
	}
	return toks
}

func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Hunk is a group of changed lines with surrounding context.
type Hunk struct {
	OldStart int    `json:"old_start"`
	OldLines int    `json:"old_lines"`
	NewStart int    `json:"new_start"`
	NewLines int    `json:"new_lines"`
	Lines    []Line `json:"lines"`
}

// Header renders the unified hunk header "@@ -a,b +c,d @@".
func (h Hunk) Header() string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldLines, h.NewStart, h.NewLines)
}

// Hunks groups changes that are at most 2*context equal lines apart.
// A negative context is treated as 0.
func (d *Diff) Hunks(context int) []Hunk {
	if context < 0 {
		context = 0
	}
	var changes []int
	for i, l := range d.Lines {
		if l.Op != Equal {
			changes = append(changes, i)
		}
	}
	if len(changes) == 0 {
		return nil
	}

	var hunks []Hunk
	start := changes[0]
	end := changes[0]
	flush := func() {
		lo := max(start-context, 0)
		hi := min(end+context, len(d.Lines)-1)
		hunks = append(hunks, d.hunk(lo, hi))
	}
	for _, c := range changes[1:] {
		if c-end-1 > 2*context {
			flush()
			start = c
		}
		end = c
	}
	flush()
	return hunks
}

func (d *Diff) hunk(lo, hi int) Hunk {
	h := Hunk{Lines: d.Lines[lo : hi+1]}
	oldBefore, newBefore := 0, 0
	for _, l := range d.Lines[:lo] {
		if l.Op != Insert {
			oldBefore++
		}
		if l.Op != Delete {
			newBefore++
		}
	}
	for _, l := range h.Lines {
		if l.Op != Insert {
			h.OldLines++
		}
		if l.Op != Delete {
			h.NewLines++
		}
	}
	h.OldStart, h.NewStart = oldBefore, newBefore
	if h.OldLines > 0 {
		h.OldStart++
	}
	if h.NewLines > 0 {
		h.NewStart++
	}
	return h
}

// Unified renders the diff in unified format without file headers.
func (d *Diff) Unified(context int) string {
	var sb strings.Builder
	for _, h := range d.Hunks(context) {
		sb.WriteString(h.Header())
		sb.WriteByte('\n')
		for _, l := range h.Lines {
			switch l.Op {
			case Insert:
				sb.WriteByte('+')
			case Delete:
				sb.WriteByte('-')
			default:
				sb.WriteByte(' ')
			}
			sb.WriteString(l.Text)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// Inline splits each line of the hunk into parts for intra-line emphasis.
// Within a change run the k-th deleted line is paired with the k-th inserted
// line and both are refined by word tokens; a paired line's parts carry
// Equal for shared text and its own Op for the rest. Unpaired and equal
// lines have a single part.
func (h Hunk) Inline() [][]Segment {
	out := make([][]Segment, len(h.Lines))
	for i := 0; i < len(h.Lines); {
		if h.Lines[i].Op == Equal {
			out[i] = []Segment{{Op: Equal, Text: h.Lines[i].Text}}
			i++
			continue
		}
		var dels, ins []int
		for ; i < len(h.Lines) && h.Lines[i].Op != Equal; i++ {
			if h.Lines[i].Op == Delete {
				dels = append(dels, i)
			} else {
				ins = append(ins, i)
			}
		}
		for k := range max(len(dels), len(ins)) {
			switch {
			case k < len(dels) && k < len(ins):
				oldParts, newParts := splitSides(refine(h.Lines[dels[k]].Text, h.Lines[ins[k]].Text))
				out[dels[k]], out[ins[k]] = oldParts, newParts
			case k < len(dels):
				out[dels[k]] = []Segment{{Op: Delete, Text: h.Lines[dels[k]].Text}}
			default:
				out[ins[k]] = []Segment{{Op: Insert, Text: h.Lines[ins[k]].Text}}
			}
		}
	}
	return out
}

func splitSides(segs []Segment) (oldParts, newParts []Segment) {
	for _, s := range segs {
		switch s.Op {
		case Equal:
			oldParts = append(oldParts, s)
			newParts = append(newParts, s)
		case Delete:
			oldParts = append(oldParts, s)
		case Insert:
			newParts = append(newParts, s)
		}
	}
	return oldParts, newParts
}
