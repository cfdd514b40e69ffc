package notify

import (
	"html/template"
	"time"

	"github.com/hazyhaar/vigie/vigie/internal/diff"
)

// emailData is what email templates execute against.
type emailData struct {
	Title   string
	Kind    Kind
	Name    string
	URL     string
	Reason  string
	URLs    []string
	At      time.Time
	Added   int
	Removed int
	Hunks   []emailHunk
}

type emailHunk struct {
	Header string
	Lines  []emailLine
}

// emailLine is one rendered diff line. Type is "summary", "addition",
// "deletion" or "context".
type emailLine struct {
	Type  string
	Parts []diff.Segment
}

func newEmailData(ev *Event) emailData {
	d := emailData{
		Title:  ev.Title(),
		Kind:   ev.Kind,
		Name:   ev.Name,
		URL:    ev.URL,
		Reason: ev.Reason,
		URLs:   ev.URLs,
		At:     ev.DetectedAt,
	}
	if ev.Diff == nil {
		return d
	}
	d.Added, d.Removed = ev.Diff.Added, ev.Diff.Removed
	for _, h := range ev.Diff.Hunks(ev.Context) {
		eh := emailHunk{Header: h.Header()}
		eh.Lines = append(eh.Lines, emailLine{Type: "summary", Parts: []diff.Segment{{Text: h.Header()}}})
		parts := h.Inline()
		for i, l := range h.Lines {
			t := "context"
			switch l.Op {
			case diff.Insert:
				t = "addition"
			case diff.Delete:
				t = "deletion"
			}
			eh.Lines = append(eh.Lines, emailLine{Type: t, Parts: parts[i]})
		}
		d.Hunks = append(d.Hunks, eh)
	}
	return d
}

var emailFuncs = template.FuncMap{
	// emphasized reports whether a part differs from the other side.
	"emphasized": func(s diff.Segment) bool { return s.Op != diff.Equal },
	"rfc1123":    func(t time.Time) string { return t.UTC().Format(time.RFC1123) },
}

var defaultEmailTemplate = template.Must(template.New("email").Funcs(emailFuncs).Parse(`
<h2>{{.Title}}</h2>
{{- if .URL}}<p><a href="{{.URL}}">{{.URL}}</a></p>{{end}}
{{- if eq .Kind "failed"}}<p>{{.Reason}}</p>{{end}}
{{- if eq .Kind "startup"}}
<p>Started watching the following URLs:</p>
<ul>{{range .URLs}}<li>{{.}}</li>{{end}}</ul>
{{- end}}
{{- if .Hunks}}
<p>+{{.Added}} -{{.Removed}} lines, detected {{rfc1123 .At}}</p>
<table cellpadding="2" cellspacing="0" style="border-collapse: collapse; font-family: monospace">
{{- range .Hunks}}{{range .Lines}}
<tr class="{{.Type}}"><td style="white-space: pre">
{{- range .Parts}}{{if emphasized .}}<span class="emphasized">{{.Text}}</span>{{else}}{{.Text}}{{end}}{{end -}}
</td></tr>
{{- end}}{{end}}
</table>
{{- end}}
`))
