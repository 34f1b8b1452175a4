package web

import (
	"bytes"
	"fmt"
	"html"
	"html/template"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// mathSpan matches display and inline LaTeX. KaTeX renders them in the
// browser, so goldmark must not touch them.
// Inline $...$ must not open or close on a space, which keeps prices such as
// "$5 y $10" out.
var mathSpan = regexp.MustCompile(`(?s)\$\$.+?\$\$|\\\[.+?\\\]|\\\(.+?\\\)|\$[^$\s](?:[^$\n]*?[^$\s])?\$`)

var placeholder = regexp.MustCompile(`TUTORMATH(\d+)X`)

// Markdown renders model output to HTML. Raw HTML in the input is not
// passed through.
type Markdown struct {
	md goldmark.Markdown
}

func NewMarkdown() *Markdown {
	return &Markdown{md: goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
	)}
}

func (m *Markdown) Render(text string) (template.HTML, error) {
	protected, spans := protectMath(text)

	var buf bytes.Buffer
	if err := m.md.Convert([]byte(protected), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}

	out := placeholder.ReplaceAllStringFunc(buf.String(), func(s string) string {
		idx, err := strconv.Atoi(placeholder.FindStringSubmatch(s)[1])
		if err != nil || idx >= len(spans) {
			return s
		}
		return html.EscapeString(spans[idx])
	})
	return template.HTML(strings.TrimSpace(out)), nil
}

// protectMath swaps every math span for a placeholder goldmark leaves alone.
// Inline $x$ is rewritten to \(x\), the only inline form the page's KaTeX
// setup recognizes, and is skipped when a digit follows the closing dollar.
func protectMath(text string) (string, []string) {
	var (
		b     strings.Builder
		spans []string
		last  int
	)
	for _, loc := range mathSpan.FindAllStringIndex(text, -1) {
		span := text[loc[0]:loc[1]]
		if strings.HasPrefix(span, "$") && !strings.HasPrefix(span, "$$") {
			if loc[1] < len(text) && text[loc[1]] >= '0' && text[loc[1]] <= '9' {
				continue
			}
			span = `\(` + span[1:len(span)-1] + `\)`
		}
		b.WriteString(text[last:loc[0]])
		fmt.Fprintf(&b, "TUTORMATH%dX", len(spans))
		spans = append(spans, span)
		last = loc[1]
	}
	b.WriteString(text[last:])
	return b.String(), spans
}
