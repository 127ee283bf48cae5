// Package render turns pad text, written in markdown, into the email HTML
// and plain-text bodies served by the render endpoints.
package render

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

// Content markers delimit the pad body inside a rendered email so that the
// body alone can be cut out again.
const (
	ContentBegin = "<!-- content_begin_marker -->"
	ContentEnd   = "<!-- content_end_marker -->"
)

// callToAction matches the button syntax @[label](url).
var callToAction = regexp.MustCompile(`@\[([^\]\n]*)\]\(([^)\s]*)\)`)

const buttonHTML = `<table border="0" cellpadding="0" cellspacing="0" class="btn btn-primary"><tbody><tr><td align="left">` +
	`<table border="0" cellpadding="0" cellspacing="0"><tbody><tr><td><a href="$2" target="_blank">$1</a></td></tr></tbody></table>` +
	`</td></tr></tbody></table>`

// Renderer converts markdown to sanitized HTML. It is safe for concurrent
// use.
type Renderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

func New() *Renderer {
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		// Raw HTML is allowed through so button tables survive; the output
		// is sanitized afterwards.
		goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
	)

	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("border", "cellpadding", "cellspacing").OnElements("table")
	policy.AllowAttrs("align").OnElements("td", "th")
	policy.AllowAttrs("class").Matching(regexp.MustCompile(`^btn( btn-[a-z]+)*$`)).OnElements("table")
	policy.AllowAttrs("target").Matching(regexp.MustCompile(`^_blank$`)).OnElements("a")
	policy.RequireNoReferrerOnLinks(true)

	return &Renderer{md: md, policy: policy}
}

// ExpandCallToAction replaces @[label](url) with an email button table.
func ExpandCallToAction(src string) string {
	return callToAction.ReplaceAllString(src, buttonHTML)
}

// CallToActionLinks turns @[label](url) into a plain markdown link, for
// renderers that cannot show buttons.
func CallToActionLinks(src string) string {
	return callToAction.ReplaceAllString(src, "[$1]($2)")
}

// HTML renders markdown to sanitized HTML with call-to-action buttons
// expanded.
func (r *Renderer) HTML(src string) (string, error) {
	if src == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(ExpandCallToAction(src)), &buf); err != nil {
		return "", err
	}
	return r.policy.Sanitize(buf.String()), nil
}

// Wrap surrounds body with the content markers.
func Wrap(body string) string {
	return ContentBegin + body + ContentEnd
}

// ExtractContent returns what lies between the content markers of doc.
func ExtractContent(doc string) (string, bool) {
	start := strings.Index(doc, ContentBegin)
	if start < 0 {
		return "", false
	}
	start += len(ContentBegin)
	end := strings.LastIndex(doc, ContentEnd)
	if end < start {
		return "", false
	}
	return doc[start:end], true
}

// Text renders markdown as plain text for the text/plain email part. Buttons
// become "label: url", links "text ( url )" and list leaders are kept. Raw
// HTML is kept as literal text; the page template escapes it.
func (r *Renderer) Text(src string) string {
	if src == "" {
		return ""
	}
	source := []byte(src)
	doc := r.md.Parser().Parse(text.NewReader(source))
	return strings.TrimSpace(plain{source: source}.blocks(doc, "\n\n"))
}

// plain writes a parsed document back out without markdown syntax.
type plain struct {
	source []byte
}

func (p plain) blocks(parent ast.Node, sep string) string {
	var parts []string
	for c := parent.FirstChild(); c != nil; c = c.NextSibling() {
		if s := p.block(c); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep)
}

func (p plain) block(n ast.Node) string {
	switch n := n.(type) {
	case *ast.Heading, *ast.Paragraph, *ast.TextBlock:
		return p.inline(n)
	case *ast.List:
		return p.list(n)
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		return strings.TrimRight(p.lines(n), "\n")
	case *ast.HTMLBlock:
		out := p.lines(n)
		if n.HasClosure() {
			out += string(n.ClosureLine.Value(p.source))
		}
		return strings.TrimRight(out, "\n")
	case *extast.Table:
		return p.table(n)
	case *ast.ThematicBreak:
		return ""
	}
	return p.blocks(n, "\n\n")
}

func (p plain) lines(n ast.Node) string {
	var b strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(p.source))
	}
	return b.String()
}

func (p plain) list(l *ast.List) string {
	sep, itemSep := "\n", "\n"
	if !l.IsTight {
		sep, itemSep = "\n\n", "\n\n"
	}
	var items []string
	num := l.Start
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		marker := string(l.Marker)
		if l.IsOrdered() {
			marker = strconv.Itoa(num) + marker
			num++
		}
		body := indentLines(p.blocks(item, sep), strings.Repeat(" ", len(marker)+1))
		items = append(items, marker+" "+body)
	}
	return strings.Join(items, itemSep)
}

// indentLines prefixes every non-empty line after the first.
func indentLines(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i := 1; i < len(lines); i++ {
		if lines[i] != "" {
			lines[i] = prefix + lines[i]
		}
	}
	return strings.Join(lines, "\n")
}

func (p plain) table(t *extast.Table) string {
	var rows []string
	for row := t.FirstChild(); row != nil; row = row.NextSibling() {
		var cells []string
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			cells = append(cells, p.inline(cell))
		}
		rows = append(rows, strings.Join(cells, " | "))
	}
	return strings.Join(rows, "\n")
}

func (p plain) inline(parent ast.Node) string {
	var b strings.Builder
	_ = ast.Walk(parent, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if n == parent {
			return ast.WalkContinue, nil
		}
		switch n := n.(type) {
		case *ast.Text:
			if !entering {
				break
			}
			value := p.unescape(n.Segment.Value(p.source))
			if _, ok := n.NextSibling().(*ast.Link); ok && strings.HasSuffix(value, "@") {
				value = strings.TrimSuffix(value, "@")
			}
			b.WriteString(value)
			if n.SoftLineBreak() || n.HardLineBreak() {
				b.WriteByte('\n')
			}
		case *ast.String:
			if entering {
				b.Write(n.Value)
			}
		case *ast.CodeSpan:
			if entering {
				for c := n.FirstChild(); c != nil; c = c.NextSibling() {
					if t, ok := c.(*ast.Text); ok {
						b.Write(t.Segment.Value(p.source))
					}
				}
				return ast.WalkSkipChildren, nil
			}
		case *ast.Link:
			if entering && p.isButton(n) {
				b.WriteString(p.inline(n))
				b.WriteString(": ")
				b.Write(n.Destination)
				return ast.WalkSkipChildren, nil
			}
			if !entering && !p.isButton(n) {
				b.WriteString(" ( ")
				b.Write(n.Destination)
				b.WriteString(" )")
			}
		case *ast.AutoLink:
			if entering {
				b.Write(n.URL(p.source))
			}
		case *ast.RawHTML:
			if entering {
				for i := 0; i < n.Segments.Len(); i++ {
					seg := n.Segments.At(i)
					b.Write(seg.Value(p.source))
				}
			}
		case *extast.TaskCheckBox:
			if entering {
				if n.IsChecked {
					b.WriteString("[x] ")
				} else {
					b.WriteString("[ ] ")
				}
			}
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

// isButton reports whether link is the tail of @[label](url).
func (p plain) isButton(link *ast.Link) bool {
	prev, ok := link.PreviousSibling().(*ast.Text)
	return ok && bytes.HasSuffix(prev.Segment.Value(p.source), []byte("@"))
}

func (p plain) unescape(b []byte) string {
	b = util.UnescapePunctuations(b)
	b = util.ResolveNumericReferences(b)
	b = util.ResolveEntityNames(b)
	return string(b)
}
