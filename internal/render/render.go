// ABOUTME: Markdown to plain text conversion built on the goldmark parser.
// ABOUTME: Walks the AST and emits terminal-friendly lines.

package render

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New()

// PlainText renders markdown as plain text.
func PlainText(markdown string) string {
	return strings.Join(Lines(markdown), "\n")
}

// Lines renders markdown as plain text lines.
func Lines(markdown string) []string {
	src := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(src))
	r := renderer{src: src}
	return r.container(doc, true)
}

type renderer struct {
	src []byte
}

// container renders the block children of n, separated by blank lines when spaced.
func (r *renderer) container(n ast.Node, spaced bool) []string {
	var out []string
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		lines := r.block(c)
		if len(lines) == 0 {
			continue
		}
		if spaced && len(out) > 0 {
			out = append(out, "")
		}
		out = append(out, lines...)
	}
	return out
}

func (r *renderer) block(n ast.Node) []string {
	switch v := n.(type) {
	case *ast.Paragraph, *ast.TextBlock, *ast.Heading:
		return strings.Split(r.inline(v), "\n")
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		return r.code(v)
	case *ast.List:
		return r.list(v)
	case *ast.Blockquote:
		lines := r.container(v, true)
		for i, l := range lines {
			lines[i] = strings.TrimRight("> "+l, " ")
		}
		return lines
	case *ast.ThematicBreak:
		return []string{"---"}
	case *ast.HTMLBlock:
		return r.rawLines(v)
	default:
		return r.container(v, true)
	}
}

func (r *renderer) code(n ast.Node) []string {
	lines := r.rawLines(n)
	for i, l := range lines {
		if l != "" {
			lines[i] = "    " + l
		}
	}
	return lines
}

func (r *renderer) rawLines(n ast.Node) []string {
	segs := n.Lines()
	out := make([]string, 0, segs.Len())
	for i := 0; i < segs.Len(); i++ {
		seg := segs.At(i)
		out = append(out, strings.TrimRight(string(seg.Value(r.src)), "\r\n"))
	}
	return out
}

func (r *renderer) list(l *ast.List) []string {
	var out []string
	i := 0
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "- "
		if l.IsOrdered() {
			marker = fmt.Sprintf("%d. ", l.Start+i)
		}
		indent := strings.Repeat(" ", len(marker))

		lines := r.container(item, false)
		if len(lines) == 0 {
			lines = []string{""}
		}
		out = append(out, strings.TrimRight(marker+lines[0], " "))
		for _, line := range lines[1:] {
			if line == "" {
				out = append(out, "")
				continue
			}
			out = append(out, indent+line)
		}
		i++
	}
	return out
}

func (r *renderer) inline(n ast.Node) string {
	var b strings.Builder
	r.writeInline(&b, n)
	return b.String()
}

func (r *renderer) writeInline(b *strings.Builder, n ast.Node) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch v := c.(type) {
		case *ast.Text:
			b.Write(v.Segment.Value(r.src))
			if v.SoftLineBreak() || v.HardLineBreak() {
				b.WriteByte('\n')
			}
		case *ast.String:
			b.Write(v.Value)
		case *ast.CodeSpan:
			b.WriteByte('`')
			r.writeInline(b, v)
			b.WriteByte('`')
		case *ast.Link:
			label := r.inline(v)
			b.WriteString(label)
			if dest := string(v.Destination); dest != "" && dest != label {
				b.WriteString(" (" + dest + ")")
			}
		case *ast.AutoLink:
			b.Write(v.URL(r.src))
		case *ast.RawHTML:
		default:
			r.writeInline(b, v)
		}
	}
}
