package tui

import (
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

var (
	markdownOnce   sync.Once
	markdownParser goldmark.Markdown

	mdHeadingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	mdCodeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	mdRuleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#444444"))
)

func parser() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownParser = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdownParser
}

// RenderMarkdown renders a job log for the terminal, wrapping paragraphs to
// width. Soft line breaks become spaces.
func RenderMarkdown(input string, width int) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}
	if width < 20 {
		width = 20
	}
	source := []byte(input)
	doc := parser().Parser().Parse(text.NewReader(source))
	r := &mdRenderer{source: source, width: width}
	_ = ast.Walk(doc, r.walk)
	return strings.TrimRight(r.out.String(), "\n")
}

// mdRenderer walks the AST directly: inline content is collected per block
// and wrapped when the block closes.
type mdRenderer struct {
	source []byte
	width  int
	out    strings.Builder
	inline strings.Builder

	bold   int
	italic int
	lists  []mdList
	bullet string
}

type mdList struct {
	ordered bool
	next    int
	tight   bool
}

func (r *mdRenderer) indent() string {
	return strings.Repeat("  ", len(r.lists))
}

func (r *mdRenderer) blankLine() {
	s := r.out.String()
	if s == "" || strings.HasSuffix(s, "\n\n") {
		return
	}
	if strings.HasSuffix(s, "\n") {
		r.out.WriteString("\n")
		return
	}
	r.out.WriteString("\n\n")
}

func (r *mdRenderer) flush() {
	content := strings.TrimSpace(r.inline.String())
	r.inline.Reset()
	if content == "" {
		return
	}
	indent := r.indent()
	first := indent
	if r.bullet != "" {
		first = indent[:len(indent)-2] + r.bullet
		r.bullet = ""
	}
	wrapped := ansi.Wordwrap(content, r.width-len(indent), " ,.;-")
	for i, line := range strings.Split(wrapped, "\n") {
		if i == 0 {
			r.out.WriteString(first)
		} else {
			r.out.WriteString(indent)
		}
		r.out.WriteString(line)
		r.out.WriteString("\n")
	}
}

func (r *mdRenderer) tight() bool {
	return len(r.lists) > 0 && r.lists[len(r.lists)-1].tight
}

func (r *mdRenderer) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n := node.(type) {
	case *ast.Document:
	case *ast.Heading:
		if entering {
			r.inline.Reset()
			return ast.WalkContinue, nil
		}
		title := strings.TrimSpace(r.inline.String())
		r.inline.Reset()
		r.blankLine()
		r.out.WriteString(mdHeadingStyle.Render(strings.Repeat("#", n.Level) + " " + title))
		r.out.WriteString("\n\n")
	case *ast.Paragraph, *ast.TextBlock:
		if !entering {
			r.flush()
			if !r.tight() {
				r.blankLine()
			}
		}
	case *ast.List:
		if entering {
			r.lists = append(r.lists, mdList{ordered: n.IsOrdered(), next: n.Start, tight: n.IsTight})
		} else {
			r.lists = r.lists[:len(r.lists)-1]
			if len(r.lists) == 0 {
				r.blankLine()
			}
		}
	case *ast.ListItem:
		if entering && len(r.lists) > 0 {
			top := &r.lists[len(r.lists)-1]
			if top.ordered {
				r.bullet = strconv.Itoa(max(top.next, 1)) + ". "
				top.next++
			} else {
				r.bullet = "• "
			}
		}
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if entering {
			r.blankLine()
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				line := strings.TrimRight(string(seg.Value(r.source)), "\n")
				r.out.WriteString(r.indent() + "  " + mdCodeStyle.Render(line) + "\n")
			}
			r.out.WriteString("\n")
			return ast.WalkSkipChildren, nil
		}
	case *ast.ThematicBreak:
		if entering {
			r.blankLine()
			r.out.WriteString(mdRuleStyle.Render(strings.Repeat("─", min(r.width, 40))) + "\n\n")
		}
	case *ast.HTMLBlock:
		if entering {
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				r.out.Write(seg.Value(r.source))
			}
			return ast.WalkSkipChildren, nil
		}
	case *ast.Emphasis:
		if n.Level >= 2 {
			r.bold += boolDelta(entering)
		} else {
			r.italic += boolDelta(entering)
		}
	case *ast.CodeSpan:
		if entering {
			var b strings.Builder
			for child := n.FirstChild(); child != nil; child = child.NextSibling() {
				if t, ok := child.(*ast.Text); ok {
					b.Write(t.Segment.Value(r.source))
				}
			}
			r.inline.WriteString(mdCodeStyle.Render(b.String()))
			return ast.WalkSkipChildren, nil
		}
	case *ast.AutoLink:
		if entering {
			r.inline.WriteString(string(n.URL(r.source)))
			return ast.WalkSkipChildren, nil
		}
	case *ast.Text:
		if entering {
			r.inline.WriteString(r.styled(string(n.Segment.Value(r.source))))
			switch {
			case n.HardLineBreak():
				r.inline.WriteString("\n")
			case n.SoftLineBreak():
				r.inline.WriteString(" ")
			}
		}
	case *ast.String:
		if entering {
			r.inline.WriteString(r.styled(string(n.Value)))
		}
	}
	return ast.WalkContinue, nil
}

func (r *mdRenderer) styled(s string) string {
	if r.bold == 0 && r.italic == 0 {
		return s
	}
	style := lipgloss.NewStyle()
	if r.bold > 0 {
		style = style.Bold(true)
	}
	if r.italic > 0 {
		style = style.Italic(true)
	}
	return style.Render(s)
}

func boolDelta(entering bool) int {
	if entering {
		return 1
	}
	return -1
}
