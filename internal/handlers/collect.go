// ABOUTME: collect handler: converts a fetched HTML document into markdown text.
// ABOUTME: Uses golang.org/x/net/html; script, style and other non-content elements are dropped.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/import-ai/magic-box-wizard/internal/store"
	"github.com/import-ai/magic-box-wizard/internal/worker"
)

// CollectInput is the input of a collect task.
type CollectInput struct {
	HTML  string `json:"html"`
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// CollectOutput is the output of a collect task.
type CollectOutput struct {
	Markdown string `json:"markdown"`
	Title    string `json:"title"`
	URL      string `json:"url,omitempty"`
}

// Collect is the collect handler.
func Collect(_ context.Context, task store.Task) (json.RawMessage, error) {
	var in CollectInput
	if err := decodeInput(task, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.HTML) == "" {
		return nil, worker.InvalidInput("html is required")
	}
	md, title, err := HTMLToMarkdown(in.HTML)
	if err != nil {
		return nil, fmt.Errorf("convert html: %w", err)
	}
	if in.Title != "" {
		title = in.Title
	}
	return json.Marshal(CollectOutput{Markdown: md, Title: title, URL: in.URL})
}

func decodeInput(task store.Task, v any) error {
	if len(task.Input) == 0 {
		return nil
	}
	if err := json.Unmarshal(task.Input, v); err != nil {
		return &worker.TaskError{Kind: worker.KindInvalidInput, Message: "decode input", Err: err}
	}
	return nil
}

var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true,
	atom.Nav:      true,
	atom.Footer:   true,
}

var blocks = map[atom.Atom]bool{
	atom.P:          true,
	atom.Div:        true,
	atom.Section:    true,
	atom.Article:    true,
	atom.Main:       true,
	atom.Header:     true,
	atom.Blockquote: true,
	atom.Ul:         true,
	atom.Ol:         true,
	atom.Table:      true,
	atom.Tr:         true,
	atom.Hr:         true,
}

var headingLevel = map[atom.Atom]int{
	atom.H1: 1, atom.H2: 2, atom.H3: 3, atom.H4: 4, atom.H5: 5, atom.H6: 6,
}

var (
	spaceRun   = regexp.MustCompile(`[ \t\r\n\f]+`)
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// HTMLToMarkdown renders the readable content of doc as markdown and returns
// the document title when one is present.
func HTMLToMarkdown(doc string) (markdown, title string, err error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", "", err
	}
	r := &renderer{}
	title = findTitle(root)
	r.walk(root)
	return r.String(), title, nil
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		return strings.TrimSpace(spaceRun.ReplaceAllString(textOf(n), " "))
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return b.String()
}

type renderer struct {
	b   strings.Builder
	pre int
}

func (r *renderer) String() string {
	lines := strings.Split(r.b.String(), "\n")
	fenced := false
	for i, l := range lines {
		if strings.TrimSpace(l) == "```" {
			fenced = !fenced
			lines[i] = "```"
			continue
		}
		if !fenced {
			lines[i] = strings.TrimSpace(l)
		}
	}
	out := blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(out)
}

func (r *renderer) breakBlock() { r.b.WriteString("\n\n") }

func (r *renderer) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.walk(c)
	}
}

func (r *renderer) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if r.pre > 0 {
			r.b.WriteString(n.Data)
			return
		}
		r.b.WriteString(spaceRun.ReplaceAllString(n.Data, " "))
		return
	case html.DocumentNode:
		r.children(n)
		return
	case html.ElementNode:
	default:
		return
	}

	if skipped[n.DataAtom] {
		return
	}
	if lvl, ok := headingLevel[n.DataAtom]; ok {
		r.breakBlock()
		r.b.WriteString(strings.Repeat("#", lvl) + " ")
		r.b.WriteString(strings.TrimSpace(spaceRun.ReplaceAllString(textOf(n), " ")))
		r.breakBlock()
		return
	}

	switch n.DataAtom {
	case atom.Br:
		r.b.WriteString("\n")
	case atom.Li:
		r.b.WriteString("\n- ")
		r.children(n)
	case atom.A:
		text := strings.TrimSpace(spaceRun.ReplaceAllString(textOf(n), " "))
		href := attr(n, "href")
		if text == "" {
			return
		}
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			r.b.WriteString(text)
			return
		}
		fmt.Fprintf(&r.b, "[%s](%s)", text, href)
	case atom.Strong, atom.B:
		r.wrap(n, "**")
	case atom.Em, atom.I:
		r.wrap(n, "*")
	case atom.Code:
		if r.pre > 0 {
			r.children(n)
			return
		}
		r.wrap(n, "`")
	case atom.Pre:
		r.breakBlock()
		r.b.WriteString("```\n")
		r.pre++
		r.children(n)
		r.pre--
		r.b.WriteString("\n```")
		r.breakBlock()
	case atom.Td, atom.Th:
		r.children(n)
		r.b.WriteString(" | ")
	case atom.Img:
		if alt := attr(n, "alt"); alt != "" {
			fmt.Fprintf(&r.b, "![%s](%s)", alt, attr(n, "src"))
		}
	default:
		if blocks[n.DataAtom] {
			r.breakBlock()
			r.children(n)
			r.breakBlock()
			return
		}
		r.children(n)
	}
}

func (r *renderer) wrap(n *html.Node, mark string) {
	text := strings.TrimSpace(spaceRun.ReplaceAllString(textOf(n), " "))
	if text == "" {
		return
	}
	r.b.WriteString(mark + text + mark)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}
