package ingestion

import (
	"strings"

	"golang.org/x/net/html"
)

// htmlToMarkdown converts an HTML document into Markdown-flavored text good
// enough for chunking and retrieval. Layout fidelity is not a goal; script
// and style content is dropped.
func htmlToMarkdown(src string) (string, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	renderNode(&b, doc)
	return collapseBlankLines(b.String()), nil
}

func renderNode(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		text := strings.Join(strings.Fields(n.Data), " ")
		if text != "" {
			b.WriteString(text)
			b.WriteString(" ")
		}
		return
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "head", "nav", "iframe":
			return
		case "h1", "h2", "h3", "h4", "h5", "h6":
			b.WriteString("\n\n")
			b.WriteString(strings.Repeat("#", int(n.Data[1]-'0')))
			b.WriteString(" ")
			renderChildren(b, n)
			b.WriteString("\n\n")
			return
		case "p", "div", "section", "article", "table", "tr":
			b.WriteString("\n")
			renderChildren(b, n)
			b.WriteString("\n")
			return
		case "br":
			b.WriteString("\n")
			return
		case "li":
			b.WriteString("\n- ")
			renderChildren(b, n)
			return
		case "a":
			var href string
			for _, attr := range n.Attr {
				if attr.Key == "href" {
					href = attr.Val
					break
				}
			}
			if href != "" && !strings.HasPrefix(href, "#") {
				b.WriteString("[")
				renderChildren(b, n)
				b.WriteString("](" + href + ") ")
				return
			}
		case "strong", "b":
			b.WriteString("**")
			renderChildren(b, n)
			b.WriteString("** ")
			return
		case "em", "i":
			b.WriteString("*")
			renderChildren(b, n)
			b.WriteString("* ")
			return
		case "code", "pre":
			b.WriteString("`")
			renderChildren(b, n)
			b.WriteString("` ")
			return
		}
	}
	renderChildren(b, n)
}

func renderChildren(b *strings.Builder, n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderNode(b, c)
	}
}

// collapseBlankLines trims trailing space per line and squeezes runs of blank
// lines down to one.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := true
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
