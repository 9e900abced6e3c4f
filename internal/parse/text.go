package parse

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// StripMarkup returns the text content of an HTML fragment with entities
// decoded and whitespace collapsed. Plain text passes through unchanged
// apart from whitespace.
func StripMarkup(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return CollapseSpace(s)
	}
	z := html.NewTokenizer(strings.NewReader(s))
	var sb strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return CollapseSpace(sb.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			if isSkippedTag(string(name)) {
				skip++
			}
			if isBlockTag(string(name)) {
				sb.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if isSkippedTag(string(name)) && skip > 0 {
				skip--
			}
			if isBlockTag(string(name)) {
				sb.WriteByte(' ')
			}
		case html.SelfClosingTagToken:
			sb.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
			}
		}
	}
}

// CollapseSpace trims s and folds runs of whitespace into single spaces.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate shortens s to at most limit runes, cutting at a word boundary
// when one is close.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	cut := string(runes[:limit])
	if i := strings.LastIndexByte(cut, ' '); i > len(cut)*3/4 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}

func isSkippedTag(name string) bool {
	switch name {
	case "script", "style", "noscript", "template":
		return true
	}
	return false
}

func isBlockTag(name string) bool {
	switch name {
	case "p", "div", "br", "li", "ul", "ol", "tr", "td", "th", "h1", "h2", "h3", "h4", "h5", "h6",
		"article", "section", "blockquote", "pre", "table", "header", "footer":
		return true
	}
	return false
}
