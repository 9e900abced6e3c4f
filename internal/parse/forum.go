package parse

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/araddon/dateparse"
	"golang.org/x/net/html"

	"feedsentinel/internal/feed"
)

var dateTextPattern = regexp.MustCompile(`(?i)\b(?:` +
	`\d{4}-\d{2}-\d{2}(?:[T ]\d{2}:\d{2}(?::\d{2})?(?:Z|[+-]\d{2}:?\d{2})?)?` +
	`|\d{1,2}/\d{1,2}/\d{4}(?:,?\s+\d{1,2}:\d{2}(?:\s?[ap]m)?)?` +
	`|(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2},?\s+\d{4}(?:,?\s+\d{1,2}:\d{2}(?:\s?[ap]m)?)?` +
	`|\d{1,2}\s+(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{4}(?:,?\s+\d{1,2}:\d{2})?` +
	`)`)

// ForumParser extracts posts from forum and bulletin-board pages that do
// not publish a syndication feed.
//
// A post block is the innermost element holding a title anchor, a
// timestamp and some body text. Blocks are grouped by structural
// signature (tag plus stable class names) and the largest group is taken
// as the page's repeating post layout. Pages where that group is smaller
// than MinItems fail with a LowConfidenceError so the caller keeps its
// previous data.
type ForumParser struct {
	MinItems     int
	MinBodyRunes int
	SummaryLimit int
}

type postBlock struct {
	node      *html.Node
	order     int
	signature string
	title     string
	href      string
	published time.Time
	body      string
}

func (p *ForumParser) Parse(src feed.Source, payload []byte) ([]feed.Item, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, fmt.Errorf("%w: %s: empty payload", ErrMalformedPayload, src.ID)
	}
	doc, err := html.Parse(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, src.ID, err)
	}
	base, _ := url.Parse(src.URL)

	var blocks []postBlock
	order := 0
	var visit func(n *html.Node) bool
	visit = func(n *html.Node) bool {
		if n.Type == html.ElementNode && isSkippedTag(n.Data) {
			return false
		}
		found := false
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if visit(c) {
				found = true
			}
		}
		if found || n.Type != html.ElementNode || isStructuralRoot(n.Data) {
			return found
		}
		if b, ok := p.recognize(n); ok {
			b.order = order
			order++
			blocks = append(blocks, b)
			return true
		}
		return false
	}
	visit(doc)

	group := largestGroup(blocks)
	items := make([]feed.Item, 0, len(group))
	for _, b := range group {
		link := resolveLink(base, b.href)
		guid := blockID(b.node)
		if guid == "" {
			guid = feed.GUIDFor(link, b.title)
		}
		items = append(items, feed.Item{
			SourceID:    src.ID,
			GUID:        guid,
			Title:       b.title,
			Link:        link,
			PublishedAt: b.published,
			Summary:     Truncate(b.body, p.SummaryLimit),
			RawCategory: attr(b.node, "data-category"),
			Tags:        []string{},
			Tactics:     []string{},
		})
	}
	items = feed.Dedup(items)

	if len(items) < p.MinItems {
		return nil, &LowConfidenceError{SourceID: src.ID, Found: len(items), Required: p.MinItems}
	}
	return items, nil
}

// recognize checks whether n holds the anchor, timestamp and body triplet.
func (p *ForumParser) recognize(n *html.Node) (postBlock, bool) {
	anchor := findTitleAnchor(n)
	if anchor == nil {
		return postBlock{}, false
	}
	published, stamp, ok := findTimestamp(n, anchor)
	if !ok {
		return postBlock{}, false
	}

	title := CollapseSpace(nodeText(anchor, nil))
	body := CollapseSpace(nodeText(n, func(c *html.Node) bool {
		return c == anchor || isTimeElement(c)
	}))
	if stamp != "" {
		body = CollapseSpace(strings.Replace(body, stamp, "", 1))
	}
	if utf8.RuneCountInString(body) < p.MinBodyRunes {
		return postBlock{}, false
	}
	return postBlock{
		node:      n,
		signature: signature(n),
		title:     title,
		href:      attr(anchor, "href"),
		published: published,
		body:      body,
	}, true
}

func findTitleAnchor(n *html.Node) *html.Node {
	var found *html.Node
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if found != nil {
			return
		}
		if c.Type == html.ElementNode && c.Data == "a" && navigable(attr(c, "href")) &&
			utf8.RuneCountInString(CollapseSpace(nodeText(c, nil))) >= 3 {
			found = c
			return
		}
		for cc := c.FirstChild; cc != nil; cc = cc.NextSibling {
			walk(cc)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return found
}

// findTimestamp looks for a <time> element first, then for date-like text
// outside the title anchor. Relative dates are ignored so that parsing does
// not depend on the clock.
func findTimestamp(n, anchor *html.Node) (time.Time, string, bool) {
	var result time.Time
	var stamp string
	ok := false
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if ok || c == anchor {
			return
		}
		if c.Type == html.ElementNode && isSkippedTag(c.Data) {
			return
		}
		if isTimeElement(c) {
			for _, raw := range []string{attr(c, "datetime"), attr(c, "title"), CollapseSpace(nodeText(c, nil))} {
				if t, err := parseDate(raw); err == nil {
					result, ok = t, true
					return
				}
			}
		}
		if c.Type == html.TextNode {
			if m := dateTextPattern.FindString(c.Data); m != "" {
				if t, err := parseDate(m); err == nil {
					result, stamp, ok = t, m, true
					return
				}
			}
		}
		for cc := c.FirstChild; cc != nil; cc = cc.NextSibling {
			walk(cc)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c)
	}
	return result, CollapseSpace(stamp), ok
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := dateparse.ParseIn(raw, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func isTimeElement(n *html.Node) bool {
	return n.Type == html.ElementNode && (n.Data == "time" || (n.Data == "abbr" && attr(n, "title") != "") || attr(n, "datetime") != "")
}

func isStructuralRoot(tag string) bool {
	switch tag {
	case "html", "head", "body", "main", "a", "time":
		return true
	}
	return false
}

func navigable(href string) bool {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return false
	}
	lower := strings.ToLower(href)
	return !strings.HasPrefix(lower, "javascript:") && !strings.HasPrefix(lower, "mailto:")
}

// signature identifies the layout of a block: its tag plus class names that
// carry no digits, so per-post classes like "post-1234" do not split a group.
func signature(n *html.Node) string {
	var classes []string
	for _, c := range strings.Fields(attr(n, "class")) {
		if strings.IndexFunc(c, unicode.IsDigit) >= 0 {
			continue
		}
		classes = append(classes, c)
	}
	sort.Strings(classes)
	if n.Parent != nil && n.Parent.Type == html.ElementNode {
		return n.Parent.Data + ">" + n.Data + "." + strings.Join(classes, ".")
	}
	return n.Data + "." + strings.Join(classes, ".")
}

// largestGroup returns the blocks sharing the most common signature, in
// document order. Ties go to the group that appears first.
func largestGroup(blocks []postBlock) []postBlock {
	groups := make(map[string][]postBlock)
	first := make(map[string]int)
	for _, b := range blocks {
		if _, ok := groups[b.signature]; !ok {
			first[b.signature] = b.order
		}
		groups[b.signature] = append(groups[b.signature], b)
	}
	best := ""
	for sig, g := range groups {
		switch {
		case best == "":
			best = sig
		case len(g) > len(groups[best]):
			best = sig
		case len(g) == len(groups[best]) && first[sig] < first[best]:
			best = sig
		}
	}
	return groups[best]
}

func blockID(n *html.Node) string {
	for _, key := range []string{"data-post-id", "data-thread-id", "data-id", "id"} {
		if v := strings.TrimSpace(attr(n, key)); v != "" {
			return v
		}
	}
	return ""
}

func resolveLink(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	ref, err := url.Parse(href)
	if err != nil || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// nodeText concatenates the text below n, skipping subtrees for which skip
// returns true.
func nodeText(n *html.Node, skip func(*html.Node) bool) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if skip != nil && skip(c) {
			return
		}
		switch {
		case c.Type == html.TextNode:
			sb.WriteString(c.Data)
		case c.Type == html.ElementNode && isSkippedTag(c.Data):
			return
		case c.Type == html.ElementNode && isBlockTag(c.Data):
			sb.WriteByte(' ')
		}
		for cc := c.FirstChild; cc != nil; cc = cc.NextSibling {
			walk(cc)
		}
		if c.Type == html.ElementNode && isBlockTag(c.Data) {
			sb.WriteByte(' ')
		}
	}
	walk(n)
	return sb.String()
}
