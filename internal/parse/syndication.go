package parse

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"feedsentinel/internal/feed"
)

// SyndicationParser handles RSS, Atom and JSON Feed payloads. Entries that
// name a CVE get CVE details whatever the source category.
type SyndicationParser struct {
	SummaryLimit int
}

func (p *SyndicationParser) Parse(src feed.Source, payload []byte) ([]feed.Item, error) {
	return p.parse(src, payload, enrichCVE)
}

func enrichCVE(entry *gofeed.Item, item *feed.Item) {
	item.CVE = ExtractCVE(item.Title+"\n"+item.Summary, entry.Categories)
}

// parse normalizes every entry and lets enrich add specialized fields
// before deduplication.
func (p *SyndicationParser) parse(src feed.Source, payload []byte, enrich func(*gofeed.Item, *feed.Item)) ([]feed.Item, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, fmt.Errorf("%w: %s: empty payload", ErrMalformedPayload, src.ID)
	}
	// gofeed.Parser keeps per-parse state, so each call gets its own.
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, src.ID, err)
	}

	items := make([]feed.Item, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		if entry == nil {
			continue
		}
		item := p.normalize(src, entry)
		if enrich != nil {
			enrich(entry, &item)
		}
		items = append(items, item)
	}
	return feed.Dedup(items), nil
}

func (p *SyndicationParser) normalize(src feed.Source, entry *gofeed.Item) feed.Item {
	title := StripMarkup(entry.Title)
	link := strings.TrimSpace(entry.Link)
	if link == "" && len(entry.Links) > 0 {
		link = strings.TrimSpace(entry.Links[0])
	}

	guid := strings.TrimSpace(entry.GUID)
	if guid == "" {
		guid = feed.GUIDFor(link, title)
	}

	summary := entry.Description
	if strings.TrimSpace(summary) == "" {
		summary = entry.Content
	}

	return feed.Item{
		SourceID:    src.ID,
		GUID:        guid,
		Title:       title,
		Link:        link,
		PublishedAt: publishedAt(entry),
		Summary:     Truncate(StripMarkup(summary), p.SummaryLimit),
		RawCategory: strings.Join(entry.Categories, ", "),
		Tags:        []string{},
		Tactics:     []string{},
	}
}

func publishedAt(entry *gofeed.Item) time.Time {
	switch {
	case entry.PublishedParsed != nil:
		return entry.PublishedParsed.UTC()
	case entry.UpdatedParsed != nil:
		return entry.UpdatedParsed.UTC()
	default:
		return time.Time{}
	}
}
