// Package parse turns raw source payloads into normalized feed items.
//
// Every parser is a pure function of the source definition and the payload:
// the same input always yields the same items in the same order.
package parse

import (
	"errors"
	"fmt"

	"feedsentinel/internal/common"
	"feedsentinel/internal/feed"
)

var (
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrLowConfidenceParse = errors.New("low confidence parse")
	ErrUnknownParser      = errors.New("unknown parser kind")
)

// LowConfidenceError is returned by the forum parser when too few post
// blocks were recognized to trust the result.
type LowConfidenceError struct {
	SourceID string
	Found    int
	Required int
}

func (e *LowConfidenceError) Error() string {
	return fmt.Sprintf("%s: %s: recognized %d items, need %d", ErrLowConfidenceParse, e.SourceID, e.Found, e.Required)
}

func (e *LowConfidenceError) Is(target error) bool { return target == ErrLowConfidenceParse }

// Parser converts one payload into items.
type Parser interface {
	Parse(src feed.Source, payload []byte) ([]feed.Item, error)
}

const (
	DefaultSummaryLimit      = 1000
	DefaultForumMinItems     = 3
	DefaultForumMinBodyRunes = 20
)

type Config struct {
	SummaryLimit      int
	ForumMinItems     int
	ForumMinBodyRunes int
}

// Set dispatches on the source's parser kind. Standard sources in the
// vulnerability category get the variant that also reads KEV catalogs.
type Set struct {
	standard      *SyndicationParser
	vulnerability *VulnerabilityParser
	forum         *ForumParser
}

func NewSet(cfg Config) *Set {
	if cfg.SummaryLimit <= 0 {
		cfg.SummaryLimit = DefaultSummaryLimit
	}
	if cfg.ForumMinItems <= 0 {
		cfg.ForumMinItems = DefaultForumMinItems
	}
	if cfg.ForumMinBodyRunes <= 0 {
		cfg.ForumMinBodyRunes = DefaultForumMinBodyRunes
	}
	standard := &SyndicationParser{SummaryLimit: cfg.SummaryLimit}
	return &Set{
		standard:      standard,
		vulnerability: &VulnerabilityParser{Syndication: standard},
		forum: &ForumParser{
			MinItems:     cfg.ForumMinItems,
			MinBodyRunes: cfg.ForumMinBodyRunes,
			SummaryLimit: cfg.SummaryLimit,
		},
	}
}

// For selects the parser for a source.
func (s *Set) For(src feed.Source) (Parser, error) {
	switch src.ParserKind {
	case common.ParserStandard:
		if src.Category == common.CategoryVulnerability {
			return s.vulnerability, nil
		}
		return s.standard, nil
	case common.ParserForum:
		return s.forum, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownParser, src.ParserKind)
	}
}

func (s *Set) Parse(src feed.Source, payload []byte) ([]feed.Item, error) {
	p, err := s.For(src)
	if err != nil {
		return nil, err
	}
	return p.Parse(src, payload)
}
