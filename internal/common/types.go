package common

import "fmt"

// Category classifies what kind of content a feed source publishes.
type Category string

const (
	CategoryRegulatory    Category = "regulatory"
	CategorySecurityNews  Category = "security-news"
	CategoryVulnerability Category = "vulnerability"
	CategoryForum         Category = "forum"
)

// Categories lists every known category in display order.
var Categories = []Category{CategoryRegulatory, CategorySecurityNews, CategoryVulnerability, CategoryForum}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory converts a config or query string into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q (want one of %v)", s, Categories)
	}
	return c, nil
}

// ParserKind selects which parser turns a payload into items.
type ParserKind string

const (
	ParserStandard ParserKind = "standard"
	ParserForum    ParserKind = "forum"
)

// Valid reports whether k is a known parser kind.
func (k ParserKind) Valid() bool {
	return k == ParserStandard || k == ParserForum
}

// SeverityLevel denotes a severity band. Keyword tiers in the correlation
// engine and the severity_band label on query results share these levels.
type SeverityLevel int

const (
	SeverityLow SeverityLevel = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (l SeverityLevel) String() string {
	switch l {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// BandFor maps a 0-10 severity score onto a band, using the CVSS v3
// qualitative ranges.
func BandFor(score float64) SeverityLevel {
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
