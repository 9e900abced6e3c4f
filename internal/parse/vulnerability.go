package parse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"feedsentinel/internal/feed"
)

var (
	cvePattern       = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,7}\b`)
	cvssPattern      = regexp.MustCompile(`(?i)\bCVSS(?:\s*v?[234](?:\.\d)?)?(?:\s+base)?(?:\s+score)?\s*(?:of|:|=|is)?\s*(\d{1,2}(?:\.\d{1,2})?)`)
	exploitedPattern = regexp.MustCompile(`(?i)\b(?:exploited in the wild|actively exploited|known exploited|in-the-wild exploitation|under active exploitation)\b`)
	vendorPattern    = regexp.MustCompile(`(?i)\b(?:affected\s+)?vendors?\s*:\s*([^\n.;]+)`)
	vendorSplit      = regexp.MustCompile(`\s*(?:,|\band\b|/)\s*`)
)

// VulnerabilityParser is the standard parser plus the CISA Known Exploited
// Vulnerabilities JSON catalog.
type VulnerabilityParser struct {
	Syndication *SyndicationParser
}

type kevCatalog struct {
	Title           string     `json:"title"`
	CatalogVersion  string     `json:"catalogVersion"`
	Vulnerabilities []kevEntry `json:"vulnerabilities"`
}

type kevEntry struct {
	CVEID                      string `json:"cveID"`
	VendorProject              string `json:"vendorProject"`
	Product                    string `json:"product"`
	VulnerabilityName          string `json:"vulnerabilityName"`
	DateAdded                  string `json:"dateAdded"`
	ShortDescription           string `json:"shortDescription"`
	KnownRansomwareCampaignUse string `json:"knownRansomwareCampaignUse"`
}

func (p *VulnerabilityParser) Parse(src feed.Source, payload []byte) ([]feed.Item, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var head struct {
			Vulnerabilities json.RawMessage `json:"vulnerabilities"`
		}
		if err := json.Unmarshal(trimmed, &head); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, src.ID, err)
		}
		if head.Vulnerabilities != nil {
			return p.parseKEV(src, trimmed)
		}
	}
	return p.Syndication.Parse(src, payload)
}

func (p *VulnerabilityParser) parseKEV(src feed.Source, payload []byte) ([]feed.Item, error) {
	var catalog kevCatalog
	if err := json.Unmarshal(payload, &catalog); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, src.ID, err)
	}

	items := make([]feed.Item, 0, len(catalog.Vulnerabilities))
	for _, v := range catalog.Vulnerabilities {
		id := strings.ToUpper(strings.TrimSpace(v.CVEID))
		if id == "" {
			continue
		}
		summary := CollapseSpace(v.ShortDescription)
		if strings.EqualFold(v.KnownRansomwareCampaignUse, "known") {
			summary = strings.TrimSpace(summary + " Known ransomware campaign use.")
		}
		var published time.Time
		if t, err := time.Parse("2006-01-02", v.DateAdded); err == nil {
			published = t.UTC()
		}
		var vendors []string
		if vp := strings.TrimSpace(v.VendorProject); vp != "" {
			vendors = []string{vp}
		}
		items = append(items, feed.Item{
			SourceID:    src.ID,
			GUID:        id,
			Title:       strings.TrimSpace(id + ": " + CollapseSpace(v.VulnerabilityName)),
			Link:        "https://nvd.nist.gov/vuln/detail/" + id,
			PublishedAt: published,
			Summary:     Truncate(summary, p.Syndication.SummaryLimit),
			RawCategory: "known-exploited",
			Tags:        []string{},
			Tactics:     []string{},
			CVE: &feed.CVEDetails{
				CVEID:           id,
				AffectedVendors: vendors,
				ExploitedInWild: true,
			},
		})
	}
	return feed.Dedup(items), nil
}

// ExtractCVE pulls vulnerability details out of free text. It returns nil
// when the text names no CVE.
func ExtractCVE(text string, categories []string) *feed.CVEDetails {
	id := cvePattern.FindString(text)
	if id == "" {
		for _, c := range categories {
			if id = cvePattern.FindString(c); id != "" {
				break
			}
		}
	}
	if id == "" {
		return nil
	}

	details := &feed.CVEDetails{
		CVEID:           strings.ToUpper(id),
		ExploitedInWild: exploitedPattern.MatchString(text),
	}
	if m := cvssPattern.FindStringSubmatch(text); m != nil {
		if score, err := strconv.ParseFloat(m[1], 64); err == nil && score >= 0 && score <= 10 {
			details.CVSSScore = &score
		}
	}
	details.AffectedVendors = extractVendors(text, categories)
	return details
}

func extractVendors(text string, categories []string) []string {
	var vendors []string
	for _, c := range categories {
		c = strings.TrimSpace(c)
		if len(c) > len("vendor:") && strings.EqualFold(c[:len("vendor:")], "vendor:") {
			vendors = append(vendors, strings.TrimSpace(c[len("vendor:"):]))
		}
	}
	for _, m := range vendorPattern.FindAllStringSubmatch(text, -1) {
		for _, v := range vendorSplit.Split(m[1], -1) {
			if v = strings.TrimSpace(v); v != "" {
				vendors = append(vendors, v)
			}
		}
	}
	vendors = lo.UniqBy(lo.Compact(vendors), strings.ToLower)
	sort.Slice(vendors, func(i, j int) bool {
		return strings.ToLower(vendors[i]) < strings.ToLower(vendors[j])
	})
	if len(vendors) == 0 {
		return nil
	}
	return vendors
}
