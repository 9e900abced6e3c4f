// Package correlate tags feed items with catalog techniques and tactics and
// scores their severity.
package correlate

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/samber/lo"
	"github.com/willf/bloom"

	"feedsentinel/internal/feed"
	"feedsentinel/internal/logging"
	"feedsentinel/internal/metrics"
)

const (
	DefaultHalfLife = 72 * time.Hour

	// Added per tagged technique, up to maxTechniqueWeight.
	techniqueWeight    = 0.5
	maxTechniqueWeight = 2.0
	// Severity for exploited vulnerabilities that carry no CVSS score.
	exploitedSeverity = 9.0
	// Single-token phrases shorter than this are too ambiguous to match.
	minSingleTokenRunes = 4
)

var (
	techniqueRefPattern = regexp.MustCompile(`\bT\d{4}(?:\.\d{3})?\b`)
	cveRefPattern       = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,7}\b`)
)

type Config struct {
	// HalfLife is the age at which the recency factor of generic items has
	// decayed halfway toward its floor.
	HalfLife time.Duration
	Logger   logging.Logger
}

// Engine correlates items against one catalog. It is immutable after
// construction and safe for concurrent use.
type Engine struct {
	catalog  *Catalog
	phrases  map[string][]string
	filter   *bloom.BloomFilter
	maxN     int
	keywords []compiledKeyword
	halfLife time.Duration
	logger   logging.Logger
}

type filterStats struct {
	lookups int
	passed  int
}

func NewEngine(catalog *Catalog, cfg Config) *Engine {
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = DefaultHalfLife
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDiscardLogger()
	}
	e := &Engine{
		catalog:  catalog,
		phrases:  make(map[string][]string),
		keywords: compileKeywords(severityKeywords),
		halfLife: cfg.HalfLife,
		logger:   cfg.Logger,
	}

	add := func(phrase string, ids ...string) {
		tokens := tokenize(phrase)
		if len(tokens) == 0 || (len(tokens) == 1 && utf8.RuneCountInString(tokens[0]) < minSingleTokenRunes) {
			return
		}
		key := strings.Join(tokens, " ")
		e.phrases[key] = append(e.phrases[key], ids...)
		if len(tokens) > e.maxN {
			e.maxN = len(tokens)
		}
	}
	for _, t := range catalog.Techniques() {
		add(t.Name, t.ID)
		for _, a := range t.Aliases {
			add(a, t.ID)
		}
	}
	for _, g := range catalog.Groups() {
		if len(g.TechniqueIDs) == 0 {
			continue
		}
		add(g.Name, g.TechniqueIDs...)
		for _, a := range g.Aliases {
			add(a, g.TechniqueIDs...)
		}
	}

	e.filter = bloom.NewWithEstimates(uint(len(e.phrases)+1), 0.01)
	for key, ids := range e.phrases {
		ids = lo.Uniq(ids)
		sort.Strings(ids)
		e.phrases[key] = ids
		e.filter.Add([]byte(key))
	}

	tactics, techniques, groups, cves := catalog.Size()
	e.logger.WithFields(logging.Fields{
		"tactics":    tactics,
		"techniques": techniques,
		"groups":     groups,
		"cves":       cves,
		"phrases":    len(e.phrases),
	}).Debug("correlation engine ready")
	return e
}

func (e *Engine) Catalog() *Catalog { return e.catalog }

// Correlate returns a copy of item with Tags, Tactics and Severity set. The
// result depends only on the item, the catalog and now.
func (e *Engine) Correlate(item feed.Item, now time.Time) feed.Item {
	var st filterStats
	return e.correlate(item, now, &st)
}

// CorrelateAll correlates a batch and publishes the prefilter hit ratio.
func (e *Engine) CorrelateAll(items []feed.Item, now time.Time) []feed.Item {
	var st filterStats
	out := make([]feed.Item, len(items))
	for i, it := range items {
		out[i] = e.correlate(it, now, &st)
	}
	if st.lookups > 0 {
		metrics.CorrelationFilterHitRatio.Set(float64(st.passed) / float64(st.lookups))
	}
	return out
}

func (e *Engine) correlate(item feed.Item, now time.Time, st *filterStats) feed.Item {
	text := item.Title + " " + item.Summary
	tags := e.matchPhrases(tokenize(text), st)

	for _, ref := range techniqueRefPattern.FindAllString(text, -1) {
		if _, ok := e.catalog.Technique(ref); ok {
			tags[ref] = struct{}{}
		}
	}
	for _, cve := range e.cveRefs(item, text) {
		for _, id := range e.catalog.TechniquesForCVE(cve) {
			tags[id] = struct{}{}
		}
	}

	ids := lo.Keys(tags)
	sort.Strings(ids)

	tacticSet := make(map[string]struct{})
	for _, id := range ids {
		t, _ := e.catalog.Technique(id)
		for _, tid := range t.TacticIDs {
			tacticSet[tid] = struct{}{}
		}
	}
	tactics := lo.Keys(tacticSet)
	sort.Strings(tactics)

	item.Tags = ids
	item.Tactics = tactics
	item.Severity = e.score(item, strings.ToLower(text), len(ids), now)
	return item
}

// matchPhrases slides windows of 1..maxN tokens over the text. The bloom
// filter rejects most windows before the map lookup.
func (e *Engine) matchPhrases(tokens []string, st *filterStats) map[string]struct{} {
	tags := make(map[string]struct{})
	for i := range tokens {
		for n := 1; n <= e.maxN && i+n <= len(tokens); n++ {
			key := strings.Join(tokens[i:i+n], " ")
			st.lookups++
			if !e.filter.Test([]byte(key)) {
				continue
			}
			st.passed++
			for _, id := range e.phrases[key] {
				tags[id] = struct{}{}
			}
		}
	}
	return tags
}

func (e *Engine) cveRefs(item feed.Item, text string) []string {
	var refs []string
	if item.CVE != nil && item.CVE.CVEID != "" {
		refs = append(refs, strings.ToUpper(item.CVE.CVEID))
	}
	for _, m := range cveRefPattern.FindAllString(text, -1) {
		refs = append(refs, strings.ToUpper(m))
	}
	return lo.Uniq(refs)
}

func (e *Engine) score(item feed.Item, lower string, tagCount int, now time.Time) *float64 {
	if item.CVE != nil {
		if item.CVE.CVSSScore != nil {
			s := round1(math.Max(0, math.Min(10, *item.CVE.CVSSScore)))
			return &s
		}
		if item.CVE.ExploitedInWild {
			s := exploitedSeverity
			return &s
		}
	}

	raw := 0.0
	for _, k := range e.keywords {
		if k.Regex.MatchString(lower) {
			raw += tierWeights[k.Level]
		}
	}
	raw += math.Min(techniqueWeight*float64(tagCount), maxTechniqueWeight)
	if raw == 0 {
		return nil
	}
	s := round1(10 * (1 - math.Exp(-raw/4)) * e.recency(item.PublishedAt, now))
	return &s
}

// recency decays from 1 toward 0.3 as the item ages. Items without a date
// and items dated in the future are treated as fresh.
func (e *Engine) recency(published, now time.Time) float64 {
	if published.IsZero() {
		return 1
	}
	age := now.Sub(published)
	if age < 0 {
		age = 0
	}
	return 0.3 + 0.7*math.Pow(0.5, age.Hours()/e.halfLife.Hours())
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
