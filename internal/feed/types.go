package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"feedsentinel/internal/common"
)

// Origin records where a source definition came from.
type Origin string

const (
	OriginConfig    Origin = "config"
	OriginDiscovery Origin = "discovery"
)

// FetchPolicy bounds a single fetch of a source.
type FetchPolicy struct {
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Source is a configured external origin of threat or regulatory content.
type Source struct {
	ID          string
	Name        string
	URL         string
	Category    common.Category
	ParserKind  common.ParserKind
	Priority    int
	FetchPolicy FetchPolicy
	Origin      Origin
}

// CVEDetails specializes an Item for vulnerability content.
type CVEDetails struct {
	CVEID           string   `json:"cve_id"`
	CVSSScore       *float64 `json:"cvss_score,omitempty"`
	AffectedVendors []string `json:"affected_vendors,omitempty"`
	ExploitedInWild bool     `json:"exploited_in_wild"`
}

// Item is a normalized feed entry. Items are never mutated after they are
// published in a snapshot; refresh cycles replace them wholesale.
type Item struct {
	SourceID    string      `json:"source_id"`
	GUID        string      `json:"guid"`
	Title       string      `json:"title"`
	Link        string      `json:"link"`
	PublishedAt time.Time   `json:"published_at"`
	Summary     string      `json:"summary"`
	RawCategory string      `json:"raw_category"`
	Tags        []string    `json:"tags"`
	Tactics     []string    `json:"tactics"`
	Severity    *float64    `json:"severity"`
	CVE         *CVEDetails `json:"cve,omitempty"`
}

// CycleState is the per-source operational metadata maintained by the
// refresh scheduler.
type CycleState struct {
	LastSuccessAt       time.Time     `json:"last_success_at"`
	LastAttemptAt       time.Time     `json:"last_attempt_at"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	IsDegraded          bool          `json:"is_degraded"`
	ItemCount           int           `json:"item_count"`
	LastDuration        time.Duration `json:"last_duration"`
}

// Staleness returns the time since the last successful refresh, or -1 when
// the source never refreshed successfully.
func (s CycleState) Staleness(now time.Time) time.Duration {
	if s.LastSuccessAt.IsZero() {
		return -1
	}
	d := now.Sub(s.LastSuccessAt)
	if d < 0 {
		return 0
	}
	return d
}

// GUIDFor derives a stable identifier from link and title for entries that
// do not carry one.
func GUIDFor(link, title string) string {
	sum := sha256.Sum256([]byte(link + "\n" + title))
	return hex.EncodeToString(sum[:16])
}

// Dedup drops items whose GUID was already seen, keeping the first occurrence.
func Dedup(items []Item) []Item {
	seen := make(map[string]struct{}, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it.GUID]; ok {
			continue
		}
		seen[it.GUID] = struct{}{}
		out = append(out, it)
	}
	return out
}
