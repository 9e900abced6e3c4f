package correlate

import (
	"sort"
	"strings"

	"feedsentinel/internal/feed"
)

// TechniqueRef is a technique as shown in a correlation summary.
type TechniqueRef struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Tactics []string `json:"tactics"`
}

// Summary collects the correlation view of one item GUID or CVE id.
type Summary struct {
	ID          string         `json:"id"`
	Items       []feed.Item    `json:"items"`
	Techniques  []TechniqueRef `json:"techniques"`
	Tactics     []Tactic       `json:"tactics"`
	MaxSeverity *float64       `json:"max_severity"`
}

// Summarize builds the summary for id over items. A CVE id matches items
// carrying or mentioning it; anything else matches item GUIDs. The second
// result is false when neither the items nor the catalog know the id.
func (e *Engine) Summarize(id string, items []feed.Item) (Summary, bool) {
	id = strings.TrimSpace(id)
	isCVE := cveRefPattern.MatchString(id) && len(cveRefPattern.FindString(id)) == len(id)
	if isCVE {
		id = strings.ToUpper(id)
	}

	sum := Summary{ID: id, Items: []feed.Item{}}
	techniqueSet := make(map[string]struct{})
	for _, it := range items {
		if !summaryMatches(it, id, isCVE) {
			continue
		}
		sum.Items = append(sum.Items, it)
		for _, t := range it.Tags {
			techniqueSet[t] = struct{}{}
		}
		if it.Severity != nil && (sum.MaxSeverity == nil || *it.Severity > *sum.MaxSeverity) {
			v := *it.Severity
			sum.MaxSeverity = &v
		}
	}
	if isCVE {
		for _, t := range e.catalog.TechniquesForCVE(id) {
			techniqueSet[t] = struct{}{}
		}
	}
	if len(sum.Items) == 0 && len(techniqueSet) == 0 {
		return Summary{}, false
	}

	ids := make([]string, 0, len(techniqueSet))
	for t := range techniqueSet {
		ids = append(ids, t)
	}
	sort.Strings(ids)

	tacticSet := make(map[string]struct{})
	sum.Techniques = make([]TechniqueRef, 0, len(ids))
	for _, t := range ids {
		ref := TechniqueRef{ID: t, Tactics: []string{}}
		if tech, ok := e.catalog.Technique(t); ok {
			ref.Name = tech.Name
			ref.Tactics = append(ref.Tactics, tech.TacticIDs...)
		}
		for _, tid := range ref.Tactics {
			tacticSet[tid] = struct{}{}
		}
		sum.Techniques = append(sum.Techniques, ref)
	}
	sum.Tactics = make([]Tactic, 0, len(tacticSet))
	for tid := range tacticSet {
		if tac, ok := e.catalog.Tactic(tid); ok {
			sum.Tactics = append(sum.Tactics, tac)
		} else {
			sum.Tactics = append(sum.Tactics, Tactic{ID: tid})
		}
	}
	sort.Slice(sum.Tactics, func(i, j int) bool { return sum.Tactics[i].ID < sum.Tactics[j].ID })
	return sum, true
}

func summaryMatches(it feed.Item, id string, isCVE bool) bool {
	if it.GUID == id {
		return true
	}
	if !isCVE {
		return false
	}
	if it.CVE != nil && strings.EqualFold(it.CVE.CVEID, id) {
		return true
	}
	for _, m := range cveRefPattern.FindAllString(it.Title+" "+it.Summary, -1) {
		if strings.EqualFold(m, id) {
			return true
		}
	}
	return false
}
