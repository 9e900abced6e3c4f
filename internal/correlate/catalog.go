package correlate

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/samber/lo"
)

var (
	ErrInvalidCatalog = errors.New("invalid technique catalog")

	techniqueIDPattern = regexp.MustCompile(`^T\d{4}(?:\.\d{3})?$`)
)

// Tactic is an adversary goal such as initial access.
type Tactic struct {
	ID        string `json:"id"`
	ShortName string `json:"short_name"`
	Name      string `json:"name"`
}

// Technique is one catalog technique. TacticIDs keeps the catalog's order.
type Technique struct {
	ID          string   `json:"id"`
	TacticIDs   []string `json:"tactic_ids"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	DomainTags  []string `json:"domain_tags,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
}

// Group is a tracked threat actor and the techniques it is known to use.
type Group struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Aliases      []string `json:"aliases,omitempty"`
	TechniqueIDs []string `json:"technique_ids"`
}

// Catalog is the read-only reference table the engine correlates against.
// It is never mutated after NewCatalog returns.
type Catalog struct {
	tactics     map[string]Tactic
	techniques  map[string]Technique
	groups      []Group
	cveMappings map[string][]string
}

// NewCatalog validates and indexes the catalog tables. Techniques that
// reference unknown tactics, groups and CVE mappings that reference unknown
// techniques are rejected.
func NewCatalog(tactics []Tactic, techniques []Technique, groups []Group, cveMappings map[string][]string) (*Catalog, error) {
	c := &Catalog{
		tactics:     make(map[string]Tactic, len(tactics)),
		techniques:  make(map[string]Technique, len(techniques)),
		cveMappings: make(map[string][]string, len(cveMappings)),
	}
	var problems []string

	for _, t := range tactics {
		if t.ID == "" {
			problems = append(problems, "tactic with empty id")
			continue
		}
		c.tactics[t.ID] = t
	}
	for _, t := range techniques {
		if !techniqueIDPattern.MatchString(t.ID) {
			problems = append(problems, fmt.Sprintf("technique id %q", t.ID))
			continue
		}
		for _, tid := range t.TacticIDs {
			if _, ok := c.tactics[tid]; !ok {
				problems = append(problems, fmt.Sprintf("technique %s: unknown tactic %q", t.ID, tid))
			}
		}
		t.TacticIDs = append([]string(nil), t.TacticIDs...)
		t.Aliases = append([]string(nil), t.Aliases...)
		t.DomainTags = append([]string(nil), t.DomainTags...)
		c.techniques[t.ID] = t
	}
	for _, g := range groups {
		g.TechniqueIDs = lo.Filter(lo.Uniq(g.TechniqueIDs), func(id string, _ int) bool {
			_, ok := c.techniques[id]
			return ok
		})
		sort.Strings(g.TechniqueIDs)
		g.Aliases = append([]string(nil), g.Aliases...)
		c.groups = append(c.groups, g)
	}
	sort.Slice(c.groups, func(i, j int) bool { return c.groups[i].ID < c.groups[j].ID })

	for cve, ids := range cveMappings {
		key := strings.ToUpper(strings.TrimSpace(cve))
		for _, id := range ids {
			if _, ok := c.techniques[id]; !ok {
				problems = append(problems, fmt.Sprintf("%s: unknown technique %q", key, id))
			}
		}
		mapped := lo.Uniq(append(c.cveMappings[key], ids...))
		sort.Strings(mapped)
		c.cveMappings[key] = mapped
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, fmt.Errorf("%w: %s", ErrInvalidCatalog, strings.Join(problems, "; "))
	}
	return c, nil
}

func (c *Catalog) Technique(id string) (Technique, bool) {
	t, ok := c.techniques[id]
	return t, ok
}

func (c *Catalog) Tactic(id string) (Tactic, bool) {
	t, ok := c.tactics[id]
	return t, ok
}

// Techniques returns every technique ordered by id.
func (c *Catalog) Techniques() []Technique {
	out := lo.Values(c.techniques)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tactics returns every tactic ordered by id.
func (c *Catalog) Tactics() []Tactic {
	out := lo.Values(c.tactics)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) Groups() []Group { return append([]Group(nil), c.groups...) }

// TechniquesForCVE returns the technique ids mapped to a CVE id.
func (c *Catalog) TechniquesForCVE(cveID string) []string {
	return c.cveMappings[strings.ToUpper(cveID)]
}

func (c *Catalog) Size() (tactics, techniques, groups, cves int) {
	return len(c.tactics), len(c.techniques), len(c.groups), len(c.cveMappings)
}
