package correlate

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// stixBundle is the subset of a MITRE ATT&CK STIX 2.x bundle the catalog
// needs.
type stixBundle struct {
	Type    string       `json:"type"`
	Objects []stixObject `json:"objects"`
}

type stixObject struct {
	Type               string              `json:"type"`
	ID                 string              `json:"id"`
	Name               string              `json:"name"`
	Description        string              `json:"description"`
	Aliases            []string            `json:"aliases"`
	MitreAliases       []string            `json:"x_mitre_aliases"`
	ShortName          string              `json:"x_mitre_shortname"`
	KillChainPhases    []killChainPhase    `json:"kill_chain_phases"`
	ExternalReferences []externalReference `json:"external_references"`
	Domains            []string            `json:"x_mitre_domains"`
	Sectors            []string            `json:"x_mitre_sectors"`
	Revoked            bool                `json:"revoked"`
	Deprecated         bool                `json:"x_mitre_deprecated"`
	RelationshipType   string              `json:"relationship_type"`
	SourceRef          string              `json:"source_ref"`
	TargetRef          string              `json:"target_ref"`
}

type killChainPhase struct {
	KillChainName string `json:"kill_chain_name"`
	PhaseName     string `json:"phase_name"`
}

type externalReference struct {
	SourceName string `json:"source_name"`
	ExternalID string `json:"external_id"`
}

func (o stixObject) attackID() string {
	for _, ref := range o.ExternalReferences {
		if strings.HasPrefix(ref.SourceName, "mitre-") && ref.ExternalID != "" {
			return ref.ExternalID
		}
	}
	return ""
}

// ParseSTIX builds a catalog from an ATT&CK bundle. Revoked and deprecated
// objects are skipped. Group technique lists come from "uses"
// relationships between intrusion sets and attack patterns.
func ParseSTIX(r io.Reader, cveMappings map[string][]string) (*Catalog, error) {
	var bundle stixBundle
	if err := json.NewDecoder(r).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("%w: decode bundle: %v", ErrInvalidCatalog, err)
	}

	tacticsByShort := make(map[string]string)
	var tactics []Tactic
	stixToTechnique := make(map[string]string)
	groupIdx := make(map[string]int)
	var groups []Group

	live := make([]stixObject, 0, len(bundle.Objects))
	for _, o := range bundle.Objects {
		if !o.Revoked && !o.Deprecated {
			live = append(live, o)
		}
	}

	for _, o := range live {
		if o.Type != "x-mitre-tactic" {
			continue
		}
		id := o.attackID()
		if id == "" {
			continue
		}
		tactics = append(tactics, Tactic{ID: id, ShortName: o.ShortName, Name: o.Name})
		tacticsByShort[o.ShortName] = id
	}

	var techniques []Technique
	for _, o := range live {
		if o.Type != "attack-pattern" {
			continue
		}
		id := o.attackID()
		if id == "" {
			continue
		}
		var tacticIDs []string
		for _, phase := range o.KillChainPhases {
			if !strings.HasPrefix(phase.KillChainName, "mitre-") {
				continue
			}
			if tid, ok := tacticsByShort[phase.PhaseName]; ok {
				tacticIDs = append(tacticIDs, tid)
			}
		}
		techniques = append(techniques, Technique{
			ID:          id,
			TacticIDs:   tacticIDs,
			Name:        o.Name,
			Description: o.Description,
			DomainTags:  append(append([]string(nil), o.Domains...), o.Sectors...),
			Aliases:     o.MitreAliases,
		})
		stixToTechnique[o.ID] = id
	}

	for _, o := range live {
		if o.Type != "intrusion-set" {
			continue
		}
		aliases := make([]string, 0, len(o.Aliases))
		for _, a := range o.Aliases {
			if a != o.Name {
				aliases = append(aliases, a)
			}
		}
		groupIdx[o.ID] = len(groups)
		groups = append(groups, Group{ID: o.attackID(), Name: o.Name, Aliases: aliases})
	}

	for _, o := range live {
		if o.Type != "relationship" || o.RelationshipType != "uses" {
			continue
		}
		gi, ok := groupIdx[o.SourceRef]
		if !ok {
			continue
		}
		if tid, ok := stixToTechnique[o.TargetRef]; ok {
			groups[gi].TechniqueIDs = append(groups[gi].TechniqueIDs, tid)
		}
	}

	sort.Slice(techniques, func(i, j int) bool { return techniques[i].ID < techniques[j].ID })
	return NewCatalog(tactics, techniques, groups, cveMappings)
}

// ParseCVEMappings reads a JSON object mapping CVE ids to technique ids.
func ParseCVEMappings(r io.Reader) (map[string][]string, error) {
	var m map[string][]string
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: decode cve mappings: %v", ErrInvalidCatalog, err)
	}
	return m, nil
}

// LoadCatalog reads an ATT&CK bundle and an optional CVE mapping file.
func LoadCatalog(bundlePath, cveMapPath string) (*Catalog, error) {
	var mappings map[string][]string
	if cveMapPath != "" {
		f, err := os.Open(cveMapPath)
		if err != nil {
			return nil, fmt.Errorf("open cve mappings: %w", err)
		}
		defer f.Close()
		if mappings, err = ParseCVEMappings(f); err != nil {
			return nil, err
		}
	}
	f, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("open attack bundle: %w", err)
	}
	defer f.Close()
	return ParseSTIX(f, mappings)
}
