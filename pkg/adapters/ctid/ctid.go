// Package ctid adapts the Center for Threat-Informed Defense Mappings
// Explorer files: security capabilities of a platform scored against
// ATT&CK techniques.
package ctid

import (
	"encoding/json"
	"strings"

	"github.com/exploopio/attackmap/pkg/adapters"
	"github.com/exploopio/attackmap/pkg/corpus"
	"github.com/exploopio/attackmap/pkg/mapping"
)

// Score values. Minimal coverage is treated as visibility, not detection.
const (
	ScoreSignificant = "significant"
	ScorePartial     = "partial"
	ScoreMinimal     = "minimal"
)

var scoreStrength = map[string]float64{
	ScoreSignificant: 1.0,
	ScorePartial:     0.6,
	ScoreMinimal:     0.3,
}

type mappingFile struct {
	Metadata struct {
		Platform         string `json:"platform"`
		TechnologyDomain string `json:"technology_domain"`
		AttackVersion    string `json:"attack_version"`
		MappingFramework string `json:"mapping_framework"`
	} `json:"metadata"`
	MappingObjects []mappingObject `json:"mapping_objects"`
}

type mappingObject struct {
	CapabilityID          string `json:"capability_id"`
	CapabilityDescription string `json:"capability_description"`
	CapabilityGroup       string `json:"capability_group"`
	MappingType           string `json:"mapping_type"`
	AttackObjectID        string `json:"attack_object_id"`
	AttackObjectName      string `json:"attack_object_name"`
	ScoreCategory         string `json:"score_category"`
	ScoreValue            string `json:"score_value"`
	Comments              string `json:"comments"`
}

// score returns the lower-cased strength of the mapping. Older files put
// it in score_category, newer ones in score_value.
func (o mappingObject) score() string {
	for _, s := range []string{o.ScoreValue, o.ScoreCategory} {
		s = strings.ToLower(strings.TrimSpace(s))
		if _, ok := scoreStrength[s]; ok {
			return s
		}
	}
	return ""
}

// Parser reads Mappings Explorer JSON. Each (capability, score) pair becomes
// one rule; the builder merges the techniques of repeated pairs.
type Parser struct{}

func (Parser) Extensions() []string { return []string{".json"} }

func (Parser) Parse(path string, data []byte) ([]adapters.Rule, error) {
	var f mappingFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	var out []adapters.Rule
	for _, o := range f.MappingObjects {
		if o.AttackObjectID == "" || o.CapabilityID == "" || strings.EqualFold(o.MappingType, "non_mappable") {
			continue
		}
		score := o.score()
		if score == "" {
			continue
		}
		r := adapters.Rule{
			ID:            "ctid:" + o.CapabilityID + ":" + score,
			Title:         o.CapabilityDescription,
			Description:   o.Comments,
			TechniqueIDs:  []string{o.AttackObjectID},
			RawSource:     o.CapabilityGroup,
			Strength:      scoreStrength[score],
			TelemetryOnly: score == ScoreMinimal,
			Text: strings.Join([]string{
				o.CapabilityID, o.CapabilityDescription, o.CapabilityGroup, f.Metadata.Platform,
			}, " "),
		}
		if f.Metadata.Platform != "" {
			r.Platforms = []string{f.Metadata.Platform}
		}
		if o.CapabilityGroup != "" {
			r.LogSources = []mapping.LogSource{{Name: o.CapabilityGroup}}
		}
		if r.Title == "" {
			r.Title = o.CapabilityID
		}
		out = append(out, r)
	}
	return out, nil
}

// New creates the CTID adapter over src. CTID mappings are vendor-scoped
// rather than platform-scoped, so the adapter applies to every product.
func New(src corpus.Source, index adapters.IndexProvider, opts adapters.Options) *adapters.RuleAdapter {
	return adapters.NewRuleAdapter(mapping.SourceCTID, src, index, Parser{}, adapters.Applicability{}, opts)
}
