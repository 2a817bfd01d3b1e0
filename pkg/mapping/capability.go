package mapping

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// CapabilityGroup separates genuine detection rules from telemetry-only
// visibility.
type CapabilityGroup string

const (
	GroupDetection CapabilityGroup = "detection"
	GroupTelemetry CapabilityGroup = "telemetry"
)

// Weight is the group's contribution when capabilities are scored.
func (g CapabilityGroup) Weight() float64 {
	if g == GroupTelemetry {
		return 0.5
	}
	return 1.0
}

// capabilityNamespace seeds deterministic capability IDs.
var capabilityNamespace = uuid.MustParse("6f1f3e2a-9c4b-5d7e-8a10-2b3c4d5e6f70")

// Capability groups one source's analytics for one platform.
type Capability struct {
	ID        string              `json:"id"`
	ProductID string              `json:"product_id"`
	Name      string              `json:"name"`
	Source    Source              `json:"source"`
	Platform  string              `json:"platform"`
	Group     CapabilityGroup     `json:"group"`
	Weight    float64             `json:"weight"`
	Mappings  []CapabilityMapping `json:"mappings"`
}

// CapabilityMapping is one (technique, score category) row.
type CapabilityMapping struct {
	TechniqueID   string        `json:"technique_id"`
	ScoreCategory ScoreCategory `json:"score_category"`
	Score         int           `json:"score"`
	AnalyticIDs   []string      `json:"analytic_ids"`
}

// CapabilityID returns the stable ID of a (product, source, platform,
// group) capability.
func CapabilityID(productID string, source Source, platform string, group CapabilityGroup) string {
	key := strings.Join([]string{productID, string(source), strings.ToLower(platform), string(group)}, "|")
	return uuid.NewSHA1(capabilityNamespace, []byte(key)).String()
}

// ProjectCapabilities derives one capability per (source, platform) from
// each adapter result, with telemetry-only analytics split into a separate,
// lower-weight capability. Analytics without platforms apply to every
// platform. Empty capabilities are omitted.
func ProjectCapabilities(results []*NormalizedMapping, platforms []string) []Capability {
	var out []Capability
	for _, res := range results {
		if res == nil {
			continue
		}
		source := res.Source
		for _, platform := range platforms {
			detection := newCapability(res.ProductID, source, platform, GroupDetection)
			telemetry := newCapability(res.ProductID, source, platform, GroupTelemetry)
			detRows := newRowSet()
			telRows := newRowSet()

			for _, a := range res.Analytics {
				if !appliesTo(a.Platforms, platform) {
					continue
				}
				rows := detRows
				if a.Extension.TelemetryOnly {
					rows = telRows
				}
				rows.addAnalytic(a)
			}

			if len(detRows.rows) > 0 {
				detection.Mappings = detRows.sorted()
				out = append(out, detection)
			}
			if len(telRows.rows) > 0 {
				telemetry.Mappings = telRows.sorted()
				out = append(out, telemetry)
			}
		}
	}
	return out
}

func newCapability(productID string, source Source, platform string, group CapabilityGroup) Capability {
	name := fmt.Sprintf("%s %s detections", source, platform)
	if group == GroupTelemetry {
		name = fmt.Sprintf("%s %s telemetry", source, platform)
	}
	return Capability{
		ID:        CapabilityID(productID, source, platform, group),
		ProductID: productID,
		Name:      name,
		Source:    source,
		Platform:  platform,
		Group:     group,
		Weight:    group.Weight(),
	}
}

func appliesTo(analyticPlatforms []string, platform string) bool {
	if len(analyticPlatforms) == 0 {
		return true
	}
	for _, p := range analyticPlatforms {
		if strings.EqualFold(p, platform) {
			return true
		}
	}
	return false
}

type rowKey struct {
	technique string
	category  ScoreCategory
}

type rowSet struct {
	rows map[rowKey]*CapabilityMapping
}

func newRowSet() *rowSet {
	return &rowSet{rows: make(map[rowKey]*CapabilityMapping)}
}

func (s *rowSet) addAnalytic(a AnalyticMapping) {
	category := CategoryFor(a.Extension.Confidence)
	if a.Extension.TelemetryOnly {
		category = ScoreMinimal
	}
	for _, tid := range a.TechniqueIDs {
		s.add(tid, category, a.Extension.Confidence, a.ID)
	}
	for _, tid := range a.Extension.InferredTechniqueIDs {
		s.add(tid, ScoreMinimal, EvidenceScore(EvidenceCategory, 1)/2, a.ID)
	}
}

func (s *rowSet) add(technique string, category ScoreCategory, score int, analyticID string) {
	k := rowKey{technique, category}
	row, ok := s.rows[k]
	if !ok {
		row = &CapabilityMapping{TechniqueID: technique, ScoreCategory: category}
		s.rows[k] = row
	}
	row.Score = max(row.Score, ClampConfidence(score))
	row.AnalyticIDs = unionStrings(row.AnalyticIDs, []string{analyticID})
}

func (s *rowSet) sorted() []CapabilityMapping {
	out := make([]CapabilityMapping, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TechniqueID != out[j].TechniqueID {
			return out[i].TechniqueID < out[j].TechniqueID
		}
		return out[i].ScoreCategory < out[j].ScoreCategory
	})
	return out
}
