// Package attack ingests the ATT&CK STIX bundle into read-only lookup
// tables and derived reverse indices.
//
// Techniques, detection strategies and analytics are keyed by their ATT&CK
// external ID (T1059.001, DET0001, AN0001). Data components, data sources and
// assets are keyed by STIX id because the bundle references them that way.
package attack

// Technique is an ATT&CK technique or sub-technique.
type Technique struct {
	ID             string   `json:"id"`
	StixID         string   `json:"stix_id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Platforms      []string `json:"platforms,omitempty"`
	Tactics        []string `json:"tactics,omitempty"`
	DataSourceTags []string `json:"data_source_tags,omitempty"`
	IsSubtechnique bool     `json:"is_subtechnique"`
	ParentID       string   `json:"parent_id,omitempty"`
	StrategyIDs    []string `json:"strategy_ids,omitempty"`
	Domains        []string `json:"domains,omitempty"`
}

// DetectionStrategy groups the analytics that detect a set of techniques.
type DetectionStrategy struct {
	ID           string   `json:"id"`
	StixID       string   `json:"stix_id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	TechniqueIDs []string `json:"technique_ids,omitempty"`
	AnalyticIDs  []string `json:"analytic_ids,omitempty"`
}

// Analytic is a platform-scoped detection recipe.
type Analytic struct {
	ID              string               `json:"id"`
	StixID          string               `json:"stix_id"`
	Name            string               `json:"name"`
	Description     string               `json:"description,omitempty"`
	Platforms       []string             `json:"platforms,omitempty"`
	LogSources      []LogSourceReference `json:"log_sources,omitempty"`
	MutableElements []MutableElement     `json:"mutable_elements,omitempty"`
}

// LogSourceReference is a (log source, channel) pair scoped to one data
// component within one analytic.
type LogSourceReference struct {
	DataComponentID string `json:"data_component_id"`
	Name            string `json:"name"`
	Channel         string `json:"channel,omitempty"`
}

// MutableElement is a field an implementer must tune for their environment.
type MutableElement struct {
	Field       string `json:"field"`
	Description string `json:"description,omitempty"`
}

// DataComponent is a unit of telemetry an analytic depends on.
type DataComponent struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	DataSourceID   string `json:"data_source_id,omitempty"`
	DataSourceName string `json:"data_source_name,omitempty"`
}

// DataSource owns data components.
type DataSource struct {
	ID          string   `json:"id"`
	ExternalID  string   `json:"external_id,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Platforms   []string `json:"platforms,omitempty"`
}

// Tactic is a kill-chain phase.
type Tactic struct {
	ShortName   string `json:"short_name"`
	ExternalID  string `json:"external_id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Asset is an ICS asset targeted by techniques.
type Asset struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id,omitempty"`
	Name       string `json:"name"`
	Domain     string `json:"domain"`
}

// Asset domains.
const (
	DomainEnterprise = "Enterprise"
	DomainICS        = "ICS"
)

// MatchKind records how a strategy was bound to a requested technique.
type MatchKind string

const (
	// MatchDirect means the technique itself is detected by the strategy.
	MatchDirect MatchKind = "direct"
	// MatchParentFallback means a sub-technique without direct binding
	// inherited the strategy from its parent.
	MatchParentFallback MatchKind = "parent_fallback"
)

// InferredSource marks log requirements synthesized from raw data-source
// tags rather than strategy bindings.
const InferredSource = "INFERRED"

// LogRequirement is one (strategy, analytic, component) tuple needed to
// detect a technique.
type LogRequirement struct {
	TechniqueID       string `json:"technique_id"`
	StrategyID        string `json:"strategy_id,omitempty"`
	StrategyName      string `json:"strategy_name,omitempty"`
	AnalyticID        string `json:"analytic_id,omitempty"`
	AnalyticName      string `json:"analytic_name,omitempty"`
	DataComponentID   string `json:"data_component_id,omitempty"`
	DataComponentName string `json:"data_component_name"`
	DataSourceName    string `json:"data_source_name"`
	LogSourceName     string `json:"log_source_name,omitempty"`
	Channel           string `json:"channel,omitempty"`
	Inferred          bool   `json:"inferred,omitempty"`
}

// StrategyMatch is a strategy in a FullMapping with the technique that
// pulled it in.
type StrategyMatch struct {
	Strategy    *DetectionStrategy `json:"strategy"`
	TechniqueID string             `json:"technique_id"`
	Match       MatchKind          `json:"match"`
}

// FullMapping is the union of strategies and data components covering a
// set of techniques.
type FullMapping struct {
	Strategies     []StrategyMatch  `json:"strategies"`
	DataComponents []*DataComponent `json:"data_components"`
	// Unknown lists requested IDs that are invalid or absent from the index.
	Unknown []string `json:"unknown,omitempty"`
}

// Stats summarizes an index.
type Stats struct {
	Version        string `json:"version,omitempty"`
	Techniques     int    `json:"techniques"`
	Subtechniques  int    `json:"subtechniques"`
	Strategies     int    `json:"strategies"`
	Analytics      int    `json:"analytics"`
	DataComponents int    `json:"data_components"`
	DataSources    int    `json:"data_sources"`
	Tactics        int    `json:"tactics"`
	Assets         int    `json:"assets"`
	Relationships  int    `json:"relationships"`
	Skipped        int    `json:"skipped"`
}
