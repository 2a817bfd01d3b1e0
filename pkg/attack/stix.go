package attack

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/exploopio/attackmap/pkg/errors"
)

// STIX object types consumed by Ingest.
const (
	stixTechnique     = "attack-pattern"
	stixStrategy      = "x-mitre-detection-strategy"
	stixAnalytic      = "x-mitre-analytic"
	stixDataComponent = "x-mitre-data-component"
	stixDataSource    = "x-mitre-data-source"
	stixTactic        = "x-mitre-tactic"
	stixAsset         = "x-mitre-asset"
	stixCollection    = "x-mitre-collection"
	stixRelationship  = "relationship"
)

// Relationship types walked in pass 2.
const (
	relDetects        = "detects"
	relTargets        = "targets"
	relSubtechniqueOf = "subtechnique-of"
)

// attackSourceNames are the external_references source names carrying
// ATT&CK IDs, and the kill-chain names carrying ATT&CK tactics.
var attackSourceNames = map[string]bool{
	"mitre-attack":        true,
	"mitre-ics-attack":    true,
	"mitre-mobile-attack": true,
}

// Bundle is a decoded STIX 2.x bundle. Objects are kept raw so that one
// malformed object does not poison the rest.
type Bundle struct {
	Type    string            `json:"type"`
	ID      string            `json:"id"`
	Objects []json.RawMessage `json:"objects"`
}

// ParseBundle decodes a STIX bundle envelope. Malformed JSON is fatal.
func ParseBundle(r io.Reader) (*Bundle, error) {
	var b Bundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, errors.E("attack.ParseBundle", err.Error(), errors.ErrBundleMalformed)
	}
	if b.Type != "" && b.Type != "bundle" {
		return nil, errors.E("attack.ParseBundle", "unexpected top-level type "+b.Type, errors.ErrBundleMalformed)
	}
	if len(b.Objects) == 0 {
		return nil, errors.E("attack.ParseBundle", "bundle has no objects", errors.ErrBundleMalformed)
	}
	return &b, nil
}

type externalReference struct {
	SourceName string `json:"source_name"`
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
}

type killChainPhase struct {
	KillChainName string `json:"kill_chain_name"`
	PhaseName     string `json:"phase_name"`
}

type stixLogSourceRef struct {
	DataComponentRef string `json:"x_mitre_data_component_ref"`
	Name             string `json:"name"`
	Channel          string `json:"channel"`
}

// stixObject is the union of every field Ingest reads.
type stixObject struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Revoked     bool   `json:"revoked"`
	Deprecated  bool   `json:"x_mitre_deprecated"`
	Version     string `json:"x_mitre_version"`

	ExternalReferences []externalReference `json:"external_references"`
	KillChainPhases    []killChainPhase    `json:"kill_chain_phases"`
	Platforms          []string            `json:"x_mitre_platforms"`
	Domains            []string            `json:"x_mitre_domains"`
	ShortName          string              `json:"x_mitre_shortname"`

	// attack-pattern
	DataSources    []string `json:"x_mitre_data_sources"`
	IsSubtechnique bool     `json:"x_mitre_is_subtechnique"`

	// x-mitre-detection-strategy
	AnalyticRefs []string `json:"x_mitre_analytic_refs"`

	// x-mitre-analytic
	LogSourceRefs   []stixLogSourceRef `json:"x_mitre_log_source_references"`
	MutableElements []MutableElement   `json:"x_mitre_mutable_elements"`

	// x-mitre-data-component
	DataSourceRef string `json:"x_mitre_data_source_ref"`

	// relationship
	RelationshipType string `json:"relationship_type"`
	SourceRef        string `json:"source_ref"`
	TargetRef        string `json:"target_ref"`
}

// externalID returns the ATT&CK ID from the object's external references.
func (o *stixObject) externalID() string {
	for _, ref := range o.ExternalReferences {
		if attackSourceNames[ref.SourceName] && ref.ExternalID != "" {
			return ref.ExternalID
		}
	}
	return ""
}

// tactics returns the ATT&CK tactic short names from kill-chain phases.
func (o *stixObject) tactics() []string {
	var out []string
	for _, p := range o.KillChainPhases {
		if attackSourceNames[p.KillChainName] && p.PhaseName != "" {
			out = appendUnique(out, p.PhaseName)
		}
	}
	return out
}

func (o *stixObject) inactive() bool {
	return o.Revoked || o.Deprecated
}

// stixType returns the type prefix of a STIX id ("attack-pattern--..." ->
// "attack-pattern").
func stixType(id string) string {
	if i := strings.Index(id, "--"); i > 0 {
		return id[:i]
	}
	return ""
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
