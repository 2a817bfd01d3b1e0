// Package mapping defines the normalized shape every adapter produces and
// the rules for fusing several of them into one product mapping.
package mapping

import (
	"encoding/json"
	"time"

	"github.com/exploopio/attackmap/pkg/attack"
)

// Source identifies the adapter (and corpus) a mapping came from.
type Source string

const (
	SourceCTID     Source = "ctid"
	SourceSigma    Source = "sigma"
	SourceElastic  Source = "elastic"
	SourceSplunk   Source = "splunk"
	SourceSentinel Source = "sentinel"
	SourceMITRE    Source = "mitre"

	// SourceFused tags a mapping combined from more than one source.
	SourceFused Source = "fused"
)

// PriorityOrder is the fixed order adapters run and fuse in.
var PriorityOrder = []Source{SourceCTID, SourceSigma, SourceElastic, SourceSplunk, SourceSentinel, SourceMITRE}

// Priority returns the position of s in PriorityOrder, or len(PriorityOrder)
// for unknown sources.
func (s Source) Priority() int {
	for i, p := range PriorityOrder {
		if p == s {
			return i
		}
	}
	return len(PriorityOrder)
}

// Valid reports whether s is one of the adapter sources.
func (s Source) Valid() bool {
	return s.Priority() < len(PriorityOrder)
}

// ParseSource converts a config string to a Source.
func ParseSource(s string) (Source, bool) {
	src := Source(s)
	return src, src.Valid()
}

// StreamStatus records whether an analytic's telemetry stream is configured
// for the product.
type StreamStatus string

const (
	StreamVerified  StreamStatus = "verified"
	StreamHeuristic StreamStatus = "heuristic"
)

// LogSource is a log source hint attached to an analytic.
type LogSource struct {
	Name          string `json:"name"`
	Channel       string `json:"channel,omitempty"`
	DataComponent string `json:"data_component,omitempty"`
}

// ValidationResult is the validation oracle's verdict on a rule.
type ValidationResult struct {
	IsValid                  bool                    `json:"is_valid"`
	Confidence               int                     `json:"confidence"`
	SuggestedMutableElements []attack.MutableElement `json:"suggested_mutable_elements,omitempty"`
	Reasoning                string                  `json:"reasoning,omitempty"`
}

// Extension holds the well-known optional fields adapters and stream
// resolution attach to an analytic.
type Extension struct {
	// RawSource is the rule's primary log source as written in the corpus
	// (e.g. "windows/process_creation"); stream resolution keys on it.
	RawSource string `json:"raw_source,omitempty"`

	LogSources      []LogSource             `json:"log_sources,omitempty"`
	MutableElements []attack.MutableElement `json:"mutable_elements,omitempty"`

	// InferredTechniqueIDs holds techniques derived from telemetry rather
	// than stated by the rule.
	InferredTechniqueIDs []string `json:"inferred_technique_ids,omitempty"`

	// TelemetryOnly marks visibility without detection logic.
	TelemetryOnly bool `json:"telemetry_only,omitempty"`

	Evidence   EvidenceTier      `json:"evidence,omitempty"`
	Confidence int               `json:"confidence,omitempty"`
	Validation *ValidationResult `json:"validation,omitempty"`
}

// AnalyticMapping is one rule or analytic mapped to techniques.
type AnalyticMapping struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	TechniqueIDs []string     `json:"technique_ids,omitempty"`
	Platforms    []string     `json:"platforms,omitempty"`
	LogSources   []string     `json:"log_sources,omitempty"`
	Query        string       `json:"query,omitempty"`
	StreamStatus StreamStatus `json:"stream_status,omitempty"`
	Extension    Extension    `json:"extension"`
}

// DataComponentMapping is a data component a product's rules depend on.
type DataComponentMapping struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DataSource string `json:"data_source,omitempty"`
}

// RawPayload keeps a source's unnormalized output for audit.
type RawPayload struct {
	Source Source          `json:"source"`
	Data   json.RawMessage `json:"data"`
}

// NormalizedMapping is what an adapter returns for one product, and also
// the shape of a fused mapping.
type NormalizedMapping struct {
	ProductID           string                 `json:"product_id"`
	Source              Source                 `json:"source"`
	Sources             []Source               `json:"sources,omitempty"`
	Confidence          int                    `json:"confidence"`
	DetectionStrategies []string               `json:"detection_strategies,omitempty"`
	Analytics           []AnalyticMapping      `json:"analytics"`
	DataComponents      []DataComponentMapping `json:"data_components,omitempty"`
	Raw                 []RawPayload           `json:"raw,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
}

// ContributingSources returns the sources behind m: Sources for a fused
// mapping, Source otherwise.
func (m *NormalizedMapping) ContributingSources() []Source {
	if len(m.Sources) > 0 {
		return m.Sources
	}
	if m.Source != "" && m.Source != SourceFused {
		return []Source{m.Source}
	}
	return nil
}

// TechniqueIDs returns every explicit technique ID across the analytics,
// in first-seen order.
func (m *NormalizedMapping) TechniqueIDs() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, a := range m.Analytics {
		for _, id := range a.TechniqueIDs {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}
