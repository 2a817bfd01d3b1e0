package telemetry

import (
	"sort"
	"strings"

	"github.com/exploopio/attackmap/pkg/attack"
	"github.com/exploopio/attackmap/pkg/mapping"
)

// Confidence of a channel summary.
const (
	ConfidenceEvidence = "evidence"
	ConfidenceLow      = "low"
)

// ChannelFrequency is a channel and how many analytic log-source references
// use it.
type ChannelFrequency struct {
	Channel string `json:"channel"`
	Count   int    `json:"count"`
}

// ChannelSummary describes the telemetry observed for one data component.
type ChannelSummary struct {
	ComponentID     string                  `json:"component_id,omitempty"`
	ComponentName   string                  `json:"component_name"`
	Primary         string                  `json:"primary,omitempty"`
	Channels        []ChannelFrequency      `json:"channels,omitempty"`
	LogSources      []mapping.LogSource     `json:"log_sources,omitempty"`
	MutableElements []attack.MutableElement `json:"mutable_elements,omitempty"`
	AnalyticCount   int                     `json:"analytic_count"`

	// Inferred is set when no analytic references the component and
	// Primary comes from the name-pattern table.
	Inferred   bool   `json:"inferred"`
	Confidence string `json:"confidence"`
}

// namePatterns infers a channel from a component name when the taxonomy has
// no evidence. Checked in order; first match wins.
var namePatterns = []struct {
	contains string
	channel  string
}{
	{"authentication", "Authentication telemetry"},
	{"logon", "Logon session telemetry"},
	{"credential", "Credential access telemetry"},
	{"process", "Process telemetry"},
	{"command", "Command-line telemetry"},
	{"script", "Script execution telemetry"},
	{"module", "Module load telemetry"},
	{"network", "Network traffic telemetry"},
	{"traffic", "Network traffic telemetry"},
	{"connection", "Network connection telemetry"},
	{"dns", "DNS telemetry"},
	{"file", "File system telemetry"},
	{"registry", "Registry telemetry"},
	{"service", "Service telemetry"},
	{"scheduled job", "Scheduled task telemetry"},
	{"driver", "Driver load telemetry"},
	{"firmware", "Firmware telemetry"},
	{"cloud", "Cloud audit telemetry"},
	{"instance", "Cloud audit telemetry"},
	{"user account", "Account management telemetry"},
	{"group", "Account management telemetry"},
	{"application log", "Application log telemetry"},
}

// InferChannel returns the name-pattern channel for a component name, or ""
// when nothing matches.
func InferChannel(componentName string) string {
	lower := strings.ToLower(componentName)
	for _, p := range namePatterns {
		if strings.Contains(lower, p.contains) {
			return p.channel
		}
	}
	return ""
}

// AggregateChannels tallies channel frequency across every analytic that
// references the component (by STIX id or name). Primary is the most
// frequent channel; ties go to the channel seen first. When no analytic
// references the component, the result comes from the name-pattern table and
// is marked Inferred with low confidence.
func AggregateChannels(idx *attack.Index, component string) *ChannelSummary {
	dc, err := idx.ResolveComponent(component)
	if err != nil {
		return inferredSummary("", component)
	}

	analytics := idx.AnalyticsForComponent(dc.ID)
	if len(analytics) == 0 {
		return inferredSummary(dc.ID, dc.Name)
	}

	summary := &ChannelSummary{
		ComponentID:   dc.ID,
		ComponentName: dc.Name,
		AnalyticCount: len(analytics),
		Confidence:    ConfidenceEvidence,
	}

	counts := make(map[string]int)
	var order []string
	b := newBag()
	for _, a := range analytics {
		for _, ref := range a.LogSources {
			if ref.DataComponentID != dc.ID {
				continue
			}
			b.addLogSource(mapping.LogSource{Name: ref.Name, Channel: ref.Channel, DataComponent: dc.Name})
			if ref.Channel == "" {
				continue
			}
			if _, seen := counts[ref.Channel]; !seen {
				order = append(order, ref.Channel)
			}
			counts[ref.Channel]++
		}
		for _, me := range a.MutableElements {
			b.addMutable(me)
		}
	}

	summary.Channels = make([]ChannelFrequency, 0, len(order))
	for _, ch := range order {
		summary.Channels = append(summary.Channels, ChannelFrequency{Channel: ch, Count: counts[ch]})
	}
	// Stable sort keeps first-seen order among equal counts.
	sort.SliceStable(summary.Channels, func(i, j int) bool {
		return summary.Channels[i].Count > summary.Channels[j].Count
	})
	if len(summary.Channels) > 0 {
		summary.Primary = summary.Channels[0].Channel
	}
	summary.LogSources = b.logSources
	summary.MutableElements = b.mutables
	return summary
}

func inferredSummary(id, name string) *ChannelSummary {
	return &ChannelSummary{
		ComponentID:   id,
		ComponentName: name,
		Primary:       InferChannel(name),
		Inferred:      true,
		Confidence:    ConfidenceLow,
	}
}
