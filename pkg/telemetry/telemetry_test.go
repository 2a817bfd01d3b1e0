package telemetry_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/exploopio/attackmap/pkg/attack"
	"github.com/exploopio/attackmap/pkg/attack/attacktest"
	"github.com/exploopio/attackmap/pkg/logging"
	"github.com/exploopio/attackmap/pkg/telemetry"
)

func TestTechniqueContexts(t *testing.T) {
	idx := attacktest.Index(t)

	got := telemetry.TechniqueContexts(idx, []string{"T1059", "attack.t1059.001", "T1110", "T9999", "bogus", "T1059"})

	if len(got) != 3 {
		t.Fatalf("contexts = %d, want 3 (T1059, T1059.001, T1110)", len(got))
	}
	if _, ok := got["T9999"]; ok {
		t.Error("unknown technique should be omitted")
	}

	parent := got["T1059"]
	if len(parent.LogSources) != 4 {
		t.Errorf("T1059 log sources = %d, want 4: %+v", len(parent.LogSources), parent.LogSources)
	}
	if diff := cmp.Diff([]string{"Process Creation", "Command Execution"}, parent.DataComponents); diff != "" {
		t.Errorf("components mismatch (-want +got):\n%s", diff)
	}
	// TimeWindow appears in both analytics with the same description.
	if len(parent.MutableElements) != 2 {
		t.Errorf("T1059 mutable elements = %+v, want 2", parent.MutableElements)
	}

	sub := got["T1059.001"]
	if diff := cmp.Diff(parent.LogSources, sub.LogSources); diff != "" {
		t.Errorf("sub-technique should inherit parent log sources (-parent +sub):\n%s", diff)
	}

	if bf := got["T1110"]; len(bf.LogSources) != 0 {
		t.Errorf("T1110 has no strategies, got %+v", bf.LogSources)
	}
}

func TestMergeContexts(t *testing.T) {
	idx := attacktest.Index(t)

	merged := telemetry.MergedContextFor(idx, []string{"T1059", "T1003"})

	// T1003 adds the Sysmon source; its Security/4688 source duplicates T1059's.
	if len(merged.LogSources) != 5 {
		t.Errorf("merged log sources = %d, want 5: %+v", len(merged.LogSources), merged.LogSources)
	}
	if len(merged.MutableElements) != 3 {
		t.Errorf("merged mutable elements = %+v, want 3", merged.MutableElements)
	}
	if diff := cmp.Diff([]string{"Process Creation", "Command Execution", "Process Access"}, merged.DataComponents); diff != "" {
		t.Errorf("components mismatch (-want +got):\n%s", diff)
	}
	if merged.TechniqueID != "" {
		t.Errorf("merged context should not carry a technique ID, got %q", merged.TechniqueID)
	}

	again := telemetry.MergeContexts(merged, merged, nil)
	if diff := cmp.Diff(merged, again); diff != "" {
		t.Errorf("merging is not idempotent:\n%s", diff)
	}
}

func TestAggregateChannels_Fixture(t *testing.T) {
	idx := attacktest.Index(t)

	got := telemetry.AggregateChannels(idx, "Process Creation")
	if got.Inferred || got.Confidence != telemetry.ConfidenceEvidence {
		t.Errorf("component with analytics should not be inferred: %+v", got)
	}
	want := []telemetry.ChannelFrequency{
		{Channel: "EventCode=4688", Count: 2},
		{Channel: "execve", Count: 1},
	}
	if diff := cmp.Diff(want, got.Channels); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}
	if got.Primary != "EventCode=4688" || got.AnalyticCount != 3 {
		t.Errorf("Primary = %q, AnalyticCount = %d", got.Primary, got.AnalyticCount)
	}

	byID := telemetry.AggregateChannels(idx, attacktest.ProcessCreation)
	if diff := cmp.Diff(got, byID); diff != "" {
		t.Errorf("lookup by id and by name differ:\n%s", diff)
	}
}

func TestAggregateChannels_Inferred(t *testing.T) {
	idx := attacktest.Index(t)

	tests := []struct {
		component string
		primary   string
	}{
		{attacktest.UserAccountAuthentication, "Authentication telemetry"},
		{"Network Traffic Flow", "Network traffic telemetry"},
		{"Windows Registry Key Modification", "Registry telemetry"},
		{"Something Else Entirely", ""},
	}
	for _, tt := range tests {
		t.Run(tt.component, func(t *testing.T) {
			got := telemetry.AggregateChannels(idx, tt.component)
			if !got.Inferred || got.Confidence != telemetry.ConfidenceLow {
				t.Errorf("expected inferred low-confidence summary, got %+v", got)
			}
			if got.Primary != tt.primary {
				t.Errorf("Primary = %q, want %q", got.Primary, tt.primary)
			}
		})
	}
}

// channelBundle builds a bundle with one component referenced by one
// analytic per channel, in order.
func channelBundle(t *testing.T, channels ...string) *attack.Index {
	t.Helper()
	var objs []string
	objs = append(objs,
		`{"type":"attack-pattern","id":"attack-pattern--t1","name":"T","external_references":[{"source_name":"mitre-attack","external_id":"T1000"}]}`,
		`{"type":"x-mitre-data-component","id":"x-mitre-data-component--x","name":"Widget Activity"}`,
	)
	for i, ch := range channels {
		objs = append(objs, fmt.Sprintf(
			`{"type":"x-mitre-analytic","id":"x-mitre-analytic--a%d","name":"A%d",`+
				`"x_mitre_log_source_references":[{"x_mitre_data_component_ref":"x-mitre-data-component--x","name":"widgetd","channel":%q}],`+
				`"external_references":[{"source_name":"mitre-attack","external_id":"AN%04d"}]}`,
			i, i, ch, i+1))
	}
	raw := `{"type":"bundle","id":"bundle--channels","objects":[` + strings.Join(objs, ",") + `]}`

	bundle, err := attack.ParseBundle(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("ParseBundle: %v", err)
	}
	idx, err := attack.Ingest(bundle, &logging.NopLogger{})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return idx
}

func TestAggregateChannels_Ranking(t *testing.T) {
	tests := []struct {
		name     string
		channels []string
		primary  string
		counts   []int
	}{
		{"majority wins", []string{"chan1", "chan1", "chan2"}, "chan1", []int{2, 1}},
		{"later majority wins", []string{"chan2", "chan1", "chan1"}, "chan1", []int{2, 1}},
		{"tie goes to first seen", []string{"chanB", "chanA"}, "chanB", []int{1, 1}},
		{"empty channel ignored", []string{"", "chan1"}, "chan1", []int{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := channelBundle(t, tt.channels...)
			got := telemetry.AggregateChannels(idx, "Widget Activity")

			if got.Primary != tt.primary {
				t.Errorf("Primary = %q, want %q", got.Primary, tt.primary)
			}
			counts := make([]int, 0, len(got.Channels))
			for _, c := range got.Channels {
				counts = append(counts, c.Count)
			}
			if diff := cmp.Diff(tt.counts, counts); diff != "" {
				t.Errorf("frequencies mismatch (-want +got):\n%s", diff)
			}
			if got.AnalyticCount != len(tt.channels) {
				t.Errorf("AnalyticCount = %d, want %d", got.AnalyticCount, len(tt.channels))
			}
		})
	}
}
