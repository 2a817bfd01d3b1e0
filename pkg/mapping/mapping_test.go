package mapping

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var fixedTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func sigmaMapping() *NormalizedMapping {
	return &NormalizedMapping{
		ProductID:           "prod-1",
		Source:              SourceSigma,
		Confidence:          40,
		DetectionStrategies: []string{"DET0001"},
		Analytics: []AnalyticMapping{
			{ID: "sigma-1", Name: "Suspicious PowerShell", TechniqueIDs: []string{"T1059.001"}, Platforms: []string{"Windows"}},
			{ID: "sigma-2", Name: "LSASS access", TechniqueIDs: []string{"T1003.001"}},
		},
		DataComponents: []DataComponentMapping{{ID: "dc-pc", Name: "Process Creation", DataSource: "Process"}},
		Raw:            []RawPayload{{Source: SourceSigma, Data: json.RawMessage(`{"rules":2}`)}},
		CreatedAt:      fixedTime,
	}
}

func elasticMapping() *NormalizedMapping {
	return &NormalizedMapping{
		ProductID:           "prod-1",
		Source:              SourceElastic,
		DetectionStrategies: []string{"DET0001", "DET0002"},
		Analytics: []AnalyticMapping{
			{ID: "sigma-1", Name: "Duplicate id from elastic", TechniqueIDs: []string{"T1059", "T1059.001"}},
			{ID: "elastic-1", Name: "Credential dumping", TechniqueIDs: []string{"T1003"}},
		},
		DataComponents: []DataComponentMapping{
			{ID: "dc-pc", Name: "Renamed", DataSource: "Other"},
			{ID: "dc-pa", Name: "Process Access", DataSource: "Process"},
		},
		Raw:       []RawPayload{{Source: SourceElastic, Data: json.RawMessage(`{"rules":2}`)}},
		CreatedAt: fixedTime,
	}
}

func TestSource_Priority(t *testing.T) {
	if SourceCTID.Priority() != 0 || SourceMITRE.Priority() != 5 {
		t.Error("unexpected priority order")
	}
	if _, ok := ParseSource("splunk"); !ok {
		t.Error("splunk should parse")
	}
	if _, ok := ParseSource("qradar"); ok {
		t.Error("unknown sources should not parse")
	}
}

func TestCombine_MergeRules(t *testing.T) {
	sigma, elastic := sigmaMapping(), elasticMapping()
	got := Combine(sigma, elastic)

	if got.Source != SourceFused {
		t.Errorf("Source = %q, want fused", got.Source)
	}
	if diff := cmp.Diff([]Source{SourceSigma, SourceElastic}, got.Sources); diff != "" {
		t.Errorf("Sources mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"DET0001", "DET0002"}, got.DetectionStrategies); diff != "" {
		t.Errorf("strategies mismatch (-want +got):\n%s", diff)
	}

	if len(got.Analytics) != 3 {
		t.Fatalf("analytics = %d, want 3", len(got.Analytics))
	}
	first := got.Analytics[0]
	if first.Name != "Suspicious PowerShell" {
		t.Errorf("duplicate id should keep first name, got %q", first.Name)
	}
	if diff := cmp.Diff([]string{"T1059.001", "T1059"}, first.TechniqueIDs); diff != "" {
		t.Errorf("technique union mismatch (-want +got):\n%s", diff)
	}

	if len(got.DataComponents) != 2 || got.DataComponents[0].Name != "Process Creation" {
		t.Errorf("data components = %+v, first occurrence should win", got.DataComponents)
	}
	if len(got.Raw) != 2 {
		t.Errorf("raw payloads = %d, want 2", len(got.Raw))
	}
	if got.Confidence != CombinedConfidence(3, 2) || got.Confidence != 35 {
		t.Errorf("Confidence = %d, want 35", got.Confidence)
	}

	// Inputs are untouched.
	if len(sigma.Analytics[0].TechniqueIDs) != 1 {
		t.Error("Combine mutated its input")
	}
}

func TestCombine_Idempotent(t *testing.T) {
	m := sigmaMapping()
	once := Combine(m)
	twice := Combine(m, m)

	if diff := cmp.Diff(once, twice); diff != "" {
		t.Errorf("Combine(m, m) differs from Combine(m) (-once +twice):\n%s", diff)
	}

	fused := Combine(sigmaMapping(), elasticMapping())
	if diff := cmp.Diff(fused, Combine(fused, fused)); diff != "" {
		t.Errorf("re-fusing a fused mapping changed it:\n%s", diff)
	}
	if once.Source != SourceSigma {
		t.Errorf("single-source fusion should keep its source, got %q", once.Source)
	}
}

func TestCombine_Empty(t *testing.T) {
	got := Combine(nil, nil)
	if got.Confidence != 0 || len(got.Analytics) != 0 || got.Source != "" {
		t.Errorf("Combine(nil) = %+v", got)
	}
}

func TestCombinedConfidence_Monotonic(t *testing.T) {
	for a := 0; a <= 30; a++ {
		for s := 0; s <= 6; s++ {
			c := CombinedConfidence(a, s)
			if c > 100 || c < 0 {
				t.Fatalf("CombinedConfidence(%d, %d) = %d out of range", a, s, c)
			}
			if CombinedConfidence(a+1, s) < c {
				t.Fatalf("not monotonic in analytics at (%d, %d)", a, s)
			}
			if CombinedConfidence(a, s+1) < c {
				t.Fatalf("not monotonic in sources at (%d, %d)", a, s)
			}
		}
	}
}

func TestEvidenceScore(t *testing.T) {
	tests := []struct {
		tier     EvidenceTier
		modifier float64
		want     int
	}{
		{EvidenceExplicit, 1, 100},
		{EvidenceExplicit, 0.8, 80},
		{EvidenceParentFallback, 1, 75},
		{EvidenceCategory, 1, 50},
		{EvidenceCategory, 0.6, 30},
		{EvidenceDataSourceTag, 1, 40},
		{EvidenceExplicit, 2, 100},
		{EvidenceExplicit, -1, 0},
		{"unknown", 1, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			if got := EvidenceScore(tt.tier, tt.modifier); got != tt.want {
				t.Errorf("EvidenceScore(%s, %v) = %d, want %d", tt.tier, tt.modifier, got, tt.want)
			}
		})
	}
}

func TestSourceConfidence(t *testing.T) {
	tests := []struct {
		matched int
		avg     float64
		want    int
	}{
		{0, 100, 0},
		{1, 100, 64},
		{5, 50, 50},
		{20, 100, 100},
	}
	for _, tt := range tests {
		if got := SourceConfidence(tt.matched, tt.avg); got != tt.want {
			t.Errorf("SourceConfidence(%d, %v) = %d, want %d", tt.matched, tt.avg, got, tt.want)
		}
	}
}

func TestProjectCapabilities(t *testing.T) {
	res := &NormalizedMapping{
		ProductID: "prod-1",
		Source:    SourceCTID,
		Analytics: []AnalyticMapping{
			{ID: "a1", TechniqueIDs: []string{"T1059"}, Platforms: []string{"Windows"}, Extension: Extension{Confidence: 90}},
			{ID: "a2", TechniqueIDs: []string{"T1059"}, Platforms: []string{"windows"}, Extension: Extension{Confidence: 80}},
			{ID: "a3", TechniqueIDs: []string{"T1003"}, Extension: Extension{Confidence: 50}},
			{ID: "a4", TechniqueIDs: []string{"T1110"}, Platforms: []string{"Linux"}, Extension: Extension{Confidence: 100, TelemetryOnly: true}},
		},
	}

	caps := ProjectCapabilities([]*NormalizedMapping{res, nil}, []string{"Windows", "Linux"})

	// Windows detection; Linux detection (a3 applies everywhere); Linux telemetry.
	if len(caps) != 3 {
		t.Fatalf("capabilities = %d, want 3: %+v", len(caps), caps)
	}

	win := caps[0]
	if win.Platform != "Windows" || win.Group != GroupDetection || win.Weight != 1.0 {
		t.Errorf("unexpected first capability %+v", win)
	}
	wantRows := []CapabilityMapping{
		{TechniqueID: "T1003", ScoreCategory: ScorePartial, Score: 50, AnalyticIDs: []string{"a3"}},
		{TechniqueID: "T1059", ScoreCategory: ScoreSignificant, Score: 90, AnalyticIDs: []string{"a1", "a2"}},
	}
	if diff := cmp.Diff(wantRows, win.Mappings); diff != "" {
		t.Errorf("windows rows mismatch (-want +got):\n%s", diff)
	}

	tel := caps[2]
	if tel.Group != GroupTelemetry || tel.Weight >= win.Weight {
		t.Errorf("telemetry capability should be lower weight, got %+v", tel)
	}
	if len(tel.Mappings) != 1 || tel.Mappings[0].ScoreCategory != ScoreMinimal {
		t.Errorf("telemetry rows = %+v", tel.Mappings)
	}

	if caps[0].ID != CapabilityID("prod-1", SourceCTID, "windows", GroupDetection) {
		t.Error("capability IDs should be deterministic and case-insensitive on platform")
	}
	if caps[0].ID == caps[1].ID {
		t.Error("capability IDs should differ per platform")
	}
}
