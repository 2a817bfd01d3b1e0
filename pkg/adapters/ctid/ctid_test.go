package ctid

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/exploopio/attackmap/pkg/adapters"
	"github.com/exploopio/attackmap/pkg/attack/attacktest"
	"github.com/exploopio/attackmap/pkg/corpus"
	"github.com/exploopio/attackmap/pkg/mapping"
)

const azureMappings = `{
  "metadata": {
    "mapping_version": "1.0",
    "attack_version": "16.1",
    "technology_domain": "enterprise",
    "mapping_framework": "security_stack",
    "platform": "Azure"
  },
  "mapping_objects": [
    {"capability_id": "entra_id_protection", "capability_description": "Entra ID Identity Protection",
     "capability_group": "identity", "mapping_type": "technique_scores", "attack_object_id": "T1110",
     "score_category": "detect", "score_value": "Significant"},
    {"capability_id": "entra_id_protection", "capability_description": "Entra ID Identity Protection",
     "capability_group": "identity", "mapping_type": "technique_scores", "attack_object_id": "T1078",
     "score_category": "detect", "score_value": "Significant"},
    {"capability_id": "entra_id_protection", "capability_description": "Entra ID Identity Protection",
     "capability_group": "identity", "mapping_type": "technique_scores", "attack_object_id": "T1003",
     "score_category": "minimal"},
    {"capability_id": "entra_id_protection", "capability_description": "Entra ID Identity Protection",
     "mapping_type": "non_mappable", "attack_object_id": "T1059", "score_value": "Partial"},
    {"capability_id": "entra_id_protection", "capability_description": "Entra ID Identity Protection",
     "mapping_type": "technique_scores", "attack_object_id": "T1059", "score_value": "Unknown"},
    {"capability_id": "azure_firewall", "capability_description": "Azure Firewall",
     "capability_group": "network", "mapping_type": "technique_scores", "attack_object_id": "T1059",
     "score_value": "Partial"}
  ]
}`

func TestParse(t *testing.T) {
	rules, err := Parser{}.Parse("azure.json", []byte(azureMappings))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var ids []string
	for _, r := range rules {
		ids = append(ids, r.ID)
	}
	want := []string{
		"ctid:entra_id_protection:significant",
		"ctid:entra_id_protection:significant",
		"ctid:entra_id_protection:minimal",
		"ctid:azure_firewall:partial",
	}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("rule IDs (-want +got):\n%s", diff)
	}
	if !rules[2].TelemetryOnly || rules[2].Strength != 0.3 {
		t.Errorf("minimal score should be telemetry only at 0.3, got %+v", rules[2])
	}
	if rules[3].Strength != 0.6 || rules[3].TelemetryOnly {
		t.Errorf("partial score: got strength %v telemetry %v", rules[3].Strength, rules[3].TelemetryOnly)
	}

	if _, err := (Parser{}).Parse("bad.json", []byte("{")); err == nil {
		t.Error("expected a decode error")
	}
}

func TestAdapter_FetchMappings(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "mappings", "azure")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "azure-16.1-enterprise.json"), []byte(azureMappings), 0o644); err != nil {
		t.Fatal(err)
	}
	a := New(corpus.NewLocalMirror(root), adapters.StaticIndex{Index: attacktest.Index(t)}, adapters.Options{})

	got, err := a.FetchMappings(context.Background(), adapters.ProductQuery{ProductID: "p-entra", Name: "Entra ID"})
	if err != nil {
		t.Fatalf("FetchMappings: %v", err)
	}
	if got == nil || len(got.Analytics) != 2 {
		t.Fatalf("expected 2 analytics, got %+v", got)
	}

	significant, minimal := got.Analytics[0], got.Analytics[1]
	if diff := cmp.Diff([]string{"T1110", "T1078"}, significant.TechniqueIDs); diff != "" {
		t.Errorf("merged techniques (-want +got):\n%s", diff)
	}
	if significant.Extension.Confidence != 100 || significant.Extension.TelemetryOnly {
		t.Errorf("significant = %d telemetry %v", significant.Extension.Confidence, significant.Extension.TelemetryOnly)
	}
	if minimal.Extension.Confidence != 30 || !minimal.Extension.TelemetryOnly {
		t.Errorf("minimal = %d telemetry %v", minimal.Extension.Confidence, minimal.Extension.TelemetryOnly)
	}
	if diff := cmp.Diff([]string{"Azure"}, minimal.Platforms); diff != "" {
		t.Errorf("platforms (-want +got):\n%s", diff)
	}
	if got.Source != mapping.SourceCTID {
		t.Errorf("Source = %q", got.Source)
	}
	if !a.IsApplicable("firewall", []string{"Network"}) {
		t.Error("CTID applies to every product")
	}
}
