package sigma

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/exploopio/attackmap/pkg/adapters"
	"github.com/exploopio/attackmap/pkg/attack/attacktest"
	"github.com/exploopio/attackmap/pkg/corpus"
	"github.com/exploopio/attackmap/pkg/logging"
	"github.com/exploopio/attackmap/pkg/mapping"
)

const taggedRule = `title: Sysmon Encoded PowerShell
id: 6f2c1d0e-0001
status: stable
description: PowerShell launched with an encoded command, seen by Sysmon
tags:
  - attack.execution
  - attack.t1059.001
  - attack.g0007
logsource:
  product: windows
  category: process_creation
detection:
  selection:
    Image|endswith: '\powershell.exe'
    CommandLine|contains: ' -enc '
  condition: selection
fields:
  - CommandLine
  - ParentImage
level: high
`

const untaggedRule = `title: Sysmon Unusual Child Process
id: 6f2c1d0e-0002
status: test
description: Office application spawning a shell (Sysmon EventID 1)
tags:
  - attack.execution
logsource:
  product: windows
  category: process_creation
detection:
  selection:
    ParentImage|endswith: '\winword.exe'
  condition: selection
`

const deprecatedRule = `title: Sysmon Old Rule
id: 6f2c1d0e-0003
status: deprecated
tags:
  - attack.t1003
logsource:
  product: windows
  category: process_access
detection:
  condition: selection
`

const unrelatedRule = `title: Okta Password Spray
id: 6f2c1d0e-0004
status: stable
tags:
  - attack.t1110
logsource:
  product: okta
  service: okta
detection:
  condition: selection
`

func writeCorpus(t *testing.T, files map[string]string) *corpus.LocalMirror {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return corpus.NewLocalMirror(root)
}

func TestParse_MultiDocument(t *testing.T) {
	rules, err := Parser{}.Parse("rules/multi.yml", []byte(taggedRule+"---\n"+deprecatedRule+"---\n"+untaggedRule))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2 (deprecated skipped)", len(rules))
	}

	r := rules[0]
	if r.ID != "sigma:6f2c1d0e-0001" {
		t.Errorf("ID = %q", r.ID)
	}
	if diff := cmp.Diff([]string{"T1059.001"}, r.TechniqueIDs); diff != "" {
		t.Errorf("techniques (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"execution"}, r.Tactics); diff != "" {
		t.Errorf("tactics (-want +got):\n%s", diff)
	}
	if r.RawSource != "windows/process_creation" {
		t.Errorf("RawSource = %q", r.RawSource)
	}
	if diff := cmp.Diff([]string{"Windows"}, r.Platforms); diff != "" {
		t.Errorf("platforms (-want +got):\n%s", diff)
	}
	if len(r.MutableElements) != 2 || r.MutableElements[0].Field != "CommandLine" {
		t.Errorf("mutable elements = %+v", r.MutableElements)
	}
	if r.Query == "" {
		t.Error("detection block should be kept as the query")
	}
	if r.Modifier != 1.0 {
		t.Errorf("stable modifier = %v, want 1.0", r.Modifier)
	}
	if rules[1].Modifier != 0.8 {
		t.Errorf("test modifier = %v, want 0.8", rules[1].Modifier)
	}
}

func TestParse_Malformed(t *testing.T) {
	if _, err := (Parser{}).Parse("bad.yml", []byte("title: [unterminated")); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestParse_SkipsBadDocument(t *testing.T) {
	tests := []struct {
		name string
		data string
		want int
	}{
		{"bad first", "title: [unterminated\n---\n" + taggedRule, 1},
		{"bad middle", taggedRule + "---\ntags: {not: [a list\n---\n" + untaggedRule, 2},
		{"bad last", taggedRule + "---\n\tbroken: indentation\n", 1},
		{"wrong shape", "tags: just-a-string\n---\n" + untaggedRule, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules, err := Parser{Logger: &logging.NopLogger{}}.Parse("rules/mixed.yml", []byte(tt.data))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(rules) != tt.want {
				t.Errorf("got %d rules, want %d", len(rules), tt.want)
			}
		})
	}
}

func TestAdapter_FetchMappings(t *testing.T) {
	mirror := writeCorpus(t, map[string]string{
		"rules/windows/proc_creation_encoded_ps.yml": taggedRule,
		"rules/windows/proc_creation_child.yml":      untaggedRule,
		"rules/windows/deprecated.yml":               deprecatedRule,
		"rules/cloud/okta_spray.yml":                 unrelatedRule,
		"rules/windows/broken.yml":                   "title: sysmon [",
		"README.md":                                  "sysmon rules",
	})
	a := New(mirror, adapters.StaticIndex{Index: attacktest.Index(t)}, adapters.Options{})

	got, err := a.FetchMappings(context.Background(), adapters.ProductQuery{
		ProductID: "prod-sysmon", Name: "Sysmon", Vendor: "Microsoft",
	})
	if err != nil {
		t.Fatalf("FetchMappings: %v", err)
	}
	if got == nil {
		t.Fatal("expected a mapping")
	}
	if got.Source != mapping.SourceSigma || got.ProductID != "prod-sysmon" {
		t.Errorf("source/product = %q/%q", got.Source, got.ProductID)
	}

	type row struct {
		ID         string
		Techniques []string
		Evidence   mapping.EvidenceTier
		Confidence int
	}
	var rows []row
	for _, am := range got.Analytics {
		rows = append(rows, row{am.ID, am.TechniqueIDs, am.Extension.Evidence, am.Extension.Confidence})
	}
	want := []row{
		{"sigma:6f2c1d0e-0002", []string{"T1059"}, mapping.EvidenceCategory, 40},
		{"sigma:6f2c1d0e-0001", []string{"T1059.001"}, mapping.EvidenceExplicit, 100},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("analytics (-want +got):\n%s", diff)
	}

	// avg 70 -> 42, plus 2 analytics * 4.
	if got.Confidence != 50 {
		t.Errorf("Confidence = %d, want 50", got.Confidence)
	}
	if diff := cmp.Diff([]string{"DET0001"}, got.DetectionStrategies); diff != "" {
		t.Errorf("strategies (-want +got):\n%s", diff)
	}

	inferred := got.Analytics[0]
	if inferred.LogSources[0] != "windows/process_creation" || len(inferred.Extension.LogSources) < 2 {
		t.Errorf("inferred analytic should keep its own log source and gain taxonomy context, got %v", inferred.LogSources)
	}
	if len(got.Raw) != 1 || got.Raw[0].Source != mapping.SourceSigma {
		t.Errorf("raw payload = %+v", got.Raw)
	}
}

func TestAdapter_NoMatch(t *testing.T) {
	mirror := writeCorpus(t, map[string]string{"rules/okta.yml": unrelatedRule})
	a := New(mirror, adapters.StaticIndex{Index: attacktest.Index(t)}, adapters.Options{})

	got, err := a.FetchMappings(context.Background(), adapters.ProductQuery{ProductID: "p", Name: "CrowdStrike Falcon"})
	if err != nil {
		t.Fatalf("FetchMappings: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil mapping, got %d analytics", len(got.Analytics))
	}
}

func TestApplicability(t *testing.T) {
	a := New(corpus.NewLocalMirror(t.TempDir()), adapters.StaticIndex{}, adapters.Options{})
	tests := []struct {
		productType string
		platforms   []string
		want        bool
	}{
		{"edr", nil, true},
		{"", []string{"windows"}, true},
		{"", nil, true},
		{"firewall", []string{"Network"}, false},
	}
	for _, tt := range tests {
		if got := a.IsApplicable(tt.productType, tt.platforms); got != tt.want {
			t.Errorf("IsApplicable(%q, %v) = %v, want %v", tt.productType, tt.platforms, got, tt.want)
		}
	}
}
