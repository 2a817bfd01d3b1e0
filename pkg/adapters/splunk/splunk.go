// Package splunk adapts Splunk security_content detections.
package splunk

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/exploopio/attackmap/pkg/adapters"
	"github.com/exploopio/attackmap/pkg/corpus"
	"github.com/exploopio/attackmap/pkg/mapping"
)

// typeModifier discounts Tier 2 inference by detection type.
var typeModifier = map[string]float64{
	"ttp":         1.0,
	"correlation": 0.9,
	"anomaly":     0.8,
	"hunting":     0.6,
	"baseline":    0.5,
}

// dataSourceCategories maps data_source names to log-source categories.
// Checked in order; first match wins.
var dataSourceCategories = []struct {
	contains string
	category string
}{
	{"sysmon eventid 1 ", "process_creation"},
	{"sysmon eventid 3 ", "network_connection"},
	{"sysmon eventid 7 ", "image_load"},
	{"sysmon eventid 8 ", "create_remote_thread"},
	{"sysmon eventid 10 ", "process_access"},
	{"sysmon eventid 11 ", "file_event"},
	{"sysmon eventid 13 ", "registry_set"},
	{"sysmon eventid 22 ", "dns_query"},
	{"4688", "process_creation"},
	{"4104", "ps_script"},
	{"4624", "logon"},
	{"4625", "authentication"},
	{"4720", "account_management"},
	{"7045", "service_creation"},
	{"4698", "scheduled_task"},
	{"crowdstrike processrollup", "process_creation"},
	{"linux auditd execve", "process_creation"},
	{"azure active directory", "authentication"},
	{"okta", "authentication"},
	{"aws cloudtrail", "cloud_audit"},
}

type detection struct {
	Name        string   `yaml:"name"`
	ID          string   `yaml:"id"`
	Type        string   `yaml:"type"`
	Status      string   `yaml:"status"`
	Description string   `yaml:"description"`
	DataSource  []string `yaml:"data_source"`
	Search      string   `yaml:"search"`
	Tags        struct {
		MitreAttackID  []string `yaml:"mitre_attack_id"`
		Product        []string `yaml:"product"`
		SecurityDomain string   `yaml:"security_domain"`
		AssetType      string   `yaml:"asset_type"`
	} `yaml:"tags"`
}

// Parser reads security_content detection YAML.
type Parser struct{}

func (Parser) Extensions() []string { return []string{".yml", ".yaml"} }

func (Parser) Parse(path string, data []byte) ([]adapters.Rule, error) {
	var d detection
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	if d.Name == "" || strings.EqualFold(d.Status, "deprecated") || d.Search == "" {
		return nil, nil
	}

	modifier, ok := typeModifier[strings.ToLower(d.Type)]
	if !ok {
		modifier = 0.7
	}
	id := d.ID
	if id == "" {
		id = path
	}

	r := adapters.Rule{
		ID:           "splunk:" + id,
		Title:        d.Name,
		Description:  strings.TrimSpace(d.Description),
		TechniqueIDs: d.Tags.MitreAttackID,
		Category:     DataSourceCategory(d.DataSource),
		Platforms:    platformsFor(d.DataSource),
		Query:        d.Search,
		Modifier:     modifier,
		Text: strings.Join([]string{
			d.Name, d.Description, strings.Join(d.DataSource, " "), strings.Join(d.Tags.Product, " "), d.Search,
		}, " "),
	}
	if len(d.DataSource) > 0 {
		r.RawSource = d.DataSource[0]
	}
	for _, ds := range d.DataSource {
		r.LogSources = append(r.LogSources, mapping.LogSource{Name: ds})
	}
	return []adapters.Rule{r}, nil
}

// DataSourceCategory returns the category of the first recognised data
// source.
func DataSourceCategory(sources []string) string {
	for _, s := range sources {
		lower := strings.ToLower(s) + " "
		for _, m := range dataSourceCategories {
			if strings.Contains(lower, m.contains) {
				return m.category
			}
		}
	}
	return ""
}

func platformsFor(sources []string) []string {
	var out []string
	add := func(p string) {
		for _, existing := range out {
			if existing == p {
				return
			}
		}
		out = append(out, p)
	}
	for _, s := range sources {
		lower := strings.ToLower(s)
		switch {
		case strings.Contains(lower, "linux"):
			add("Linux")
		case strings.Contains(lower, "sysmon"), strings.Contains(lower, "windows"), strings.Contains(lower, "powershell"):
			add("Windows")
		case strings.Contains(lower, "aws"), strings.Contains(lower, "gcp"):
			add("IaaS")
		case strings.Contains(lower, "azure"):
			add("Azure AD")
		}
	}
	return out
}

// Applicability covers SIEM and endpoint products.
var Applicability = adapters.Applicability{
	Types:     []string{"siem", "edr", "xdr", "endpoint"},
	Platforms: []string{"Windows", "Linux", "macOS", "IaaS"},
}

// New creates the Splunk adapter over src.
func New(src corpus.Source, index adapters.IndexProvider, opts adapters.Options) *adapters.RuleAdapter {
	return adapters.NewRuleAdapter(mapping.SourceSplunk, src, index, Parser{}, Applicability, opts)
}
