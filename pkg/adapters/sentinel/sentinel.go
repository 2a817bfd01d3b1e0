// Package sentinel adapts Microsoft Sentinel analytic rules.
package sentinel

import (
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/exploopio/attackmap/pkg/adapters"
	"github.com/exploopio/attackmap/pkg/attack"
	"github.com/exploopio/attackmap/pkg/corpus"
	"github.com/exploopio/attackmap/pkg/mapping"
)

var kindModifier = map[string]float64{
	"scheduled": 1.0,
	"nrt":       1.0,
	"hunting":   0.6,
}

// dataTypeCategories maps Log Analytics tables to log-source categories.
var dataTypeCategories = map[string]string{
	"deviceprocessevents":   "process_creation",
	"securityevent":         "process_creation",
	"devicenetworkevents":   "network_connection",
	"commonsecuritylog":     "firewall",
	"devicefileevents":      "file_event",
	"deviceregistryevents":  "registry_set",
	"deviceimageloadevents": "image_load",
	"dnsevents":             "dns_query",
	"signinlogs":            "authentication",
	"aadsignineventsbeta":   "authentication",
	"devicelogonevents":     "logon",
	"auditlogs":             "account_management",
	"azureactivity":         "cloud_audit",
	"awscloudtrail":         "cloud_audit",
	"officeactivity":        "cloud_audit",
}

var connectorPlatforms = map[string]string{
	"securityevents":            "Windows",
	"windowssecurityevents":     "Windows",
	"microsoftthreatprotection": "Windows",
	"syslog":                    "Linux",
	"syslogama":                 "Linux",
	"azureactivedirectory":      "Azure AD",
	"azureactivity":             "IaaS",
	"aws":                       "IaaS",
	"office365":                 "Office 365",
}

type analyticRule struct {
	ID                     string `yaml:"id"`
	Name                   string `yaml:"name"`
	Description            string `yaml:"description"`
	Kind                   string `yaml:"kind"`
	Status                 string `yaml:"status"`
	RequiredDataConnectors []struct {
		ConnectorID string   `yaml:"connectorId"`
		DataTypes   []string `yaml:"dataTypes"`
	} `yaml:"requiredDataConnectors"`
	Tactics            []string `yaml:"tactics"`
	RelevantTechniques []string `yaml:"relevantTechniques"`
	Query              string   `yaml:"query"`
}

// Parser reads Sentinel analytic rule YAML.
type Parser struct{}

func (Parser) Extensions() []string { return []string{".yaml", ".yml"} }

func (Parser) Parse(path string, data []byte) ([]adapters.Rule, error) {
	var ar analyticRule
	if err := yaml.Unmarshal(data, &ar); err != nil {
		return nil, err
	}
	if ar.Name == "" || ar.Query == "" || strings.EqualFold(ar.Status, "deprecated") {
		return nil, nil
	}

	modifier, ok := kindModifier[strings.ToLower(ar.Kind)]
	if !ok {
		modifier = 0.8
	}
	id := ar.ID
	if id == "" {
		id = path
	}

	r := adapters.Rule{
		ID:           "sentinel:" + id,
		Title:        ar.Name,
		Description:  strings.TrimSpace(ar.Description),
		TechniqueIDs: ar.RelevantTechniques,
		Query:        ar.Query,
		Modifier:     modifier,
	}
	for _, t := range ar.Tactics {
		r.Tactics = append(r.Tactics, attack.NormalizeTactic(SplitCamel(t)))
	}

	var textParts []string
	for _, c := range ar.RequiredDataConnectors {
		textParts = append(textParts, c.ConnectorID)
		if p, ok := connectorPlatforms[strings.ToLower(c.ConnectorID)]; ok && !contains(r.Platforms, p) {
			r.Platforms = append(r.Platforms, p)
		}
		for _, dt := range c.DataTypes {
			textParts = append(textParts, dt)
			if r.RawSource == "" {
				r.RawSource = dt
			}
			if r.Category == "" {
				r.Category = dataTypeCategories[strings.ToLower(dt)]
			}
			r.LogSources = append(r.LogSources, mapping.LogSource{Name: dt, Channel: c.ConnectorID})
		}
	}
	r.Text = strings.Join(append([]string{ar.Name, ar.Description, ar.Query}, textParts...), " ")
	return []adapters.Rule{r}, nil
}

// SplitCamel turns "CredentialAccess" into "Credential Access".
func SplitCamel(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Applicability covers SIEM and Microsoft cloud products.
var Applicability = adapters.Applicability{
	Types:     []string{"siem", "cloud", "identity"},
	Platforms: []string{"Windows", "Azure AD", "Office 365", "IaaS", "SaaS"},
}

// New creates the Sentinel adapter over src.
func New(src corpus.Source, index adapters.IndexProvider, opts adapters.Options) *adapters.RuleAdapter {
	return adapters.NewRuleAdapter(mapping.SourceSentinel, src, index, Parser{}, Applicability, opts)
}
