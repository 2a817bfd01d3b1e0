// Package elastic adapts Elastic detection-rules TOML files.
package elastic

import (
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/exploopio/attackmap/pkg/adapters"
	"github.com/exploopio/attackmap/pkg/attack"
	"github.com/exploopio/attackmap/pkg/corpus"
	"github.com/exploopio/attackmap/pkg/mapping"
)

var maturityModifier = map[string]float64{
	"production":   1.0,
	"development":  0.7,
	"experimental": 0.6,
}

// eqlCategory matches the event category an EQL query starts with
// ("process where ...").
var eqlCategory = regexp.MustCompile(`^\s*(?:sequence[^\[]*\[\s*)?([a-z_]+)\s+where\b`)

// kqlCategory matches event.category in KQL/Lucene queries.
var kqlCategory = regexp.MustCompile(`event\.category\s*(?::|==?)\s*\(?\s*"?([a-z_]+)"?`)

type ruleFile struct {
	Metadata struct {
		Maturity    string   `toml:"maturity"`
		Integration []string `toml:"integration"`
	} `toml:"metadata"`
	Rule struct {
		RuleID      string   `toml:"rule_id"`
		Name        string   `toml:"name"`
		Description string   `toml:"description"`
		Type        string   `toml:"type"`
		Language    string   `toml:"language"`
		Query       string   `toml:"query"`
		Index       []string `toml:"index"`
		Tags        []string `toml:"tags"`
		Threat      []threat `toml:"threat"`
	} `toml:"rule"`
}

type threat struct {
	Framework string `toml:"framework"`
	Tactic    struct {
		ID   string `toml:"id"`
		Name string `toml:"name"`
	} `toml:"tactic"`
	Technique []struct {
		ID           string `toml:"id"`
		Subtechnique []struct {
			ID string `toml:"id"`
		} `toml:"subtechnique"`
	} `toml:"technique"`
}

// Parser reads detection-rules TOML.
type Parser struct{}

func (Parser) Extensions() []string { return []string{".toml"} }

func (Parser) Parse(path string, data []byte) ([]adapters.Rule, error) {
	var f ruleFile
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, err
	}
	if f.Rule.Name == "" || strings.EqualFold(f.Metadata.Maturity, "deprecated") {
		return nil, nil
	}

	var techniques, tactics []string
	for _, th := range f.Rule.Threat {
		if th.Framework != "" && !strings.Contains(strings.ToUpper(th.Framework), "ATT&CK") {
			continue
		}
		if th.Tactic.Name != "" {
			tactics = append(tactics, attack.NormalizeTactic(th.Tactic.Name))
		}
		for _, t := range th.Technique {
			techniques = append(techniques, t.ID)
			for _, st := range t.Subtechnique {
				techniques = append(techniques, st.ID)
			}
		}
	}

	var platforms []string
	for _, tag := range f.Rule.Tags {
		key, value, ok := strings.Cut(tag, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "OS":
			platforms = append(platforms, value)
		case "Tactic":
			if len(f.Rule.Threat) == 0 {
				tactics = append(tactics, attack.NormalizeTactic(value))
			}
		}
	}

	modifier, ok := maturityModifier[strings.ToLower(f.Metadata.Maturity)]
	if !ok {
		modifier = 0.7
	}

	id := f.Rule.RuleID
	if id == "" {
		id = path
	}
	rawSource := strings.Join(f.Metadata.Integration, ",")
	if len(f.Rule.Index) > 0 {
		rawSource = f.Rule.Index[0]
	}

	r := adapters.Rule{
		ID:           "elastic:" + id,
		Title:        f.Rule.Name,
		Description:  f.Rule.Description,
		TechniqueIDs: techniques,
		Category:     QueryCategory(f.Rule.Query),
		Tactics:      tactics,
		Platforms:    platforms,
		RawSource:    rawSource,
		Query:        f.Rule.Query,
		Modifier:     modifier,
		Text: strings.Join([]string{
			f.Rule.Name, f.Rule.Description, strings.Join(f.Rule.Tags, " "),
			strings.Join(f.Rule.Index, " "), strings.Join(f.Metadata.Integration, " "), f.Rule.Query,
		}, " "),
	}
	for _, idx := range f.Rule.Index {
		r.LogSources = append(r.LogSources, mapping.LogSource{Name: idx})
	}
	return []adapters.Rule{r}, nil
}

// QueryCategory extracts the event category from an EQL or KQL query.
func QueryCategory(query string) string {
	q := strings.ToLower(query)
	if m := eqlCategory.FindStringSubmatch(q); m != nil && m[1] != "any" {
		return m[1]
	}
	if m := kqlCategory.FindStringSubmatch(q); m != nil {
		return m[1]
	}
	return ""
}

// Applicability covers endpoint, SIEM and cloud products.
var Applicability = adapters.Applicability{
	Types:     []string{"siem", "edr", "xdr", "endpoint", "cloud"},
	Platforms: []string{"Windows", "Linux", "macOS", "IaaS", "Azure AD", "Office 365"},
}

// New creates the Elastic adapter over src.
func New(src corpus.Source, index adapters.IndexProvider, opts adapters.Options) *adapters.RuleAdapter {
	return adapters.NewRuleAdapter(mapping.SourceElastic, src, index, Parser{}, Applicability, opts)
}
