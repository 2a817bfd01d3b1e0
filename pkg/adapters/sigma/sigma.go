// Package sigma adapts SigmaHQ detection rules.
package sigma

import (
	"bytes"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/exploopio/attackmap/pkg/adapters"
	"github.com/exploopio/attackmap/pkg/attack"
	"github.com/exploopio/attackmap/pkg/corpus"
	"github.com/exploopio/attackmap/pkg/logging"
	"github.com/exploopio/attackmap/pkg/mapping"
)

// statusModifier discounts Tier 2 inference by rule maturity.
var statusModifier = map[string]float64{
	"stable":       1.0,
	"test":         0.8,
	"experimental": 0.6,
	"unsupported":  0.5,
}

const defaultModifier = 0.7

var platformNames = map[string]string{
	"windows": "Windows",
	"linux":   "Linux",
	"macos":   "macOS",
	"azure":   "Azure",
	"aws":     "IaaS",
	"gcp":     "IaaS",
	"m365":    "Office 365",
	"okta":    "Identity Provider",
}

// rule is the subset of the Sigma format attackmap reads.
type rule struct {
	Title       string    `yaml:"title"`
	ID          string    `yaml:"id"`
	Status      string    `yaml:"status"`
	Description string    `yaml:"description"`
	Tags        []string  `yaml:"tags"`
	LogSource   logSource `yaml:"logsource"`
	Detection   yaml.Node `yaml:"detection"`
	Fields      []string  `yaml:"fields"`
	Level       string    `yaml:"level"`
}

type logSource struct {
	Product  string `yaml:"product"`
	Category string `yaml:"category"`
	Service  string `yaml:"service"`
}

// Parser reads Sigma YAML. A file may hold several documents; a document
// that does not decode is logged and skipped.
type Parser struct {
	Logger logging.Logger
}

func (Parser) Extensions() []string { return []string{".yml", ".yaml"} }

// Parse returns the rules of every document that decodes. It fails only when
// no document decodes.
func (p Parser) Parse(path string, data []byte) ([]adapters.Rule, error) {
	var (
		out      []adapters.Rule
		firstErr error
		decoded  int
	)
	for i, doc := range splitDocuments(data) {
		var r rule
		if err := yaml.Unmarshal(doc, &r); err != nil {
			logging.OrDefault(p.Logger, "adapters.sigma").Warn("skipping document %d of %s: %v", i+1, path, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		decoded++
		if r.Title == "" || strings.EqualFold(r.Status, "deprecated") {
			continue
		}
		out = append(out, r.normalize(path))
	}
	if decoded == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// splitDocuments cuts a YAML stream at its "---" separator lines. Blank
// documents are dropped.
func splitDocuments(data []byte) [][]byte {
	var (
		docs [][]byte
		cur  []byte
	)
	flush := func() {
		if len(bytes.TrimSpace(cur)) > 0 {
			docs = append(docs, cur)
		}
		cur = nil
	}
	for line := range bytes.Lines(data) {
		trimmed := bytes.TrimRight(line, " \t\r\n")
		if bytes.Equal(trimmed, []byte("---")) || bytes.HasPrefix(trimmed, []byte("--- ")) {
			flush()
			continue
		}
		cur = append(cur, line...)
	}
	flush()
	return docs
}

func (r *rule) normalize(path string) adapters.Rule {
	var techniques, tactics []string
	for _, tag := range r.Tags {
		t := strings.ToLower(strings.TrimSpace(tag))
		if !strings.HasPrefix(t, "attack.") {
			continue
		}
		if id, ok := attack.NormalizeTechniqueID(t); ok {
			techniques = append(techniques, id)
			continue
		}
		// attack.g0007 / attack.s0002 name groups and software.
		if rest := strings.TrimPrefix(t, "attack."); len(rest) > 1 && (rest[0] == 'g' || rest[0] == 's') && isDigits(rest[1:]) {
			continue
		}
		tactics = append(tactics, attack.NormalizeTactic(t))
	}

	modifier, ok := statusModifier[strings.ToLower(r.Status)]
	if !ok {
		modifier = defaultModifier
	}

	id := r.ID
	if id == "" {
		id = path
	}

	out := adapters.Rule{
		ID:           "sigma:" + id,
		Title:        r.Title,
		Description:  strings.TrimSpace(r.Description),
		TechniqueIDs: techniques,
		Category:     r.LogSource.Category,
		Tactics:      tactics,
		RawSource:    r.LogSource.raw(),
		Modifier:     modifier,
		Text:         strings.Join([]string{r.Title, r.Description, r.LogSource.Product, r.LogSource.Service, r.LogSource.Category, strings.Join(r.Tags, " ")}, " "),
	}
	if p, ok := platformNames[strings.ToLower(r.LogSource.Product)]; ok {
		out.Platforms = []string{p}
	}
	if name := r.LogSource.raw(); name != "" {
		out.LogSources = []mapping.LogSource{{Name: name}}
	}
	for _, f := range r.Fields {
		out.MutableElements = append(out.MutableElements, attack.MutableElement{Field: f, Description: "field referenced by the rule"})
	}
	if !r.Detection.IsZero() {
		if q, err := yaml.Marshal(&r.Detection); err == nil {
			out.Query = string(q)
			out.Text += " " + out.Query
		}
	}
	return out
}

// raw renders the logsource as product/service or product/category.
func (l logSource) raw() string {
	parts := make([]string, 0, 2)
	if l.Product != "" {
		parts = append(parts, l.Product)
	}
	switch {
	case l.Service != "":
		parts = append(parts, l.Service)
	case l.Category != "":
		parts = append(parts, l.Category)
	}
	return strings.Join(parts, "/")
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}

// Applicability covers endpoint and log-platform products.
var Applicability = adapters.Applicability{
	Types:     []string{"siem", "edr", "xdr", "endpoint", "log_source"},
	Platforms: []string{"Windows", "Linux", "macOS"},
}

// New creates the Sigma adapter over src.
func New(src corpus.Source, index adapters.IndexProvider, opts adapters.Options) *adapters.RuleAdapter {
	return adapters.NewRuleAdapter(mapping.SourceSigma, src, index, Parser{Logger: opts.Logger}, Applicability, opts)
}
