package adapters

import (
	"strings"

	"github.com/exploopio/attackmap/pkg/attack"
	"github.com/exploopio/attackmap/pkg/logging"
	"github.com/exploopio/attackmap/pkg/mapping"
	"github.com/exploopio/attackmap/pkg/telemetry"
)

// categoryComponents maps log-source categories used across corpora to
// canonical ATT&CK data component names.
var categoryComponents = map[string]string{
	"process_creation":     "Process Creation",
	"process":              "Process Creation",
	"process_access":       "Process Access",
	"create_remote_thread": "Process Access",
	"process_tampering":    "Process Modification",
	"network_connection":   "Network Connection Creation",
	"network":              "Network Connection Creation",
	"firewall":             "Network Traffic Flow",
	"dns_query":            "Network Traffic Content",
	"dns":                  "Network Traffic Content",
	"proxy":                "Network Traffic Content",
	"webserver":            "Application Log Content",
	"file_event":           "File Creation",
	"file_creation":        "File Creation",
	"file":                 "File Creation",
	"file_change":          "File Modification",
	"file_rename":          "File Modification",
	"file_delete":          "File Deletion",
	"file_access":          "File Access",
	"registry_event":       "Windows Registry Key Modification",
	"registry_set":         "Windows Registry Key Modification",
	"registry_add":         "Windows Registry Key Creation",
	"registry_delete":      "Windows Registry Key Deletion",
	"registry":             "Windows Registry Key Modification",
	"image_load":           "Module Load",
	"library":              "Module Load",
	"driver_load":          "Driver Load",
	"driver":               "Driver Load",
	"ps_script":            "Script Execution",
	"ps_module":            "Script Execution",
	"ps_classic_start":     "Command Execution",
	"command":              "Command Execution",
	"pipe_created":         "Named Pipe Metadata",
	"wmi_event":            "WMI Creation",
	"service_creation":     "Service Creation",
	"scheduled_task":       "Scheduled Job Creation",
	"authentication":       "User Account Authentication",
	"logon":                "Logon Session Creation",
	"iam":                  "User Account Modification",
	"account_management":   "User Account Modification",
	"cloud_audit":          "Cloud Service Modification",
}

// NormalizeCategory folds spelling variants ("Process-Creation",
// "process creation") to the table key form.
func NormalizeCategory(category string) string {
	c := strings.ToLower(strings.TrimSpace(category))
	return strings.NewReplacer("-", "_", " ", "_").Replace(c)
}

// CategoryComponent returns the data component name for a log-source
// category.
func CategoryComponent(category string) (string, bool) {
	name, ok := categoryComponents[NormalizeCategory(category)]
	return name, ok
}

// Rule is a corpus rule after parsing, before technique resolution.
type Rule struct {
	ID          string
	Title       string
	Description string

	// TechniqueIDs are explicit technique tags (Tier 1).
	TechniqueIDs []string
	// Category is the log-source category used for Tier 2.
	Category string
	// Tactics narrow Tier 2 results.
	Tactics []string

	Platforms       []string
	LogSources      []mapping.LogSource
	MutableElements []attack.MutableElement
	RawSource       string
	Query           string

	// Modifier discounts Tier 2 inference for the corpus (stable 1.0,
	// experimental lower). Zero means 1.0.
	Modifier float64

	// Strength is the corpus' own rating of an explicit mapping (CTID
	// score). Zero means full strength.
	Strength float64

	TelemetryOnly bool

	// Text is matched against the product's search terms.
	Text string
}

// Resolution is the outcome of two-tier technique resolution.
type Resolution struct {
	TechniqueIDs []string
	Tier         mapping.EvidenceTier
	Confidence   int

	// Component is the data component Tier 2 went through.
	Component string
	// Context is the merged telemetry of the inferred techniques (Tier 2).
	Context *telemetry.TechniqueContext
}

// Resolver turns rule tags into technique IDs against the taxonomy.
type Resolver struct {
	idx    *attack.Index
	logger logging.Logger
}

// NewResolver creates a resolver over idx.
func NewResolver(idx *attack.Index, logger logging.Logger) *Resolver {
	return &Resolver{idx: idx, logger: logging.OrDefault(logger, "adapters")}
}

// Resolve applies Tier 1 (explicit technique IDs, full evidence weight) and,
// when no explicit ID is valid, Tier 2 (category to data component to the
// techniques it evidences, filtered by tactics and discounted by modifier).
// It reports false when neither tier yields a technique.
func (r *Resolver) Resolve(explicit []string, category string, tactics []string, modifier float64) (Resolution, bool) {
	if modifier <= 0 {
		modifier = 1
	}

	valid, invalid := attack.NormalizeTechniqueIDs(explicit)
	for _, bad := range invalid {
		r.logger.Debug("ignoring invalid technique tag %q", bad)
	}
	if len(valid) > 0 {
		tier := mapping.EvidenceExplicit
		for _, id := range valid {
			// A sub-technique newer than the loaded taxonomy only has its
			// parent's bindings to stand on.
			if !r.idx.HasTechnique(id) && attack.IsSubtechniqueID(id) && r.idx.HasTechnique(attack.ParentTechniqueID(id)) {
				tier = mapping.EvidenceParentFallback
			}
		}
		return Resolution{
			TechniqueIDs: valid,
			Tier:         tier,
			Confidence:   mapping.EvidenceScore(tier, 1),
		}, true
	}

	component, ok := CategoryComponent(category)
	if !ok {
		return Resolution{}, false
	}
	ids := r.idx.TechniquesForComponent(component, tactics)
	if len(ids) == 0 {
		return Resolution{}, false
	}
	return Resolution{
		TechniqueIDs: ids,
		Tier:         mapping.EvidenceCategory,
		Confidence:   mapping.EvidenceScore(mapping.EvidenceCategory, modifier),
		Component:    component,
		Context:      telemetry.MergedContextFor(r.idx, ids),
	}, true
}

// Normalize resolves a rule into an analytic mapping. Tier 2 results carry
// the merged telemetry context of their inferred techniques.
func (r *Resolver) Normalize(rule Rule) (mapping.AnalyticMapping, bool) {
	res, ok := r.Resolve(rule.TechniqueIDs, rule.Category, rule.Tactics, rule.Modifier)
	if !ok {
		return mapping.AnalyticMapping{}, false
	}

	confidence := res.Confidence
	if res.Tier != mapping.EvidenceCategory && rule.Strength > 0 {
		confidence = mapping.EvidenceScore(res.Tier, rule.Strength)
	}

	logSources := append([]mapping.LogSource(nil), rule.LogSources...)
	mutables := append([]attack.MutableElement(nil), rule.MutableElements...)
	if res.Context != nil {
		merged := telemetry.MergeContexts(
			&telemetry.TechniqueContext{LogSources: logSources, MutableElements: mutables},
			res.Context,
		)
		logSources, mutables = merged.LogSources, merged.MutableElements
	}

	am := mapping.AnalyticMapping{
		ID:           rule.ID,
		Name:         rule.Title,
		Description:  rule.Description,
		TechniqueIDs: res.TechniqueIDs,
		Platforms:    rule.Platforms,
		Query:        rule.Query,
		Extension: mapping.Extension{
			RawSource:       rule.RawSource,
			LogSources:      logSources,
			MutableElements: mutables,
			TelemetryOnly:   rule.TelemetryOnly,
			Evidence:        res.Tier,
			Confidence:      confidence,
		},
	}
	for _, ls := range logSources {
		am.LogSources = appendUniqueString(am.LogSources, ls.Name)
	}
	return am, true
}

func appendUniqueString(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
