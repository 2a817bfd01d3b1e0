package adapters

import (
	"bytes"
	"context"
	"strings"

	"github.com/exploopio/attackmap/pkg/logging"
)

// minTermLength drops terms short enough to match almost any rule.
const minTermLength = 3

// AliasResolver supplies alternative names for a product, for example from
// a vendor catalogue.
type AliasResolver interface {
	Aliases(ctx context.Context, name, vendor string) ([]string, error)
}

// AliasFunc adapts a function to AliasResolver.
type AliasFunc func(ctx context.Context, name, vendor string) ([]string, error)

func (f AliasFunc) Aliases(ctx context.Context, name, vendor string) ([]string, error) {
	return f(ctx, name, vendor)
}

// SearchTerms returns the lower-cased terms a rule must mention to be
// attributed to a product: the name, vendor plus name, their slug variants
// ("-", "_" and concatenated) and each alias. Duplicates and terms shorter
// than three characters are dropped.
func SearchTerms(name, vendor string, aliases []string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(s string) {
		s = strings.ToLower(strings.Join(strings.Fields(s), " "))
		if len(s) < minTermLength {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	addVariants := func(s string) {
		add(s)
		fields := strings.Fields(s)
		if len(fields) > 1 {
			add(strings.Join(fields, "-"))
			add(strings.Join(fields, "_"))
			add(strings.Join(fields, ""))
		}
	}

	addVariants(name)
	if vendor != "" && name != "" && !strings.EqualFold(vendor, name) {
		addVariants(vendor + " " + name)
	}
	for _, a := range aliases {
		addVariants(a)
	}
	return out
}

// TermsFor builds the search terms for q, consulting resolver when set.
// Resolver failures are logged and ignored.
func TermsFor(ctx context.Context, q ProductQuery, resolver AliasResolver, logger logging.Logger) []string {
	aliases := append([]string(nil), q.Aliases...)
	if resolver != nil {
		extra, err := resolver.Aliases(ctx, q.Name, q.Vendor)
		if err != nil {
			logging.OrDefault(logger, "adapters").Warn("alias lookup for %q failed: %v", q.Name, err)
		} else {
			aliases = append(aliases, extra...)
		}
	}
	return SearchTerms(q.Name, q.Vendor, aliases)
}

// MatchesAny reports whether text contains any term, case-insensitively.
// Terms must already be lower-case.
func MatchesAny(text string, terms []string) bool {
	if len(terms) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, t := range terms {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// matchesAnyBytes is MatchesAny for raw file contents.
func matchesAnyBytes(data []byte, terms []string) bool {
	if len(terms) == 0 {
		return false
	}
	lower := bytes.ToLower(data)
	for _, t := range terms {
		if bytes.Contains(lower, []byte(t)) {
			return true
		}
	}
	return false
}
