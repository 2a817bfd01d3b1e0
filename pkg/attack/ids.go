package attack

import (
	"regexp"
	"strings"
)

var techniqueIDPattern = regexp.MustCompile(`^T\d{4}(\.\d{3})?$`)

// NormalizeTechniqueID trims, strips rule-tag prefixes such as "attack.",
// upper-cases and validates s against T####[.###]. It reports false for
// anything that is not a technique ID. NormalizeTechniqueID is idempotent.
func NormalizeTechniqueID(s string) (string, bool) {
	id := strings.TrimSpace(s)
	for _, prefix := range []string{"attack.", "mitre.", "mitre_attack."} {
		// Compared on the raw bytes; the prefixes are ASCII.
		if len(id) >= len(prefix) && strings.EqualFold(id[:len(prefix)], prefix) {
			id = id[len(prefix):]
			break
		}
	}
	id = strings.ToUpper(strings.TrimSpace(id))
	if !techniqueIDPattern.MatchString(id) {
		return "", false
	}
	return id, true
}

// IsSubtechniqueID reports whether id (already normalized) names a
// sub-technique.
func IsSubtechniqueID(id string) bool {
	return strings.Contains(id, ".")
}

// ParentTechniqueID returns the parent of a sub-technique ID
// ("T1059.001" -> "T1059"), or "" for a top-level technique.
func ParentTechniqueID(id string) string {
	if i := strings.IndexByte(id, '.'); i > 0 {
		return id[:i]
	}
	return ""
}

// NormalizeTechniqueIDs normalizes ids, dropping invalid entries and
// duplicates while keeping first-seen order. The dropped inputs are returned
// separately so callers can log them.
func NormalizeTechniqueIDs(ids []string) (valid, invalid []string) {
	seen := make(map[string]struct{}, len(ids))
	for _, raw := range ids {
		id, ok := NormalizeTechniqueID(raw)
		if !ok {
			invalid = append(invalid, raw)
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		valid = append(valid, id)
	}
	return valid, invalid
}
