package identity

import (
	"strings"

	"studycore/pkg/domain"
)

// Canonical column names the alias table targets.
const (
	ColumnDate     = "Date"
	aliasVisitDate = "visit date"
)

// ResolveColumnAliases returns columnMap with lower-cased keys. For studies
// that are not visit-based, "Visit Date" is an alias of the canonical Date
// column: a "visit date" header maps to Date and any mapping that targets
// "Visit Date" is retargeted to Date. Nothing else is rewritten.
func ResolveColumnAliases(columnMap map[string]string, tp domain.TimepointType) map[string]string {
	out := make(map[string]string, len(columnMap)+1)
	for k, v := range columnMap {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	if tp.IsVisitBased() {
		return out
	}
	for k, v := range out {
		if strings.EqualFold(strings.TrimSpace(v), aliasVisitDate) {
			out[k] = ColumnDate
		}
	}
	if _, mapped := out[aliasVisitDate]; !mapped {
		out[aliasVisitDate] = ColumnDate
	}
	return out
}
