package publish

import "strings"

// RestoreOutcome is what the restore step reported for this job's key.
type RestoreOutcome int

const (
	// NoMatch means nothing was restored.
	NoMatch RestoreOutcome = iota
	// PartialMatch means a cache was restored through a fallback key.
	PartialMatch
	// ExactMatch means the requested key was found verbatim.
	ExactMatch
)

func (o RestoreOutcome) String() string {
	switch o {
	case ExactMatch:
		return "exact"
	case PartialMatch:
		return "partial"
	default:
		return "none"
	}
}

// ParseRestoreOutcome parses the cache-hit-kind state left by the restore
// step. Unknown values parse as NoMatch and report ok=false.
func ParseRestoreOutcome(s string) (outcome RestoreOutcome, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exact":
		return ExactMatch, true
	case "partial":
		return PartialMatch, true
	case "", "none", "miss":
		return NoMatch, true
	default:
		return NoMatch, false
	}
}
