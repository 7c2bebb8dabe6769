package finding

import "sort"

// Dedupe implements the C3-over-C5 suppression rule (spec.md §4.11): for
// each (errorCode, pointer) key emitted by STRUCTURE, suppress any ENGINE
// Finding with the same key. Other sources are never deduplicated against
// each other. Order of first emission is preserved.
func Dedupe(all []Finding) []Finding {
	structureKeys := make(map[DedupKey]struct{})
	for _, f := range all {
		if f.Source == SourceStructure {
			structureKeys[f.dedupKey()] = struct{}{}
		}
	}

	out := make([]Finding, 0, len(all))
	for _, f := range all {
		if f.Source == SourceEngine {
			if _, suppressed := structureKeys[f.dedupKey()]; suppressed {
				continue
			}
		}
		out = append(out, f)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Summary holds counts by severity and by source (spec.md §6).
type Summary struct {
	TotalErrors  int
	ErrorCount   int
	WarningCount int
	InfoCount    int
	BySource     map[Source]map[Severity]int
}

// Summarize computes the response summary from a final, deduplicated
// Finding list (spec.md §4.11 "summary counts").
func Summarize(all []Finding) Summary {
	s := Summary{BySource: map[Source]map[Severity]int{}}
	for _, f := range all {
		switch f.Severity {
		case SeverityError, SeverityFatal:
			s.ErrorCount++
			s.TotalErrors++
		case SeverityWarning:
			s.WarningCount++
		case SeverityInformation:
			s.InfoCount++
		}
		if s.BySource[f.Source] == nil {
			s.BySource[f.Source] = map[Severity]int{}
		}
		s.BySource[f.Source][f.Severity]++
	}
	return s
}
