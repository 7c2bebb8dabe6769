package typedparse

import (
	"regexp"

	"github.com/clinval/clinval/pkg/finding"
)

// exceptionPattern maps one recognizable strict-decode exception shape to
// a Finding builder (spec.md §4.10). Order matters: the first match wins,
// mirroring the teacher's general "check specific cases before generic
// fallback" idiom.
type exceptionPattern struct {
	name  string
	re    *regexp.Regexp
	build func(groups []string) finding.Finding
}

var exceptionPatterns = []exceptionPattern{
	{
		name: "unknown-element",
		re:   regexp.MustCompile(`Encountered unknown element '([^']*)'`),
		build: func(g []string) finding.Finding {
			return finding.Finding{
				ErrorCode: finding.CodeUnknownElement,
				Details:   map[string]interface{}{"unknownElement": g[1]},
			}
		},
	},
	{
		name: "type-mismatch",
		re:   regexp.MustCompile(`Cannot convert .* to type '([^']*)'`),
		build: func(g []string) finding.Finding {
			return finding.Finding{
				ErrorCode: finding.CodeTypeMismatch,
				Details:   map[string]interface{}{"expectedType": g[1]},
			}
		},
	},
	{
		name: "mandatory-missing",
		re:   regexp.MustCompile(`Mandatory element '([^']*)' is missing`),
		build: func(g []string) finding.Finding {
			return finding.Finding{
				ErrorCode: finding.CodeMandatoryMissing,
				Details:   map[string]interface{}{"missingElement": g[1]},
			}
		},
	},
	{
		name: "invalid-primitive",
		re:   regexp.MustCompile(`Literal '([^']*)' cannot be parsed as (\S+)`),
		build: func(g []string) finding.Finding {
			return finding.Finding{
				ErrorCode: finding.CodeInvalidPrimitive,
				Details:   map[string]interface{}{"actual": g[1], "expectedType": g[2], "reason": "value does not match the expected primitive format"},
			}
		},
	},
	{
		name: "array-expected",
		re:   regexp.MustCompile(`Expected array but received (\S+)`),
		build: func(g []string) finding.Finding {
			return finding.Finding{
				ErrorCode: finding.CodeArrayExpected,
				Details:   map[string]interface{}{"expectedType": "array", "actualType": g[1]},
			}
		},
	},
}

var locationRegex = regexp.MustCompile(`\(at ([A-Za-z0-9_.\[\]]+)\)`)

// mapException runs the pattern table against a strict-decode error's
// message and returns the mapped Finding. Unmatched messages fall back to
// DESERIALIZATION_ERROR per spec.md §4.10 and §9's Open Question
// resolution: the fallback is logged by the caller, not here, since this
// package has no logger dependency of its own.
func mapException(msg string) (finding.Finding, bool) {
	var matched bool
	f := finding.Finding{ErrorCode: finding.CodeDeserializationError, Details: map[string]interface{}{"message": msg}}

	for _, p := range exceptionPatterns {
		if groups := p.re.FindStringSubmatch(msg); groups != nil {
			f = p.build(groups)
			matched = true
			break
		}
	}

	if loc := locationRegex.FindStringSubmatch(msg); loc != nil {
		if f.Details == nil {
			f.Details = map[string]interface{}{}
		}
		f.Explanation = loc[1]
	}
	return f, matched
}
