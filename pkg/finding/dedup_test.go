package finding_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clinval/clinval/pkg/finding"
)

func TestDedupe_StructureSuppressesEngine(t *testing.T) {
	b := finding.NewBuilder()
	all := []finding.Finding{
		b.Build(finding.Finding{
			Source: finding.SourceStructure, Severity: finding.SeverityError,
			ErrorCode: finding.CodeInvalidPrimitive, Pointer: "/entry/0/resource/birthDate",
			Details: map[string]interface{}{"actual": "x", "expectedType": "date", "reason": "bad"},
		}),
		b.Build(finding.Finding{
			Source: finding.SourceEngine, Severity: finding.SeverityError,
			ErrorCode: finding.CodeInvalidPrimitive, Pointer: "/entry/0/resource/birthDate",
			Details: map[string]interface{}{"actual": "x", "expectedType": "date", "reason": "bad"},
		}),
		b.Build(finding.Finding{
			Source: finding.SourceRule, Severity: finding.SeverityError,
			ErrorCode: finding.CodePatternMismatch, Pointer: "/entry/0/resource/birthDate",
			Details: map[string]interface{}{"actual": "x", "pattern": "^[0-9]+$"},
		}),
	}

	out := finding.Dedupe(all)
	require.Len(t, out, 2)
	require.Equal(t, finding.SourceStructure, out[0].Source)
	require.Equal(t, finding.SourceRule, out[1].Source)
}

func TestDedupe_NeverSuppressesAcrossOtherSources(t *testing.T) {
	b := finding.NewBuilder()
	all := []finding.Finding{
		b.Build(finding.Finding{
			Source: finding.SourceStructure, Severity: finding.SeverityError,
			ErrorCode: finding.CodeMandatoryMissing, Pointer: "/entry/0/resource/status",
			Details: map[string]interface{}{"missingElement": "status"},
		}),
		b.Build(finding.Finding{
			Source: finding.SourceSpecHint, Severity: finding.SeverityInformation,
			ErrorCode: finding.CodeMandatoryMissing, Pointer: "/entry/0/resource/status",
			Details: map[string]interface{}{"missingElement": "status"},
		}),
	}
	out := finding.Dedupe(all)
	require.Len(t, out, 2, "advisory findings are never deduplicated against STRUCTURE")
}

func TestBuilder_InvalidDetailsBecomesPipelineError(t *testing.T) {
	b := finding.NewBuilder()
	f := b.Build(finding.Finding{
		Source: finding.SourceStructure, Severity: finding.SeverityError,
		ErrorCode: finding.CodeMandatoryMissing,
		Details:   map[string]interface{}{}, // missing required "missingElement"
	})
	require.Equal(t, finding.CodePipelineError, f.ErrorCode)
}

func TestSummarize_CountsMatchFindings(t *testing.T) {
	b := finding.NewBuilder()
	all := []finding.Finding{
		b.Build(finding.Finding{Source: finding.SourceStructure, Severity: finding.SeverityError, ErrorCode: finding.CodeMandatoryMissing, Details: map[string]interface{}{"missingElement": "a"}}),
		b.Build(finding.Finding{Source: finding.SourceRule, Severity: finding.SeverityWarning, ErrorCode: finding.CodePatternMismatch, Details: map[string]interface{}{"actual": "x", "pattern": "y"}}),
	}
	s := finding.Summarize(all)
	require.Equal(t, 1, s.ErrorCount)
	require.Equal(t, 1, s.WarningCount)
	require.Equal(t, 1, s.TotalErrors)
}
