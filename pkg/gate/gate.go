// Package gate implements the Parse & Sanity Gate (C2): the first phase of
// the pipeline, verifying raw input is well-formed JSON with a recognizable
// envelope before any other phase runs.
package gate

import (
	"bytes"
	"encoding/json"

	"github.com/clinval/clinval/pkg/finding"
)

// Check runs validate_basic(bytes) (spec.md §4.2). A non-nil Finding means
// the gate failed and the pipeline must terminate without running any
// later phase.
func Check(raw []byte) *finding.Finding {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &finding.Finding{
			Source:    finding.SourceStructure,
			Severity:  finding.SeverityError,
			ErrorCode: finding.CodeEmptyBundle,
			Details:   map[string]interface{}{},
		}
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	var probe interface{}
	if err := decoder.Decode(&probe); err != nil {
		line, col := lineAndColumn(raw, jsonErrorOffset(err))
		return &finding.Finding{
			Source:    finding.SourceStructure,
			Severity:  finding.SeverityError,
			ErrorCode: finding.CodeInvalidJSON,
			Details: map[string]interface{}{
				"lineNumber":    line,
				"bytePosition":  col,
				"exceptionType": exceptionType(err),
			},
		}
	}
	return nil
}

func jsonErrorOffset(err error) int64 {
	switch e := err.(type) {
	case *json.SyntaxError:
		return e.Offset
	case *json.UnmarshalTypeError:
		return e.Offset
	default:
		return 0
	}
}

func exceptionType(err error) string {
	switch err.(type) {
	case *json.SyntaxError:
		return "SyntaxError"
	case *json.UnmarshalTypeError:
		return "UnmarshalTypeError"
	default:
		return "JSONError"
	}
}

// lineAndColumn converts a byte offset into a 1-based line number and the
// byte offset itself (bytePosition per spec.md §4.2's details schema).
func lineAndColumn(raw []byte, offset int64) (line int, bytePosition int64) {
	if offset <= 0 {
		return 1, 0
	}
	if offset > int64(len(raw)) {
		offset = int64(len(raw))
	}
	line = 1 + bytes.Count(raw[:offset], []byte{'\n'})
	return line, offset
}
