// Package structural implements the Structural Validator (C3): a
// schema-index-driven tree walker producing findings for enum violations,
// primitive-format errors, shape mismatches, cardinality breaches, and
// missing required fields. It is the primary authority for structural
// errors (spec.md §4.3, §4.11).
package structural

import "regexp"

// Primitive-format regular expressions, compiled once at package level
// (matching the teacher's package-level regex pattern).
var (
	dateRegex     = regexp.MustCompile(`^([0-9]([0-9]([0-9][1-9]|[1-9]0)|[1-9]00)|[1-9]000)(-(0[1-9]|1[0-2])(-(0[1-9]|[1-2][0-9]|3[0-1]))?)?$`)
	dateTimeRegex = regexp.MustCompile(`^([0-9]([0-9]([0-9][1-9]|[1-9]0)|[1-9]00)|[1-9]000)(-(0[1-9]|1[0-2])(-(0[1-9]|[1-2][0-9]|3[0-1])(T([01][0-9]|2[0-3]):[0-5][0-9]:([0-5][0-9]|60)(\.[0-9]+)?(Z|(\+|-)((0[0-9]|1[0-3]):[0-5][0-9]|14:00)))?)?)?$`)
	instantRegex  = regexp.MustCompile(`^([0-9]([0-9]([0-9][1-9]|[1-9]0)|[1-9]00)|[1-9]000)-(0[1-9]|1[0-2])-(0[1-9]|[1-2][0-9]|3[0-1])T([01][0-9]|2[0-3]):[0-5][0-9]:([0-5][0-9]|60)(\.[0-9]+)?(Z|(\+|-)((0[0-9]|1[0-3]):[0-5][0-9]|14:00))$`)
	timeRegex     = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d:([0-5]\d|60)(\.\d+)?$`)
	codeRegex     = regexp.MustCompile(`^\S+( \S+)*$`)
	idRegex       = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)
	oidRegex      = regexp.MustCompile(`^urn:oid:[012](\.(0|[1-9]\d*))+$`)
	uuidRegex     = regexp.MustCompile(`^urn:uuid:[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// PrimitiveCheck validates a raw decoded JSON value against a FHIR
// primitive type code, returning (ok, reason) — reason is only meaningful
// when ok is false. Exported so the Typed Parser (C4) can apply the same
// format rules when simulating a strict typed decode (spec.md §4.4).
func PrimitiveCheck(value interface{}, typeCode string) (ok bool, reason string) {
	return primitiveCheck(value, typeCode)
}

func primitiveCheck(value interface{}, typeCode string) (ok bool, reason string) {
	switch typeCode {
	case "boolean":
		_, isBool := value.(bool)
		return isBool, "expected boolean"
	case "integer", "positiveInt", "unsignedInt":
		f, isNum := value.(float64)
		if !isNum {
			return false, "expected integer"
		}
		if f != float64(int64(f)) {
			return false, "expected integer, got fractional number"
		}
		if typeCode == "positiveInt" && f <= 0 {
			return false, "expected a positive integer"
		}
		if typeCode == "unsignedInt" && f < 0 {
			return false, "expected a non-negative integer"
		}
		return true, ""
	case "decimal":
		_, isNum := value.(float64)
		return isNum, "expected decimal number"
	case "string", "markdown", "uri", "url", "canonical", "base64Binary":
		_, isStr := value.(string)
		return isStr, "expected string"
	case "code":
		s, isStr := value.(string)
		if !isStr {
			return false, "expected string (code)"
		}
		return codeRegex.MatchString(s), "code must not have leading/trailing whitespace or repeated inner whitespace"
	case "id":
		s, isStr := value.(string)
		if !isStr {
			return false, "expected string (id)"
		}
		return idRegex.MatchString(s), "id must match [A-Za-z0-9-.]{1,64}"
	case "oid":
		s, isStr := value.(string)
		if !isStr {
			return false, "expected string (oid)"
		}
		return oidRegex.MatchString(s), "expected urn:oid:x.x.x..."
	case "uuid":
		s, isStr := value.(string)
		if !isStr {
			return false, "expected string (uuid)"
		}
		return uuidRegex.MatchString(s), "expected urn:uuid:xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx"
	case "date":
		s, isStr := value.(string)
		if !isStr {
			return false, "expected string (date)"
		}
		return dateRegex.MatchString(s), "expected YYYY, YYYY-MM, or YYYY-MM-DD"
	case "dateTime":
		s, isStr := value.(string)
		if !isStr {
			return false, "expected string (dateTime)"
		}
		return dateTimeRegex.MatchString(s), "expected a valid FHIR dateTime"
	case "instant":
		s, isStr := value.(string)
		if !isStr {
			return false, "expected string (instant)"
		}
		return instantRegex.MatchString(s), "expected a valid FHIR instant"
	case "time":
		s, isStr := value.(string)
		if !isStr {
			return false, "expected string (time)"
		}
		return timeRegex.MatchString(s), "expected HH:MM:SS"
	default:
		// Complex type or unrecognized primitive: nothing to check here.
		return true, ""
	}
}
