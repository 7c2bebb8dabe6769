// Package exprlang provides a FHIRPath expression evaluator.
//
// FHIRPath is a path-based navigation and extraction language for FHIR resources.
// This implementation supports the full FHIRPath specification including:
//   - Path navigation
//   - Filtering and projection
//   - Boolean logic
//   - String manipulation
//   - Math operations
//   - Date/time operations
//   - Type operations
//   - FHIR-specific functions
//
// Usage:
//
//	result, err := exprlang.Evaluate(patient, "name.given.first()")
//	exists, err := exprlang.EvaluateToBoolean(patient, "active.exists()")
package exprlang
