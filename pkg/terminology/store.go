// Package terminology implements the terminology half of the Terminology
// & Reference Resolver (C7, spec.md §4.8): a project-scoped store of
// CodeSystems and ValueSets, checked against coded elements that the
// rule evaluator (C6) doesn't already cover.
package terminology

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// CodeInfo describes one code within a system, as loaded from a
// CodeSystem or an expanded ValueSet.
type CodeInfo struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
	Active  bool   `json:"active"`
}

// Store holds CodeSystems and ValueSets loaded from a project's
// terminology bundle and answers the lookups C6 and C7 need.
type Store struct {
	mu sync.RWMutex

	// codeSystems maps system URL to its codes.
	codeSystems map[string]map[string]*CodeInfo

	// valueSets maps ValueSet URL to its expanded codes.
	valueSets map[string][]*CodeInfo

	// valueSetSystems maps ValueSet URL to the systems it draws from.
	valueSetSystems map[string][]string
}

// NewStore returns an empty terminology store.
func NewStore() *Store {
	return &Store{
		codeSystems:     make(map[string]map[string]*CodeInfo),
		valueSets:       make(map[string][]*CodeInfo),
		valueSetSystems: make(map[string][]string),
	}
}

// LoadBundle loads CodeSystems and ValueSets from a FHIR Bundle JSON
// payload (the project terminology bundle, SPEC_FULL.md §6).
func (s *Store) LoadBundle(data []byte) error {
	var bundle struct {
		ResourceType string `json:"resourceType"`
		Entry        []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("parse terminology bundle: %w", err)
	}
	if bundle.ResourceType != "Bundle" {
		return fmt.Errorf("expected Bundle, got %s", bundle.ResourceType)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range bundle.Entry {
		if rt := resourceTypeOf(entry.Resource); rt == "CodeSystem" {
			_ = s.loadCodeSystem(entry.Resource)
		}
	}
	for _, entry := range bundle.Entry {
		if rt := resourceTypeOf(entry.Resource); rt == "ValueSet" {
			_ = s.loadValueSet(entry.Resource)
		}
	}
	return nil
}

func resourceTypeOf(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var base struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(raw, &base); err != nil {
		return ""
	}
	return base.ResourceType
}

type codeSystemResource struct {
	URL     string              `json:"url"`
	Content string              `json:"content"`
	Concept []codeSystemConcept `json:"concept,omitempty"`
}

type codeSystemConcept struct {
	Code    string              `json:"code"`
	Display string              `json:"display,omitempty"`
	Concept []codeSystemConcept `json:"concept,omitempty"`
}

func (s *Store) loadCodeSystem(data []byte) error {
	var cs codeSystemResource
	if err := json.Unmarshal(data, &cs); err != nil {
		return err
	}
	if cs.URL == "" || (cs.Content != "complete" && cs.Content != "fragment") {
		return nil
	}
	codes := make(map[string]*CodeInfo)
	flattenConcepts(cs.URL, cs.Concept, codes)
	if len(codes) > 0 {
		s.codeSystems[cs.URL] = codes
	}
	return nil
}

func flattenConcepts(system string, concepts []codeSystemConcept, out map[string]*CodeInfo) {
	for _, c := range concepts {
		out[c.Code] = &CodeInfo{System: system, Code: c.Code, Display: c.Display, Active: true}
		if len(c.Concept) > 0 {
			flattenConcepts(system, c.Concept, out)
		}
	}
}

type valueSetResource struct {
	URL       string             `json:"url"`
	Compose   *valueSetCompose   `json:"compose,omitempty"`
	Expansion *valueSetExpansion `json:"expansion,omitempty"`
}

type valueSetCompose struct {
	Include []valueSetInclude `json:"include,omitempty"`
}

type valueSetInclude struct {
	System  string            `json:"system,omitempty"`
	Concept []valueSetConcept `json:"concept,omitempty"`
	Filter  []valueSetFilter  `json:"filter,omitempty"`
}

type valueSetConcept struct {
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

type valueSetFilter struct {
	Property string `json:"property"`
	Op       string `json:"op"`
	Value    string `json:"value"`
}

type valueSetExpansion struct {
	Contains []expansionContains `json:"contains,omitempty"`
}

type expansionContains struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

func (s *Store) loadValueSet(data []byte) error {
	var vs valueSetResource
	if err := json.Unmarshal(data, &vs); err != nil {
		return err
	}
	if vs.URL == "" {
		return nil
	}

	var codes []*CodeInfo
	var systems []string
	switch {
	case vs.Expansion != nil && len(vs.Expansion.Contains) > 0:
		for _, c := range vs.Expansion.Contains {
			codes = append(codes, &CodeInfo{System: c.System, Code: c.Code, Display: c.Display, Active: true})
		}
	case vs.Compose != nil:
		codes, systems = s.expandCompose(vs.Compose)
	}

	if len(codes) > 0 {
		s.valueSets[vs.URL] = codes
	}
	if len(systems) > 0 {
		s.valueSetSystems[vs.URL] = systems
	}
	return nil
}

func (s *Store) expandCompose(compose *valueSetCompose) (codes []*CodeInfo, systems []string) {
	seen := make(map[string]bool)
	for _, inc := range compose.Include {
		if inc.System == "" {
			continue
		}
		seen[inc.System] = true
		codes = append(codes, s.expandInclude(inc)...)
	}
	for system := range seen {
		systems = append(systems, system)
	}
	return codes, systems
}

func (s *Store) expandInclude(inc valueSetInclude) []*CodeInfo {
	if len(inc.Concept) > 0 {
		out := make([]*CodeInfo, 0, len(inc.Concept))
		for _, c := range inc.Concept {
			out = append(out, &CodeInfo{System: inc.System, Code: c.Code, Display: c.Display, Active: true})
		}
		return out
	}
	csCodes, ok := s.codeSystems[inc.System]
	if !ok {
		return nil
	}
	if len(inc.Filter) == 0 {
		out := make([]*CodeInfo, 0, len(csCodes))
		for _, c := range csCodes {
			out = append(out, c)
		}
		return out
	}
	return applyFilters(csCodes, inc.Filter)
}

func applyFilters(codes map[string]*CodeInfo, filters []valueSetFilter) []*CodeInfo {
	var out []*CodeInfo
	for _, code := range codes {
		keep := true
		for _, f := range filters {
			switch f.Op {
			case "=":
				if f.Property == "code" && code.Code != f.Value {
					keep = false
				}
			case "in":
				if f.Property == "code" {
					found := false
					for _, v := range strings.Split(f.Value, ",") {
						if strings.TrimSpace(v) == code.Code {
							found = true
							break
						}
					}
					if !found {
						keep = false
					}
				}
			}
		}
		if keep {
			out = append(out, code)
		}
	}
	return out
}

// ValidateCode reports whether code is a member of the named ValueSet,
// optionally constrained to system. Returns an error if the ValueSet
// itself is unknown to the store.
func (s *Store) ValidateCode(_ context.Context, system, code, valueSetURL string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vsURL := normalizeValueSetURL(valueSetURL)
	codes, ok := s.valueSets[vsURL]
	if !ok {
		return false, fmt.Errorf("value set not found: %s", valueSetURL)
	}
	for _, c := range codes {
		if system != "" && c.System != system {
			continue
		}
		if c.Code == code {
			return true, nil
		}
	}
	return false, nil
}

// Codes implements pkg/structural.ValueSets: the allow-list used by
// required-binding enforcement during the structural walk (C3).
func (s *Store) Codes(valueSetURL string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	codes, ok := s.valueSets[normalizeValueSetURL(valueSetURL)]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		out = append(out, c.Code)
	}
	return out
}

// KnownSystem implements pkg/rules.CodeSystemChecker.
func (s *Store) KnownSystem(system string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.codeSystems[system]
	return ok
}

// LookupCode returns details for a single (system, code) pair, or nil
// if unknown.
func (s *Store) LookupCode(_ context.Context, system, code string) (*CodeInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	codes, ok := s.codeSystems[system]
	if !ok {
		return nil, nil
	}
	return codes[code], nil
}

func normalizeValueSetURL(url string) string {
	if idx := strings.LastIndex(url, "|"); idx != -1 {
		return url[:idx]
	}
	return url
}
