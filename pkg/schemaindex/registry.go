package schemaindex

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const resourceTypeStructureDefinition = "StructureDefinition"

// maxComplexTypeDepth caps recursion when resolving nested complex-type
// element definitions, per spec.md §4.1 ("Recursion depth capped (default
// 6) to avoid cycles in self-referential types").
const maxComplexTypeDepth = 6

// Index is a Schema Index (C1): a cached, versioned lookup of element
// definitions, built once and read without locks thereafter.
//
// Construction writes to byURL/byType under mu; once Build returns, the
// maps are never mutated again, so Get/GetByType/allowed-values lookups
// take no lock at all. This differs from the teacher's perpetually
// RWMutex-guarded registry (see DESIGN.md): here the mutex only exists to
// serialize concurrent Register calls made by the errgroup-parallel loader
// during Build, not to protect steady-state reads.
type Index struct {
	version FHIRVersion

	mu     sync.Mutex // held only during Build
	byURL  map[string]*StructureDef
	byType map[string]*StructureDef
	frozen bool
}

// FHIRVersion identifies the schema version an Index was built for.
type FHIRVersion string

const (
	VersionR4  FHIRVersion = "R4"
	VersionR4B FHIRVersion = "R4B"
	VersionR5  FHIRVersion = "R5"
)

// NewIndex creates an empty, unfrozen Index for the given version.
func NewIndex(version FHIRVersion) *Index {
	return &Index{
		version: version,
		byURL:   make(map[string]*StructureDef),
		byType:  make(map[string]*StructureDef),
	}
}

// Version returns the FHIR version this Index was built for.
func (idx *Index) Version() FHIRVersion { return idx.version }

// Freeze marks the Index as built; subsequent reads take no lock. Build
// paths call this once all sources have been loaded.
func (idx *Index) Freeze() { idx.mu.Lock(); idx.frozen = true; idx.mu.Unlock() }

// Get returns a StructureDefinition by canonical URL.
func (idx *Index) Get(_ context.Context, url string) (*StructureDef, error) {
	sd, ok := idx.readURL(url)
	if !ok {
		return nil, fmt.Errorf("StructureDefinition not found: %s", url)
	}
	return sd, nil
}

// GetByType returns the base StructureDefinition for a resource type.
func (idx *Index) GetByType(_ context.Context, resourceType string) (*StructureDef, error) {
	sd, ok := idx.readType(resourceType)
	if !ok {
		return nil, fmt.Errorf("StructureDefinition not found for type: %s", resourceType)
	}
	return sd, nil
}

// List returns all registered StructureDefinition URLs.
func (idx *Index) List(_ context.Context) ([]string, error) {
	if idx.frozen {
		urls := make([]string, 0, len(idx.byURL))
		for u := range idx.byURL {
			urls = append(urls, u)
		}
		return urls, nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	urls := make([]string, 0, len(idx.byURL))
	for u := range idx.byURL {
		urls = append(urls, u)
	}
	return urls, nil
}

func (idx *Index) readURL(url string) (*StructureDef, bool) {
	if idx.frozen {
		sd, ok := idx.byURL[url]
		return sd, ok
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	sd, ok := idx.byURL[url]
	return sd, ok
}

func (idx *Index) readType(t string) (*StructureDef, bool) {
	if idx.frozen {
		sd, ok := idx.byType[t]
		return sd, ok
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	sd, ok := idx.byType[t]
	return sd, ok
}

// Register adds a StructureDefinition to the index. Safe to call
// concurrently during Build; must not be called after Freeze.
func (idx *Index) Register(sd *StructureDef) error {
	if sd == nil {
		return fmt.Errorf("cannot register nil StructureDefinition")
	}
	if sd.URL == "" {
		return fmt.Errorf("StructureDefinition must have a URL")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.frozen {
		return fmt.Errorf("index is frozen: cannot register %s", sd.URL)
	}

	idx.byURL[sd.URL] = sd

	if sd.Type != "" && sd.Kind == "resource" && !strings.Contains(sd.URL, "/profile/") {
		if existing, ok := idx.byType[sd.Type]; !ok || isCanonicalURL(sd.URL, sd.Type) {
			if existing == nil || isCanonicalURL(sd.URL, sd.Type) {
				idx.byType[sd.Type] = sd
			}
		}
	}
	return nil
}

func isCanonicalURL(url, resourceType string) bool {
	return url == "http://hl7.org/fhir/StructureDefinition/"+resourceType
}

// Size returns the number of registered StructureDefinitions.
func (idx *Index) Size() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.byURL)
}

// LoadFromBundle loads StructureDefinitions from a FHIR Bundle JSON.
func (idx *Index) LoadFromBundle(data []byte) (int, error) {
	var bundle struct {
		Entry []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(data, &bundle); err != nil {
		return 0, fmt.Errorf("failed to parse bundle: %w", err)
	}

	count := 0
	for _, entry := range bundle.Entry {
		var rt struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(entry.Resource, &rt); err != nil {
			continue
		}
		if rt.ResourceType != resourceTypeStructureDefinition {
			continue
		}
		sd, err := ParseStructureDefinition(entry.Resource)
		if err != nil {
			continue
		}
		if err := idx.Register(sd); err != nil {
			continue
		}
		count++
	}
	return count, nil
}

// LoadFromFile loads StructureDefinitions from a JSON file (Bundle or
// single StructureDefinition).
func (idx *Index) LoadFromFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return idx.LoadFromJSON(data)
}

// LoadFromJSON auto-detects Bundle vs single StructureDefinition format.
func (idx *Index) LoadFromJSON(data []byte) (int, error) {
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return 0, fmt.Errorf("invalid JSON: %w", err)
	}

	switch probe.ResourceType {
	case "Bundle":
		return idx.LoadFromBundle(data)
	case resourceTypeStructureDefinition:
		sd, err := ParseStructureDefinition(data)
		if err != nil {
			return 0, err
		}
		if err := idx.Register(sd); err != nil {
			return 0, err
		}
		return 1, nil
	default:
		return 0, fmt.Errorf("unsupported resourceType: %s", probe.ResourceType)
	}
}

// LoadFromDirectory loads every *.json file under dirPath, sequentially.
// Used by tests and small fixture sets; BuildFromPaths is preferred for
// startup, since it fans loads out across goroutines.
func (idx *Index) LoadFromDirectory(dirPath string) (int, error) {
	total := 0
	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		count, loadErr := idx.LoadFromFile(path)
		if loadErr != nil {
			return nil
		}
		total += count
		return nil
	})
	return total, err
}

// LoadFromFS loads StructureDefinitions from an embedded filesystem.
func (idx *Index) LoadFromFS(fsys embed.FS, root string) (int, error) {
	total := 0
	err := fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		data, readErr := fsys.ReadFile(path)
		if readErr != nil {
			return nil
		}
		count, loadErr := idx.LoadFromJSON(data)
		if loadErr != nil {
			return nil
		}
		total += count
		return nil
	})
	return total, err
}

// BuildFromPaths loads a fixed set of specification files concurrently
// (one goroutine per file, via errgroup) and freezes the index once all
// loads complete. This is the startup-time concurrency spec.md §5 permits
// ("no phase spawns parallelism" applies to the per-request path, not to
// service startup).
func BuildFromPaths(ctx context.Context, version FHIRVersion, paths []string) (*Index, error) {
	idx := NewIndex(version)
	g, _ := errgroup.WithContext(ctx)
	for _, p := range paths {
		p := p
		g.Go(func() error {
			_, err := idx.LoadFromFile(p)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	idx.Freeze()
	return idx, nil
}

// ParseStructureDefinition parses a single StructureDefinition from JSON,
// working across FHIR versions by extracting only the common fields this
// module needs.
func ParseStructureDefinition(data []byte) (*StructureDef, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse StructureDefinition: %w", err)
	}
	if rt, _ := raw["resourceType"].(string); rt != resourceTypeStructureDefinition {
		return nil, fmt.Errorf("not a StructureDefinition: %s", rt)
	}

	sd := &StructureDef{}
	sd.URL, _ = raw["url"].(string)
	sd.Name, _ = raw["name"].(string)
	sd.Type, _ = raw["type"].(string)
	sd.Kind, _ = raw["kind"].(string)
	sd.Abstract, _ = raw["abstract"].(bool)
	sd.BaseDefinition, _ = raw["baseDefinition"].(string)
	sd.FHIRVersion, _ = raw["fhirVersion"].(string)

	if snapshot, ok := raw["snapshot"].(map[string]interface{}); ok {
		if elements, ok := snapshot["element"].([]interface{}); ok {
			sd.Snapshot = parseElements(elements)
		}
	}
	if differential, ok := raw["differential"].(map[string]interface{}); ok {
		if elements, ok := differential["element"].([]interface{}); ok {
			sd.Differential = parseElements(elements)
		}
	}
	return sd, nil
}

func parseElements(elements []interface{}) []ElementDef {
	result := make([]ElementDef, 0, len(elements))
	for _, elem := range elements {
		elemMap, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		ed := ElementDef{}
		ed.ID, _ = elemMap["id"].(string)
		ed.Path, _ = elemMap["path"].(string)
		ed.SliceName, _ = elemMap["sliceName"].(string)
		if minVal, ok := elemMap["min"].(float64); ok {
			ed.Min = int(minVal)
		}
		ed.Max, _ = elemMap["max"].(string)
		ed.Short, _ = elemMap["short"].(string)
		ed.Definition, _ = elemMap["definition"].(string)
		ed.MustSupport, _ = elemMap["mustSupport"].(bool)
		ed.IsModifier, _ = elemMap["isModifier"].(bool)
		ed.IsSummary, _ = elemMap["isSummary"].(bool)

		if types, ok := elemMap["type"].([]interface{}); ok {
			ed.Types = parseTypes(types)
		}
		if binding, ok := elemMap["binding"].(map[string]interface{}); ok {
			ed.Binding = parseBinding(binding)
		}
		if constraints, ok := elemMap["constraint"].([]interface{}); ok {
			ed.Constraints = parseConstraints(constraints)
		}
		for key, val := range elemMap {
			if strings.HasPrefix(key, "fixed") {
				ed.Fixed = val
			}
			if strings.HasPrefix(key, "pattern") {
				ed.Pattern = val
			}
		}
		result = append(result, ed)
	}
	return result
}

func parseTypes(types []interface{}) []TypeRef {
	result := make([]TypeRef, 0, len(types))
	for _, t := range types {
		typeMap, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		tr := TypeRef{}
		tr.Code, _ = typeMap["code"].(string)
		if targets, ok := typeMap["targetProfile"].([]interface{}); ok {
			for _, target := range targets {
				if s, ok := target.(string); ok {
					tr.TargetProfile = append(tr.TargetProfile, s)
				}
			}
		}
		if profiles, ok := typeMap["profile"].([]interface{}); ok {
			for _, profile := range profiles {
				if s, ok := profile.(string); ok {
					tr.Profile = append(tr.Profile, s)
				}
			}
		}
		result = append(result, tr)
	}
	return result
}

func parseBinding(binding map[string]interface{}) *ElementBinding {
	eb := &ElementBinding{}
	eb.Strength, _ = binding["strength"].(string)
	eb.ValueSet, _ = binding["valueSet"].(string)
	eb.Description, _ = binding["description"].(string)
	return eb
}

func parseConstraints(constraints []interface{}) []ElementConstraint {
	result := make([]ElementConstraint, 0, len(constraints))
	for _, c := range constraints {
		cMap, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		ec := ElementConstraint{}
		ec.Key, _ = cMap["key"].(string)
		ec.Severity, _ = cMap["severity"].(string)
		ec.Human, _ = cMap["human"].(string)
		ec.Expression, _ = cMap["expression"].(string)
		ec.XPath, _ = cMap["xpath"].(string)
		ec.Source, _ = cMap["source"].(string)
		result = append(result, ec)
	}
	return result
}

// parseCardinalityMax converts a FHIR "max" string ("*", "1", "0") into an
// int, returning (0, true) for unbounded.
func parseCardinalityMax(max string) (int, bool) {
	if max == "*" || max == "" {
		return 0, true
	}
	n, err := strconv.Atoi(max)
	if err != nil {
		return 0, true
	}
	return n, false
}
