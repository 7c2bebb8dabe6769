package location

import (
	"strconv"

	"github.com/buger/jsonparser"

	"github.com/clinval/clinval/pkg/document"
)

// FindFieldPath implements spec.md §4.9's last-resort fallback: "locate
// first occurrence of the field name in the raw JSON" when an exception
// message carries no "(at ...)" location clause for
// FromExceptionMessage to parse. Walks raw with buger/jsonparser
// (dependency-light; no full unmarshal) and returns the pointer to the
// first key matching fieldName in document order, depth-first.
func FindFieldPath(raw []byte, fieldName string) (document.StructuralPointer, bool) {
	segments, ok := scanObject(raw, fieldName, nil)
	if !ok {
		return document.StructuralPointer{}, false
	}
	return document.NewPointer(segments...), true
}

func scanObject(raw []byte, fieldName string, prefix []string) ([]string, bool) {
	var found []string
	var ok bool

	_ = jsonparser.ObjectEach(raw, func(key []byte, value []byte, dataType jsonparser.ValueType, _ int) error {
		if ok {
			return nil // already found; ObjectEach has no early-stop, so no-op the rest
		}
		k := string(key)
		path := append(append([]string{}, prefix...), k)

		if k == fieldName {
			found, ok = path, true
			return nil
		}

		switch dataType {
		case jsonparser.Object:
			if seg, inner := scanObject(value, fieldName, path); inner {
				found, ok = seg, true
			}
		case jsonparser.Array:
			if seg, inner := scanArray(value, fieldName, path); inner {
				found, ok = seg, true
			}
		}
		return nil
	})
	return found, ok
}

func scanArray(raw []byte, fieldName string, prefix []string) ([]string, bool) {
	var found []string
	var ok bool
	i := 0

	_, _ = jsonparser.ArrayEach(raw, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
		defer func() { i++ }()
		if ok {
			return
		}
		path := append(append([]string{}, prefix...), strconv.Itoa(i))
		switch dataType {
		case jsonparser.Object:
			if seg, inner := scanObject(value, fieldName, path); inner {
				found, ok = seg, true
			}
		case jsonparser.Array:
			if seg, inner := scanArray(value, fieldName, path); inner {
				found, ok = seg, true
			}
		}
	})
	return found, ok
}
