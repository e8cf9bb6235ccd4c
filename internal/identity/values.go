package identity

import (
	"math"
	"time"

	"studycore/pkg/domain"
)

// RestoreValue returns v in the Go type of a column of type t. Rows reloaded
// from a snapshot store carry JSON types: dates as RFC3339 strings and
// integers as float64. Values that do not match are returned unchanged.
func RestoreValue(t domain.ColumnType, v any) any {
	switch t {
	case domain.ColumnDate:
		if s, ok := v.(string); ok {
			for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
				if d, err := time.Parse(layout, s); err == nil {
					return d.UTC()
				}
			}
		}
	case domain.ColumnInt:
		if f, ok := v.(float64); ok && f == math.Trunc(f) {
			return int64(f)
		}
	}
	return v
}

// RestoreValues applies RestoreValue to every declared column of def in
// values, in place.
func RestoreValues(def domain.DatasetDefinition, values map[string]any) {
	for _, col := range def.Columns {
		if v, ok := values[col.Name]; ok && v != nil {
			values[col.Name] = RestoreValue(col.Type, v)
		}
	}
}

// KeyColumns returns the key column of def taken from values, restored to
// its column type, ready for Compute. It is empty when def has no key.
func KeyColumns(def domain.DatasetDefinition, values map[string]any) map[string]any {
	keys := map[string]any{}
	if def.KeyPropertyName == "" {
		return keys
	}
	v := values[def.KeyPropertyName]
	if col, ok := def.Column(def.KeyPropertyName); ok {
		v = RestoreValue(col.Type, v)
	}
	keys[def.KeyPropertyName] = v
	return keys
}
