package importer

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"studycore/pkg/domain"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"02-Jan-2006",
}

// convertValue converts raw input to the column type. Empty strings and nil
// convert to nil. raw may be a TSV string or a decoded JSON value.
func convertValue(t domain.ColumnType, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if s, ok := raw.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		return parseString(t, s)
	}
	switch t {
	case domain.ColumnString:
		return fmt.Sprint(raw), nil
	case domain.ColumnInt:
		f, ok := toFloat(raw)
		if !ok || f != math.Trunc(f) {
			return nil, fmt.Errorf("not an integer: %v", raw)
		}
		return int64(f), nil
	case domain.ColumnFloat:
		f, ok := toFloat(raw)
		if !ok {
			return nil, fmt.Errorf("not a number: %v", raw)
		}
		return f, nil
	case domain.ColumnBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("not a boolean: %v", raw)
		}
		return b, nil
	case domain.ColumnDate:
		d, ok := raw.(time.Time)
		if !ok {
			return nil, fmt.Errorf("not a date: %v", raw)
		}
		return d.UTC(), nil
	default:
		return nil, fmt.Errorf("unknown column type %s", t)
	}
}

func parseString(t domain.ColumnType, s string) (any, error) {
	switch t {
	case domain.ColumnString:
		return s, nil
	case domain.ColumnInt:
		return strconv.ParseInt(s, 10, 64)
	case domain.ColumnFloat:
		return strconv.ParseFloat(s, 64)
	case domain.ColumnBool:
		return parseBool(s)
	case domain.ColumnDate:
		return parseDate(s)
	default:
		return nil, fmt.Errorf("unknown column type %s", t)
	}
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "y", "on":
		return true, nil
	case "no", "n", "off":
		return false, nil
	}
	return strconv.ParseBool(s)
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// asTime reads a stored date value, which is a time.Time in memory and an
// RFC3339 string after a snapshot reload.
func asTime(v any) (time.Time, bool) {
	switch d := v.(type) {
	case time.Time:
		return d, true
	case *time.Time:
		if d == nil {
			return time.Time{}, false
		}
		return *d, true
	case string:
		t, err := parseDate(d)
		return t, err == nil
	default:
		return time.Time{}, false
	}
}
