package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	canonicalDate     = "2006-01-02"
	canonicalDateTime = "2006-01-02 15:04:05"
)

var (
	fmDateTimeLayouts = []string{"01/02/2006 15:04:05", "1/2/2006 15:04:05", "01/02/2006 15:04", "1/2/2006 15:04"}
	fmDateLayouts     = []string{"01/02/2006", "1/2/2006"}
)

// ConvertDate converts a FileMaker date ("MM/DD/YYYY") or timestamp
// ("MM/DD/YYYY HH:mm:ss") into "YYYY-MM-DD" or "YYYY-MM-DD HH:mm:ss".
func ConvertDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range fmDateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(canonicalDateTime), nil
		}
	}
	for _, layout := range fmDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(canonicalDate), nil
		}
	}
	return "", fmt.Errorf("invalid FileMaker date %q", s)
}

// Coerce converts a raw fieldData value to the Go representation of t:
// string, bool, canonical date string, float64 or int64. Empty strings
// (FileMaker's empty field) become nil for every type but String.
func Coerce(t Type, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if n, ok := raw.(json.Number); ok {
		raw = n.String()
		if i, err := n.Int64(); err == nil && t == Int {
			return i, nil
		}
		if t != String {
			if f, err := n.Float64(); err == nil {
				raw = f
			}
		}
	}

	if t == String {
		switch v := raw.(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		default:
			return fmt.Sprint(v), nil
		}
	}

	if s, ok := raw.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		raw = s
	}

	switch t {
	case Bool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case float64:
			return v != 0, nil
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				return b, nil
			}
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f != 0, nil
			}
		}
	case Date, DateTime:
		if v, ok := raw.(string); ok {
			return ConvertDate(v)
		}
	case Float:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, nil
			}
		}
	case Int:
		switch v := raw.(type) {
		case float64:
			return int64(v), nil
		case string:
			if i, err := strconv.ParseInt(v, 10, 64); err == nil {
				return i, nil
			}
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return int64(f), nil
			}
		}
	default:
		return nil, fmt.Errorf("unsupported column type %q", t)
	}
	return nil, fmt.Errorf("cannot convert %v (%T) to %s", raw, raw, t)
}
