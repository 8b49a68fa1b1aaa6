package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"driftline.io/driftline/internal/domain"
)

// timestampLayouts are tried in order when coercing strings to timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Coerce converts a raw value to the target kind. Null passes through
// unchanged: an absent or null source field maps to a null canonical field,
// which is not a coercion failure.
func Coerce(v domain.Value, target domain.Kind) (domain.Value, error) {
	if v.IsNull() {
		return domain.Null(), nil
	}
	if v.Kind == target {
		return v, nil
	}

	switch target {
	case domain.KindString:
		return coerceString(v)
	case domain.KindNumber:
		return coerceNumber(v)
	case domain.KindBool:
		return coerceBool(v)
	case domain.KindTimestamp:
		return coerceTimestamp(v)
	case domain.KindMap:
		return domain.Value{}, fmt.Errorf("cannot coerce %s to map", v.Kind)
	default:
		return domain.Value{}, fmt.Errorf("unknown target kind %q", target)
	}
}

func coerceString(v domain.Value) (domain.Value, error) {
	switch v.Kind {
	case domain.KindNumber:
		return domain.String(strconv.FormatFloat(v.Num, 'f', -1, 64)), nil
	case domain.KindBool:
		return domain.String(strconv.FormatBool(v.Bool)), nil
	case domain.KindTimestamp:
		return domain.String(v.Time.UTC().Format(time.RFC3339)), nil
	default:
		return domain.Value{}, fmt.Errorf("cannot coerce %s to string", v.Kind)
	}
}

func coerceNumber(v domain.Value) (domain.Value, error) {
	switch v.Kind {
	case domain.KindString:
		n, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return domain.Value{}, fmt.Errorf("parse %q as number: %w", v.Str, err)
		}
		return domain.Number(n), nil
	case domain.KindBool:
		if v.Bool {
			return domain.Number(1), nil
		}
		return domain.Number(0), nil
	default:
		return domain.Value{}, fmt.Errorf("cannot coerce %s to number", v.Kind)
	}
}

func coerceBool(v domain.Value) (domain.Value, error) {
	switch v.Kind {
	case domain.KindString:
		switch strings.ToLower(strings.TrimSpace(v.Str)) {
		case "true", "1", "yes":
			return domain.Boolean(true), nil
		case "false", "0", "no":
			return domain.Boolean(false), nil
		}
		return domain.Value{}, fmt.Errorf("parse %q as bool", v.Str)
	case domain.KindNumber:
		switch v.Num {
		case 0:
			return domain.Boolean(false), nil
		case 1:
			return domain.Boolean(true), nil
		}
		return domain.Value{}, fmt.Errorf("number %g is not a bool", v.Num)
	default:
		return domain.Value{}, fmt.Errorf("cannot coerce %s to bool", v.Kind)
	}
}

func coerceTimestamp(v domain.Value) (domain.Value, error) {
	switch v.Kind {
	case domain.KindString:
		s := strings.TrimSpace(v.Str)
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return domain.Timestamp(t), nil
			}
		}
		return domain.Value{}, fmt.Errorf("parse %q as timestamp", v.Str)
	case domain.KindNumber:
		// Numeric timestamps are unix epoch seconds.
		return domain.Timestamp(time.Unix(int64(v.Num), 0).UTC()), nil
	default:
		return domain.Value{}, fmt.Errorf("cannot coerce %s to timestamp", v.Kind)
	}
}

// Lookup reads the value at a dot-separated path from a raw record,
// descending through nested maps. The second return is false when any
// segment is absent.
func Lookup(rec domain.RawRecord, path string) (domain.Value, bool) {
	segments := strings.Split(path, ".")
	current := domain.Nested(map[string]domain.Value(rec))
	for _, seg := range segments {
		if current.Kind != domain.KindMap {
			return domain.Value{}, false
		}
		next, ok := current.Map[seg]
		if !ok {
			return domain.Value{}, false
		}
		current = next
	}
	return current, true
}
