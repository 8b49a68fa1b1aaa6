package handlers

import (
	"driftline.io/driftline/internal/domain"
)

// recordFromJSON converts one decoded JSON object into a tagged raw record.
func recordFromJSON(obj map[string]any) domain.RawRecord {
	rec := make(domain.RawRecord, len(obj))
	for k, v := range obj {
		rec[k] = valueFromJSON(v)
	}
	return rec
}

// valueFromJSON tags a decoded JSON value. JSON has no timestamp type;
// timestamp-typed strings are recognized later during coercion against the
// mapping's declared kind.
func valueFromJSON(v any) domain.Value {
	switch t := v.(type) {
	case nil:
		return domain.Null()
	case string:
		return domain.String(t)
	case float64:
		return domain.Number(t)
	case bool:
		return domain.Boolean(t)
	case map[string]any:
		m := make(map[string]domain.Value, len(t))
		for k, mv := range t {
			m[k] = valueFromJSON(mv)
		}
		return domain.Nested(m)
	default:
		// JSON arrays have no canonical kind; keep them null rather than
		// invent a representation the mapping language cannot address.
		return domain.Null()
	}
}
