package schema

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Coerce converts v to the shape required by kind. The boolean result reports
// whether the conversion is allowed; the returned value is only meaningful when it is true.
// Numeric results are json.Number so they encode exactly as parsed.
func Coerce(v any, kind Kind) (any, bool) {
	switch kind {
	case KindString:
		if s, ok := v.(string); ok {
			return s, true
		}
		return Render(v), true
	case KindNumber:
		switch val := v.(type) {
		case bool:
			return boolNumber(val), true
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, false
			}
			return json.Number(strconv.FormatFloat(f, 'f', -1, 64)), true
		}
		if n, ok := numberOf(v); ok {
			return n, true
		}
		return nil, false
	case KindInteger:
		switch val := v.(type) {
		case bool:
			return boolNumber(val), true
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
			if err != nil {
				return nil, false
			}
			return json.Number(strconv.FormatInt(i, 10)), true
		}
		if n, ok := numberOf(v); ok {
			i, err := n.Int64()
			if err != nil {
				return nil, false
			}
			return json.Number(strconv.FormatInt(i, 10)), true
		}
		return nil, false
	case KindBoolean:
		switch val := v.(type) {
		case bool:
			return val, true
		case string:
			switch strings.ToLower(val) {
			case "true", "1":
				return true, true
			case "false", "0":
				return false, true
			}
			return nil, false
		}
		if n, ok := numberOf(v); ok {
			f, err := n.Float64()
			if err != nil {
				return nil, false
			}
			return f != 0, true
		}
		return nil, false
	case KindArray:
		if _, ok := v.([]any); ok {
			return v, true
		}
		return nil, false
	case KindObject:
		if _, ok := v.(map[string]any); ok {
			return v, true
		}
		return nil, false
	default:
		return v, true
	}
}

// Default returns the canonical zero value stored for a field of the given kind.
func Default(kind Kind) any {
	switch kind {
	case KindString:
		return ""
	case KindNumber, KindInteger:
		return json.Number("0")
	case KindBoolean:
		return false
	case KindArray:
		return []any{}
	case KindObject:
		return map[string]any{}
	default:
		return nil
	}
}

// Render returns the compact JSON text of v, used for textual coercion and messages.
func Render(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func boolNumber(b bool) json.Number {
	if b {
		return json.Number("1")
	}
	return json.Number("0")
}

// numberOf normalizes the numeric representations a decoded or hand-built
// state map may carry into a json.Number.
func numberOf(v any) (json.Number, bool) {
	switch n := v.(type) {
	case json.Number:
		if _, err := n.Float64(); err != nil {
			return "", false
		}
		return n, true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return "", false
		}
		return json.Number(strconv.FormatFloat(n, 'f', -1, 64)), true
	case float32:
		return numberOf(float64(n))
	case int:
		return json.Number(strconv.FormatInt(int64(n), 10)), true
	case int8:
		return json.Number(strconv.FormatInt(int64(n), 10)), true
	case int16:
		return json.Number(strconv.FormatInt(int64(n), 10)), true
	case int32:
		return json.Number(strconv.FormatInt(int64(n), 10)), true
	case int64:
		return json.Number(strconv.FormatInt(n, 10)), true
	case uint:
		return json.Number(strconv.FormatUint(uint64(n), 10)), true
	case uint8:
		return json.Number(strconv.FormatUint(uint64(n), 10)), true
	case uint16:
		return json.Number(strconv.FormatUint(uint64(n), 10)), true
	case uint32:
		return json.Number(strconv.FormatUint(uint64(n), 10)), true
	case uint64:
		return json.Number(strconv.FormatUint(n, 10)), true
	default:
		return "", false
	}
}
