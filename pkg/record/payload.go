package record

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Fields is a flattened payload: dotted paths mapped to numeric values.
// Encoding is canonical because encoding/json sorts map keys, so two
// equal Fields always marshal to identical bytes.
type Fields map[string]float64

// EncodeFields serializes fields to their canonical JSON form.
func EncodeFields(f Fields) ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFields parses a canonical payload back into fields. An empty
// payload decodes to an empty Fields.
func DecodeFields(data []byte) (Fields, error) {
	if len(data) == 0 {
		return Fields{}, nil
	}
	var f Fields
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode payload fields: %w", err)
	}
	if f == nil {
		f = Fields{}
	}
	return f, nil
}

// FlattenPayload normalizes an arbitrary nested JSON object into
// Fields. Nested objects become dotted paths, array elements become
// index segments, and every leaf must be numeric. Values are rounded
// to six decimal places so re-sent payloads hash identically.
func FlattenPayload(raw []byte) (Fields, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	out := Fields{}
	if err := flattenInto(out, "", doc); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenInto(out Fields, prefix string, v any) error {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if err := flattenInto(out, joinPath(prefix, k), child); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range val {
			if err := flattenInto(out, joinPath(prefix, strconv.Itoa(i)), child); err != nil {
				return err
			}
		}
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Errorf("field %q is not a finite number", prefix)
		}
		out[prefix] = Round6(val)
	default:
		return fmt.Errorf("field %q has non-numeric value %T", prefix, v)
	}
	return nil
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// Round6 rounds to six decimal places, the precision records are
// normalized to at ingest time.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
