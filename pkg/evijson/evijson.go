// Package evijson encodes automation evidence maps into the flat
// string-valued JSON document embedded in upstream callbacks.
package evijson

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Flatten converts an evidence map into flat string-valued form. Nested maps
// are flattened with underscore-joined keys; booleans and numbers are
// stringified; nil and empty values are omitted.
func Flatten(details map[string]any) map[string]string {
	out := make(map[string]string, len(details))
	flattenInto(out, "", details)
	return out
}

func flattenInto(out map[string]string, prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		switch val := v.(type) {
		case nil:
			// omitted
		case string:
			if val != "" {
				out[key] = val
			}
		case bool:
			out[key] = strconv.FormatBool(val)
		case float64:
			out[key] = strconv.FormatFloat(val, 'f', -1, 64)
		case int:
			out[key] = strconv.Itoa(val)
		case int64:
			out[key] = strconv.FormatInt(val, 10)
		case map[string]any:
			flattenInto(out, key, val)
		default:
			// Slices and anything else fall back to their JSON form.
			if b, err := json.Marshal(val); err == nil && string(b) != "null" && string(b) != `""` {
				out[key] = string(b)
			}
		}
	}
}

// Encode marshals the flattened evidence as a JSON string bounded by
// maxBytes. Oversize documents have their largest values truncated and a
// truncated=true marker added.
func Encode(details map[string]any, maxBytes int) (string, error) {
	flat := Flatten(details)
	b, err := json.Marshal(flat)
	if err != nil {
		return "", fmt.Errorf("op=evijson.encode: %w", err)
	}
	if maxBytes <= 0 || len(b) <= maxBytes {
		return string(b), nil
	}

	flat["truncated"] = "true"
	// Cut the largest values first until the document fits. Dropping to an
	// empty value removes the key entirely on the next pass.
	for range flat {
		b, err = json.Marshal(flat)
		if err != nil {
			return "", fmt.Errorf("op=evijson.encode: %w", err)
		}
		if len(b) <= maxBytes {
			return string(b), nil
		}
		k := largestKey(flat)
		if k == "" {
			break
		}
		over := len(b) - maxBytes
		v := flat[k]
		if len(v) > over+3 {
			flat[k] = v[:len(v)-over-3] + "..."
		} else {
			delete(flat, k)
		}
	}
	b, err = json.Marshal(flat)
	if err != nil {
		return "", fmt.Errorf("op=evijson.encode: %w", err)
	}
	return string(b), nil
}

func largestKey(flat map[string]string) string {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		if k == "truncated" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(flat[keys[i]]) != len(flat[keys[j]]) {
			return len(flat[keys[i]]) > len(flat[keys[j]])
		}
		return keys[i] < keys[j]
	})
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}

// Decode parses an encoded JOB_EVI string back into its flat form.
func Decode(s string) (map[string]string, error) {
	var out map[string]string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("op=evijson.decode: %w", err)
	}
	return out, nil
}
