package config

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidUpdate is returned when an update is not a JSON object.
var ErrInvalidUpdate = errors.New("config update must be a JSON object")

// DeepMerge returns base with patch applied. Nested objects are merged key by
// key; arrays, scalars and nulls replace the existing value outright. Neither
// argument is modified.
func DeepMerge(base, patch map[string]any) map[string]any {
	out := Clone(base)
	if out == nil {
		out = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		src, srcIsObj := v.(map[string]any)
		dst, dstIsObj := out[k].(map[string]any)
		if srcIsObj && dstIsObj {
			out[k] = DeepMerge(dst, src)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// Clone deep-copies a document.
func Clone(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// ParsePatch decodes a partial update. Anything other than an object is
// rejected with ErrInvalidUpdate.
func ParsePatch(raw []byte) (map[string]any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	patch, ok := v.(map[string]any)
	if !ok {
		return nil, ErrInvalidUpdate
	}
	return patch, nil
}

// Normalize converts any JSON-encodable value into the generic document form
// (objects as map[string]any, numbers as float64).
func Normalize(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return ParsePatch(raw)
}
